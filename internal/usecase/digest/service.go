package digest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"news-digest-bot/internal/domain"
	"news-digest-bot/internal/infra/cache"
	"news-digest-bot/internal/infra/metrics"
)

var (
	// ErrNoTopics — у пользователя нет ни одной темы, собирать нечего.
	ErrNoTopics = errors.New("у пользователя нет тем")
	// ErrAPIUnavailable — новостной API ответил ошибкой, не связанной с квотой.
	ErrAPIUnavailable = errors.New("новостной API недоступен")
	// ErrStorage — не удалось прочитать данные пользователя из базы.
	ErrStorage = errors.New("ошибка хранилища")
)

// Result — итог сборки дайджеста. Ошибка передаётся полем Err,
// а не отдельным возвратом: частичный результат (например, список тем
// при rate-limit) остаётся доступен вызывающему.
type Result struct {
	Articles  []domain.Article
	Topics    []string
	FromCache bool
	Err       error
}

// Service собирает персональный дайджест по темам пользователя.
type Service struct {
	topics      domain.TopicRepo
	news        domain.NewsProvider
	cache       *cache.TTL[Result]
	lang        string
	maxArticles int
	maxPerTopic int
	log         zerolog.Logger
}

// NewService создаёт сборщик дайджестов.
func NewService(topics domain.TopicRepo, news domain.NewsProvider, digests *cache.TTL[Result], lang string, maxArticles, maxPerTopic int, logger zerolog.Logger) *Service {
	if maxArticles <= 0 {
		maxArticles = 10
	}
	if maxPerTopic <= 0 {
		maxPerTopic = 5
	}
	return &Service{
		topics:      topics,
		news:        news,
		cache:       digests,
		lang:        lang,
		maxArticles: maxArticles,
		maxPerTopic: maxPerTopic,
		log:         logger,
	}
}

// Generate собирает дайджест для пользователя. Свежесобранный результат
// кэшируется на короткое время; при rate-limit новостного API отдаётся
// последний собранный дайджест, даже просроченный.
func (s *Service) Generate(ctx context.Context, telegramID int64) Result {
	metrics.IncDigestOverall()
	metrics.IncDigestForUser(telegramID)

	key := fmt.Sprintf("digest:%d", telegramID)
	if r, ok := s.cache.Get(key); ok {
		r.FromCache = true
		return r
	}

	topics, err := s.topics.ListByTelegramID(ctx, telegramID)
	if err != nil {
		s.log.Error().Err(err).Int64("user", telegramID).Msg("дайджест: не удалось прочитать темы")
		return Result{Err: ErrStorage}
	}
	if len(topics) == 0 {
		return Result{Err: ErrNoTopics}
	}

	names := make([]string, 0, len(topics))
	for _, t := range topics {
		names = append(names, t.Name)
	}

	start := time.Now()
	articles, err := s.news.SearchMultiple(ctx, names, s.lang, s.maxPerTopic)
	metrics.DigestBuildSeconds.Observe(time.Since(start).Seconds())

	switch {
	case errors.Is(err, domain.ErrRateLimited):
		if r, ok := s.cache.GetStale(key); ok {
			s.log.Warn().Int64("user", telegramID).Msg("дайджест: rate-limit, отдаём последний собранный")
			r.FromCache = true
			return r
		}
		return Result{Topics: names, Err: domain.ErrRateLimited}
	case err != nil:
		s.log.Error().Err(err).Int64("user", telegramID).Msg("дайджест: сбой новостного API")
		return Result{Topics: names, Err: ErrAPIUnavailable}
	}

	// Берём N самых свежих по всем темам сразу, а не N на тему.
	if len(articles) > s.maxArticles {
		articles = articles[:s.maxArticles]
	}

	result := Result{Articles: articles, Topics: names}
	s.cache.SetDefault(key, result)
	s.log.Info().Int64("user", telegramID).Int("articles", len(articles)).Msg("дайджест собран")
	return result
}

// Invalidate сбрасывает кэшированный дайджест пользователя.
// Вызывается при смене набора тем.
func (s *Service) Invalidate(telegramID int64) {
	s.cache.Delete(fmt.Sprintf("digest:%d", telegramID))
}
