package digest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"news-digest-bot/internal/domain"
	"news-digest-bot/internal/infra/cache"
)

type stubTopics struct {
	topics []domain.Topic
	err    error
}

func (s *stubTopics) ListByUser(ctx context.Context, userID uuid.UUID) ([]domain.Topic, error) {
	return s.topics, s.err
}

func (s *stubTopics) ListByTelegramID(ctx context.Context, telegramID int64) ([]domain.Topic, error) {
	return s.topics, s.err
}

func (s *stubTopics) ReplaceAll(ctx context.Context, userID uuid.UUID, names []string) ([]domain.Topic, error) {
	return nil, errors.New("не используется")
}

func (s *stubTopics) CountByUser(ctx context.Context, userID uuid.UUID) (int, error) {
	return len(s.topics), s.err
}

type stubNews struct {
	articles []domain.Article
	err      error
	calls    int
	queries  []string
}

func (s *stubNews) Search(ctx context.Context, query, lang string, maxResults int) ([]domain.Article, error) {
	return nil, errors.New("не используется")
}

func (s *stubNews) SearchMultiple(ctx context.Context, queries []string, lang string, maxPerQuery int) ([]domain.Article, error) {
	s.calls++
	s.queries = queries
	return s.articles, s.err
}

func (s *stubNews) TopHeadlines(ctx context.Context, category, country, lang string, maxResults int) ([]domain.Article, error) {
	return nil, errors.New("не используется")
}

func topicsNamed(names ...string) []domain.Topic {
	out := make([]domain.Topic, 0, len(names))
	for _, n := range names {
		out = append(out, domain.Topic{ID: uuid.New(), Name: n})
	}
	return out
}

func articlesN(n int) []domain.Article {
	out := make([]domain.Article, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, domain.Article{
			ExternalID:  uuid.NewString(),
			Title:       "Статья",
			PublishedAt: time.Now().Add(-time.Duration(i) * time.Hour),
		})
	}
	return out
}

func newService(topics *stubTopics, news *stubNews, ttl time.Duration) *Service {
	return NewService(topics, news, cache.New[Result](ttl), "ru", 10, 5, zerolog.Nop())
}

func TestGenerateNoTopics(t *testing.T) {
	s := newService(&stubTopics{}, &stubNews{}, time.Minute)
	r := s.Generate(context.Background(), 1)
	if !errors.Is(r.Err, ErrNoTopics) {
		t.Fatalf("ожидали ErrNoTopics, получили %v", r.Err)
	}
	if len(r.Articles) != 0 {
		t.Fatalf("ожидали пустой дайджест, получили %d статей", len(r.Articles))
	}
}

func TestGenerateStorageError(t *testing.T) {
	s := newService(&stubTopics{err: errors.New("база недоступна")}, &stubNews{}, time.Minute)
	r := s.Generate(context.Background(), 1)
	if !errors.Is(r.Err, ErrStorage) {
		t.Fatalf("ожидали ErrStorage, получили %v", r.Err)
	}
}

func TestGenerateTruncatesAndCaches(t *testing.T) {
	news := &stubNews{articles: articlesN(12)}
	s := newService(&stubTopics{topics: topicsNamed("go", "космос")}, news, time.Minute)

	r := s.Generate(context.Background(), 1)
	if r.Err != nil {
		t.Fatalf("неожиданная ошибка: %v", r.Err)
	}
	if len(r.Articles) != 10 {
		t.Fatalf("ожидали срез до 10 самых свежих, получили %d", len(r.Articles))
	}
	if r.FromCache {
		t.Fatal("свежесобранный дайджест не должен быть помечен как кэшированный")
	}
	if len(news.queries) != 2 || news.queries[0] != "go" {
		t.Fatalf("поиск должен идти по темам пользователя, получили %v", news.queries)
	}

	r2 := s.Generate(context.Background(), 1)
	if !r2.FromCache {
		t.Fatal("повторный вызов должен идти из кэша")
	}
	if news.calls != 1 {
		t.Fatalf("ожидали один поход в API, было %d", news.calls)
	}
}

func TestGenerateRateLimitFallsBackToStale(t *testing.T) {
	news := &stubNews{articles: articlesN(3)}
	// Отрицательный TTL: кэш сразу просрочен, остаётся только
	// последний собранный дайджест.
	s := newService(&stubTopics{topics: topicsNamed("go")}, news, -time.Second)

	if r := s.Generate(context.Background(), 1); r.Err != nil {
		t.Fatalf("первая сборка: %v", r.Err)
	}

	news.articles = nil
	news.err = domain.ErrRateLimited
	r := s.Generate(context.Background(), 1)
	if r.Err != nil {
		t.Fatalf("при наличии старого дайджеста ошибки быть не должно: %v", r.Err)
	}
	if !r.FromCache || len(r.Articles) != 3 {
		t.Fatalf("ожидали последний собранный дайджест, получили %+v", r)
	}
}

func TestGenerateRateLimitWithoutCache(t *testing.T) {
	news := &stubNews{err: domain.ErrRateLimited}
	s := newService(&stubTopics{topics: topicsNamed("go")}, news, time.Minute)

	r := s.Generate(context.Background(), 1)
	if !errors.Is(r.Err, domain.ErrRateLimited) {
		t.Fatalf("ожидали ErrRateLimited, получили %v", r.Err)
	}
	if len(r.Topics) != 1 {
		t.Fatal("темы должны остаться в результате при rate-limit")
	}
}

func TestGenerateAPIError(t *testing.T) {
	news := &stubNews{err: errors.New("502 bad gateway")}
	s := newService(&stubTopics{topics: topicsNamed("go")}, news, time.Minute)

	r := s.Generate(context.Background(), 1)
	if !errors.Is(r.Err, ErrAPIUnavailable) {
		t.Fatalf("ожидали ErrAPIUnavailable, получили %v", r.Err)
	}
}

func TestInvalidateDropsCache(t *testing.T) {
	news := &stubNews{articles: articlesN(1)}
	s := newService(&stubTopics{topics: topicsNamed("go")}, news, time.Minute)

	s.Generate(context.Background(), 1)
	s.Invalidate(1)
	s.Generate(context.Background(), 1)
	if news.calls != 2 {
		t.Fatalf("после сброса кэша дайджест должен собираться заново, было %d походов", news.calls)
	}
}
