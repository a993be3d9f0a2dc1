package topics

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"news-digest-bot/internal/domain"
)

const (
	minNameLen = 2
	maxNameLen = 100
)

var (
	// ErrTooShort — тема короче двух символов.
	ErrTooShort = errors.New("тема слишком короткая")
	// ErrTooLong — тема длиннее ста символов.
	ErrTooLong = errors.New("тема слишком длинная")
	// ErrDuplicate — тема повторяется в списке.
	ErrDuplicate = errors.New("тема уже есть в списке")
	// ErrTooMany — превышен лимит тем на пользователя.
	ErrTooMany = errors.New("слишком много тем")
	// ErrEmpty — список тем пуст.
	ErrEmpty = errors.New("не указано ни одной темы")
)

// Service управляет темами интересов пользователя.
type Service struct {
	users     domain.UserRepo
	topics    domain.TopicRepo
	maxTopics int
	log       zerolog.Logger
}

// NewService создаёт сервис тем.
func NewService(users domain.UserRepo, topics domain.TopicRepo, maxTopics int, logger zerolog.Logger) *Service {
	if maxTopics <= 0 {
		maxTopics = 10
	}
	return &Service{users: users, topics: topics, maxTopics: maxTopics, log: logger}
}

// Normalize приводит имя темы к каноническому виду:
// обрезает пробелы и переводит в нижний регистр.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Validate нормализует список тем и проверяет его целиком.
// Возвращает нормализованный список в исходном порядке.
func (s *Service) Validate(names []string) ([]string, error) {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, raw := range names {
		name := Normalize(raw)
		if name == "" {
			continue
		}
		switch n := utf8.RuneCountInString(name); {
		case n < minNameLen:
			return nil, fmt.Errorf("%w: %q", ErrTooShort, name)
		case n > maxNameLen:
			return nil, fmt.Errorf("%w: %q", ErrTooLong, name)
		}
		if _, ok := seen[name]; ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicate, name)
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	if len(out) == 0 {
		return nil, ErrEmpty
	}
	if len(out) > s.maxTopics {
		return nil, fmt.Errorf("%w: максимум %d", ErrTooMany, s.maxTopics)
	}
	return out, nil
}

// Save заменяет весь набор тем пользователя. Пользователь создаётся
// при первом обращении.
func (s *Service) Save(ctx context.Context, profile domain.TelegramProfile, names []string) ([]domain.Topic, error) {
	normalized, err := s.Validate(names)
	if err != nil {
		return nil, err
	}

	user, _, err := s.users.GetOrCreate(ctx, profile)
	if err != nil {
		return nil, fmt.Errorf("get or create user: %w", err)
	}

	saved, err := s.topics.ReplaceAll(ctx, user.ID, normalized)
	if err != nil {
		return nil, fmt.Errorf("replace topics: %w", err)
	}
	s.log.Info().Int64("user", profile.TelegramID).Int("topics", len(saved)).Msg("темы обновлены")
	return saved, nil
}

// List возвращает темы пользователя.
func (s *Service) List(ctx context.Context, telegramID int64) ([]domain.Topic, error) {
	return s.topics.ListByTelegramID(ctx, telegramID)
}

// MaxTopics возвращает лимит тем на пользователя.
func (s *Service) MaxTopics() int {
	return s.maxTopics
}
