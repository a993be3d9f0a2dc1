package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrRateLimited возвращается клиентом новостного API при исчерпании квоты.
var ErrRateLimited = errors.New("превышен лимит запросов к новостному API")

// ErrNotFound возвращается репозиториями, когда запись отсутствует.
var ErrNotFound = errors.New("запись не найдена")

// UserRepo управляет пользователями.
type UserRepo interface {
	GetOrCreate(ctx context.Context, profile TelegramProfile) (User, bool, error)
	GetByTelegramID(ctx context.Context, telegramID int64) (User, error)
}

// TopicRepo управляет темами пользователя.
type TopicRepo interface {
	ListByUser(ctx context.Context, userID uuid.UUID) ([]Topic, error)
	ListByTelegramID(ctx context.Context, telegramID int64) ([]Topic, error)
	ReplaceAll(ctx context.Context, userID uuid.UUID, names []string) ([]Topic, error)
	CountByUser(ctx context.Context, userID uuid.UUID) (int, error)
}

// ScheduleRepo управляет расписаниями рассылки.
type ScheduleRepo interface {
	GetByUser(ctx context.Context, userID uuid.UUID) (Schedule, error)
	GetByTelegramID(ctx context.Context, telegramID int64) (Schedule, error)
	CreateOrUpdate(ctx context.Context, userID uuid.UUID, times []string, timezone string, isActive bool) (Schedule, bool, error)
	ToggleActive(ctx context.Context, userID uuid.UUID) (Schedule, error)
	ListActive(ctx context.Context) ([]ScheduleWithUser, error)
	GetSchedulesDue(ctx context.Context, timeStr string) ([]ScheduleWithUser, error)
	UpdateLastSent(ctx context.Context, userID uuid.UUID, sentAt time.Time) error
}

// ArticleRepo управляет статьями.
type ArticleRepo interface {
	GetByExternalID(ctx context.Context, externalID string) (Article, error)
	UpsertByExternalID(ctx context.Context, article Article) (Article, bool, error)
}

// LibraryRepo управляет сохранёнными статьями пользователя.
type LibraryRepo interface {
	Save(ctx context.Context, userID, articleID uuid.UUID) (bool, error)
	IsSaved(ctx context.Context, userID uuid.UUID, externalID string) (bool, error)
	SavedExternalIDs(ctx context.Context, userID uuid.UUID, externalIDs []string) (map[string]struct{}, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]SavedArticle, error)
	CountByUser(ctx context.Context, userID uuid.UUID) (int, error)
	Delete(ctx context.Context, userID, articleID uuid.UUID) (bool, error)
}

// NewsProvider выдаёт нормализованные статьи из внешнего поискового API.
type NewsProvider interface {
	Search(ctx context.Context, query, lang string, maxResults int) ([]Article, error)
	SearchMultiple(ctx context.Context, queries []string, lang string, maxPerQuery int) ([]Article, error)
	TopHeadlines(ctx context.Context, category, country, lang string, maxResults int) ([]Article, error)
}

// Messenger отправляет готовый дайджест получателю.
type Messenger interface {
	SendDigest(ctx context.Context, chatID int64, text string) error
}

// Cache используется планировщиком как защита от повторной отправки.
type Cache interface {
	Once(key string, ttl time.Duration, fn func() error) error
}
