package domain

import (
	"time"

	"github.com/google/uuid"
)

// User описывает пользователя Telegram в системе.
type User struct {
	ID           uuid.UUID
	TelegramID   int64
	Username     string
	FirstName    string
	LanguageCode string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TelegramProfile содержит данные профиля, которые сообщает Telegram.
type TelegramProfile struct {
	TelegramID   int64
	Username     string
	FirstName    string
	LanguageCode string
}

// Topic хранит тему интересов пользователя. Имя нормализовано:
// обрезаны пробелы, приведено к нижнему регистру.
type Topic struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Name      string
	CreatedAt time.Time
}

// Schedule описывает расписание автоматической рассылки.
// У пользователя не более одного расписания; времена хранятся
// строками "ЧЧ:ММ" в часовом поясе Timezone.
type Schedule struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	IsActive   bool
	Times      []string
	Timezone   string
	LastSentAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Location возвращает часовой пояс расписания, либо fallback,
// если сохранённое имя пояса не распознаётся.
func (s Schedule) Location(fallback *time.Location) *time.Location {
	if s.Timezone == "" {
		return fallback
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return fallback
	}
	return loc
}

// IsDueAt сообщает, попадает ли момент t в один из слотов расписания.
// Момент переводится в часовой пояс расписания и сверяется с точностью
// до минуты: слот срабатывает ровно в свою минуту.
func (s Schedule) IsDueAt(t time.Time, fallback *time.Location) (string, bool) {
	if !s.IsActive {
		return "", false
	}
	local := t.In(s.Location(fallback)).Format("15:04")
	for _, slot := range s.Times {
		if slot == local {
			return slot, true
		}
	}
	return "", false
}

// ScheduleWithUser связывает расписание с его владельцем при выборке.
type ScheduleWithUser struct {
	Schedule Schedule
	User     User
}

// Article представляет новость из внешнего API.
// ExternalID — md5-хэш URL, стабильный ключ дедупликации.
type Article struct {
	ID          uuid.UUID
	ExternalID  string
	Title       string
	Description string
	URL         string
	SourceName  string
	ImageURL    string
	PublishedAt time.Time
	FetchedAt   time.Time
}

// SavedArticle хранит статью в библиотеке пользователя.
type SavedArticle struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	ArticleID uuid.UUID
	SavedAt   time.Time
	Article   Article
}
