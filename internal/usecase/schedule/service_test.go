package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"news-digest-bot/internal/domain"
)

type stubUsers struct {
	user domain.User
}

func (s *stubUsers) GetOrCreate(ctx context.Context, profile domain.TelegramProfile) (domain.User, bool, error) {
	return s.user, false, nil
}

func (s *stubUsers) GetByTelegramID(ctx context.Context, telegramID int64) (domain.User, error) {
	return s.user, nil
}

type stubSchedules struct {
	saved    domain.Schedule
	lastArgs struct {
		times    []string
		timezone string
		isActive bool
	}
	err error
}

func (s *stubSchedules) GetByUser(ctx context.Context, userID uuid.UUID) (domain.Schedule, error) {
	return s.saved, s.err
}

func (s *stubSchedules) GetByTelegramID(ctx context.Context, telegramID int64) (domain.Schedule, error) {
	return s.saved, s.err
}

func (s *stubSchedules) CreateOrUpdate(ctx context.Context, userID uuid.UUID, times []string, timezone string, isActive bool) (domain.Schedule, bool, error) {
	if s.err != nil {
		return domain.Schedule{}, false, s.err
	}
	s.lastArgs.times = times
	s.lastArgs.timezone = timezone
	s.lastArgs.isActive = isActive
	s.saved = domain.Schedule{ID: uuid.New(), UserID: userID, IsActive: isActive, Times: times, Timezone: timezone}
	return s.saved, true, nil
}

func (s *stubSchedules) ToggleActive(ctx context.Context, userID uuid.UUID) (domain.Schedule, error) {
	s.saved.IsActive = !s.saved.IsActive
	return s.saved, s.err
}

func (s *stubSchedules) ListActive(ctx context.Context) ([]domain.ScheduleWithUser, error) {
	return nil, s.err
}

func (s *stubSchedules) GetSchedulesDue(ctx context.Context, timeStr string) ([]domain.ScheduleWithUser, error) {
	return nil, s.err
}

func (s *stubSchedules) UpdateLastSent(ctx context.Context, userID uuid.UUID, sentAt time.Time) error {
	return s.err
}

func newService(schedules *stubSchedules) *Service {
	users := &stubUsers{user: domain.User{ID: uuid.New(), TelegramID: 42}}
	return NewService(users, schedules, 3, "Europe/Moscow", zerolog.Nop())
}

func TestValidateTimesSortsAndDedupes(t *testing.T) {
	s := newService(&stubSchedules{})
	got, err := s.ValidateTimes([]string{"18:00", "08:00", " 18:00 "})
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if len(got) != 2 || got[0] != "08:00" || got[1] != "18:00" {
		t.Fatalf("ожидали отсортированный список без дубликатов, получили %v", got)
	}
}

func TestValidateTimesErrors(t *testing.T) {
	s := newService(&stubSchedules{})
	cases := []struct {
		name  string
		input []string
		want  error
	}{
		{"пустой список", nil, ErrNoTimes},
		{"слишком много", []string{"08:00", "12:00", "16:00", "20:00"}, ErrTooManySlots},
		{"не время", []string{"утром"}, ErrInvalidTime},
		{"часы вне диапазона", []string{"25:00"}, ErrInvalidTime},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.ValidateTimes(tc.input); !errors.Is(err, tc.want) {
				t.Fatalf("ожидали %v, получили %v", tc.want, err)
			}
		})
	}
}

func TestSaveActivatesSchedule(t *testing.T) {
	schedules := &stubSchedules{}
	s := newService(schedules)

	saved, err := s.Save(context.Background(), domain.TelegramProfile{TelegramID: 42}, []string{"08:00", "18:00"}, "")
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if !saved.IsActive {
		t.Fatal("сохранённое расписание должно быть активным")
	}
	// Активация всегда явная: схема по умолчанию держит is_active = false.
	if !schedules.lastArgs.isActive {
		t.Fatal("сервис должен явно передавать активацию в репозиторий")
	}
	if schedules.lastArgs.timezone != "Europe/Moscow" {
		t.Fatalf("пустой пояс должен заменяться поясом по умолчанию, получили %q", schedules.lastArgs.timezone)
	}
}

func TestSaveNormalizesTimezone(t *testing.T) {
	schedules := &stubSchedules{}
	s := newService(schedules)

	if _, err := s.Save(context.Background(), domain.TelegramProfile{TelegramID: 42}, []string{"08:00"}, "europe/moscow"); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if schedules.lastArgs.timezone != "Europe/Moscow" {
		t.Fatalf("ожидали нормализованный пояс, получили %q", schedules.lastArgs.timezone)
	}

	if _, err := s.Save(context.Background(), domain.TelegramProfile{TelegramID: 42}, []string{"08:00"}, "Лондон"); !errors.Is(err, ErrInvalidTimezone) {
		t.Fatalf("ожидали ErrInvalidTimezone, получили %v", err)
	}
}

func TestToggle(t *testing.T) {
	schedules := &stubSchedules{saved: domain.Schedule{IsActive: true}}
	s := newService(schedules)

	got, err := s.Toggle(context.Background(), 42)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if got.IsActive {
		t.Fatal("переключение должно деактивировать активное расписание")
	}
}
