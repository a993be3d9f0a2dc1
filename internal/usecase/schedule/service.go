package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"news-digest-bot/internal/domain"
)

var (
	// ErrNoTimes — в расписании не выбрано ни одного времени.
	ErrNoTimes = errors.New("не выбрано ни одного времени")
	// ErrTooManySlots — превышен лимит слотов в день.
	ErrTooManySlots = errors.New("слишком много времён в расписании")
	// ErrInvalidTime — время не в формате ЧЧ:ММ.
	ErrInvalidTime = errors.New("некорректный формат времени")
	// ErrInvalidTimezone — часовой пояс не распознан.
	ErrInvalidTimezone = errors.New("некорректный часовой пояс")
)

// Service управляет расписанием автоматической рассылки.
type Service struct {
	users     domain.UserRepo
	schedules domain.ScheduleRepo
	maxSlots  int
	defaultTZ string
	log       zerolog.Logger
}

// NewService создаёт сервис расписаний.
func NewService(users domain.UserRepo, schedules domain.ScheduleRepo, maxSlots int, defaultTZ string, logger zerolog.Logger) *Service {
	if maxSlots <= 0 {
		maxSlots = 3
	}
	if defaultTZ == "" {
		defaultTZ = "Europe/Moscow"
	}
	return &Service{users: users, schedules: schedules, maxSlots: maxSlots, defaultTZ: defaultTZ, log: logger}
}

// ValidateTimes проверяет список времён и возвращает его
// отсортированным, без дубликатов.
func (s *Service) ValidateTimes(times []string) ([]string, error) {
	if len(times) == 0 {
		return nil, ErrNoTimes
	}
	if len(times) > s.maxSlots {
		return nil, fmt.Errorf("%w: максимум %d", ErrTooManySlots, s.maxSlots)
	}

	seen := make(map[string]struct{}, len(times))
	out := make([]string, 0, len(times))
	for _, raw := range times {
		t := strings.TrimSpace(raw)
		parsed, err := time.Parse("15:04", t)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidTime, raw)
		}
		t = parsed.Format("15:04")
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

// Save создаёт расписание пользователя или заменяет существующее.
// Сохранённое расписание всегда активно.
func (s *Service) Save(ctx context.Context, profile domain.TelegramProfile, times []string, timezone string) (domain.Schedule, error) {
	validated, err := s.ValidateTimes(times)
	if err != nil {
		return domain.Schedule{}, err
	}

	if timezone == "" {
		timezone = s.defaultTZ
	}
	tz, err := normalizeTimezone(timezone)
	if err != nil {
		return domain.Schedule{}, err
	}

	user, _, err := s.users.GetOrCreate(ctx, profile)
	if err != nil {
		return domain.Schedule{}, fmt.Errorf("get or create user: %w", err)
	}

	saved, created, err := s.schedules.CreateOrUpdate(ctx, user.ID, validated, tz, true)
	if err != nil {
		return domain.Schedule{}, fmt.Errorf("upsert schedule: %w", err)
	}
	s.log.Info().
		Int64("user", profile.TelegramID).
		Strs("times", validated).
		Bool("created", created).
		Msg("расписание сохранено")
	return saved, nil
}

// Toggle переключает активность расписания.
func (s *Service) Toggle(ctx context.Context, telegramID int64) (domain.Schedule, error) {
	user, err := s.users.GetByTelegramID(ctx, telegramID)
	if err != nil {
		return domain.Schedule{}, err
	}
	return s.schedules.ToggleActive(ctx, user.ID)
}

// Get возвращает расписание пользователя или domain.ErrNotFound.
func (s *Service) Get(ctx context.Context, telegramID int64) (domain.Schedule, error) {
	return s.schedules.GetByTelegramID(ctx, telegramID)
}

func normalizeTimezone(raw string) (string, error) {
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return "", ErrInvalidTimezone
	}
	candidate = strings.ReplaceAll(candidate, " ", "_")
	if _, err := time.LoadLocation(candidate); err == nil {
		return candidate, nil
	}

	lower := strings.ToLower(candidate)
	parts := strings.Split(lower, "/")
	for i, part := range parts {
		segments := strings.Split(part, "_")
		for j, segment := range segments {
			pieces := strings.Split(segment, "-")
			for k, piece := range pieces {
				if piece == "" {
					continue
				}
				pieces[k] = strings.ToUpper(piece[:1]) + piece[1:]
			}
			segments[j] = strings.Join(pieces, "-")
		}
		parts[i] = strings.Join(segments, "_")
	}
	normalized := strings.Join(parts, "/")
	if _, err := time.LoadLocation(normalized); err == nil {
		return normalized, nil
	}
	return "", ErrInvalidTimezone
}
