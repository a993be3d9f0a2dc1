package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"news-digest-bot/internal/domain"
	"news-digest-bot/internal/infra/metrics"
	"news-digest-bot/internal/usecase/digest"
)

// guardTTL защищает слот от повторной отправки в течение суток.
const guardTTL = 24 * time.Hour

// DigestSource собирает дайджест для пользователя.
type DigestSource interface {
	Generate(ctx context.Context, telegramID int64) digest.Result
}

// Scheduler раз в минуту сверяет активные расписания с текущим
// временем и рассылает дайджесты в наступившие слоты. Момент тика
// переводится в часовой пояс каждого расписания отдельно.
type Scheduler struct {
	schedules  domain.ScheduleRepo
	digests    DigestSource
	messenger  domain.Messenger
	guard      domain.Cache
	defaultLoc *time.Location
	interval   time.Duration
	log        zerolog.Logger
	now        func() time.Time

	cancel context.CancelFunc
}

// New создаёт планировщик рассылки.
func New(schedules domain.ScheduleRepo, digests DigestSource, messenger domain.Messenger, guard domain.Cache, defaultLoc *time.Location, logger zerolog.Logger) *Scheduler {
	if defaultLoc == nil {
		defaultLoc = time.UTC
	}
	return &Scheduler{
		schedules:  schedules,
		digests:    digests,
		messenger:  messenger,
		guard:      guard,
		defaultLoc: defaultLoc,
		interval:   time.Minute,
		log:        logger,
		now:        time.Now,
	}
}

// Start запускает цикл тиков в отдельной горутине.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
	s.log.Info().Dur("interval", s.interval).Msg("планировщик запущен")
}

// Stop отменяет будущие тики и сразу возвращается. Начатая пачка
// дорабатывает до конца: её контекст не связан с контекстом цикла.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.log.Info().Msg("планировщик остановлен, новых тиков не будет")
}

func (s *Scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Пачка живёт на собственном контексте: остановка цикла
			// не обрывает уже начатую рассылку.
			s.tick(context.WithoutCancel(ctx))
		}
	}
}

// tick обрабатывает одну минуту: ошибка одного пользователя
// не прерывает рассылку остальным.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	items, err := s.schedules.ListActive(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("рассылка: не удалось загрузить расписания")
		return
	}

	for _, item := range items {
		slot, due := item.Schedule.IsDueAt(now, s.defaultLoc)
		if !due {
			continue
		}
		s.dispatch(ctx, now, item, slot)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, now time.Time, item domain.ScheduleWithUser, slot string) {
	user := item.User
	localDate := now.In(item.Schedule.Location(s.defaultLoc)).Format("2006-01-02")
	key := fmt.Sprintf("digest_sent:%d:%s:%s", user.TelegramID, localDate, slot)

	err := s.guard.Once(key, guardTTL, func() error {
		result := s.digests.Generate(ctx, user.TelegramID)
		if result.Err != nil {
			metrics.ScheduledDigestsTotal.WithLabelValues("skipped").Inc()
			s.log.Warn().Err(result.Err).Int64("user", user.TelegramID).Str("slot", slot).
				Msg("рассылка: дайджест не собран, слот пропущен")
			return nil
		}

		text := digest.FormatMessage(result)
		if text == "" {
			metrics.ScheduledDigestsTotal.WithLabelValues("empty").Inc()
			return nil
		}

		if err := s.messenger.SendDigest(ctx, user.TelegramID, text); err != nil {
			// Слот считается израсходованным, повторной отправки не будет.
			metrics.BotSendErrors.Inc()
			metrics.ScheduledDigestsTotal.WithLabelValues("send_error").Inc()
			s.log.Error().Err(err).Int64("user", user.TelegramID).Str("slot", slot).
				Msg("рассылка: не удалось отправить дайджест")
			return nil
		}

		metrics.ScheduledDigestsTotal.WithLabelValues("sent").Inc()
		s.log.Info().Int64("user", user.TelegramID).Str("slot", slot).Msg("дайджест отправлен по расписанию")

		if err := s.schedules.UpdateLastSent(ctx, user.ID, now.UTC()); err != nil {
			s.log.Error().Err(err).Int64("user", user.TelegramID).
				Msg("рассылка: не удалось обновить last_sent_at")
		}
		return nil
	})
	if err != nil {
		s.log.Error().Err(err).Int64("user", user.TelegramID).Msg("рассылка: сбой защиты от повторной отправки")
	}
}
