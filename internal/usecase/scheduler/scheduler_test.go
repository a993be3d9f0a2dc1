package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"news-digest-bot/internal/domain"
	"news-digest-bot/internal/usecase/digest"
)

type fakeSchedules struct {
	items    []domain.ScheduleWithUser
	listErr  error
	lastSent map[uuid.UUID]time.Time
}

func (f *fakeSchedules) GetByUser(ctx context.Context, userID uuid.UUID) (domain.Schedule, error) {
	return domain.Schedule{}, domain.ErrNotFound
}

func (f *fakeSchedules) GetByTelegramID(ctx context.Context, telegramID int64) (domain.Schedule, error) {
	return domain.Schedule{}, domain.ErrNotFound
}

func (f *fakeSchedules) CreateOrUpdate(ctx context.Context, userID uuid.UUID, times []string, timezone string, isActive bool) (domain.Schedule, bool, error) {
	return domain.Schedule{}, false, errors.New("не используется")
}

func (f *fakeSchedules) ToggleActive(ctx context.Context, userID uuid.UUID) (domain.Schedule, error) {
	return domain.Schedule{}, errors.New("не используется")
}

func (f *fakeSchedules) ListActive(ctx context.Context) ([]domain.ScheduleWithUser, error) {
	return f.items, f.listErr
}

func (f *fakeSchedules) GetSchedulesDue(ctx context.Context, timeStr string) ([]domain.ScheduleWithUser, error) {
	return nil, nil
}

func (f *fakeSchedules) UpdateLastSent(ctx context.Context, userID uuid.UUID, sentAt time.Time) error {
	if f.lastSent == nil {
		f.lastSent = make(map[uuid.UUID]time.Time)
	}
	f.lastSent[userID] = sentAt
	return nil
}

type fakeDigests struct {
	results map[int64]digest.Result
	calls   int
}

func (f *fakeDigests) Generate(ctx context.Context, telegramID int64) digest.Result {
	f.calls++
	return f.results[telegramID]
}

type fakeMessenger struct {
	sent    map[int64]int
	failFor map[int64]error
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{sent: make(map[int64]int), failFor: make(map[int64]error)}
}

func (f *fakeMessenger) SendDigest(ctx context.Context, chatID int64, text string) error {
	if err := f.failFor[chatID]; err != nil {
		return err
	}
	f.sent[chatID]++
	return nil
}

type memoryGuard struct {
	keys map[string]struct{}
}

func newMemoryGuard() *memoryGuard {
	return &memoryGuard{keys: make(map[string]struct{})}
}

func (g *memoryGuard) Once(key string, ttl time.Duration, fn func() error) error {
	if _, ok := g.keys[key]; ok {
		return nil
	}
	g.keys[key] = struct{}{}
	if err := fn(); err != nil {
		delete(g.keys, key)
		return err
	}
	return nil
}

func scheduleFor(tgID int64, tz string, times ...string) domain.ScheduleWithUser {
	return domain.ScheduleWithUser{
		Schedule: domain.Schedule{
			ID: uuid.New(), UserID: uuid.New(), IsActive: true, Times: times, Timezone: tz,
		},
		User: domain.User{ID: uuid.New(), TelegramID: tgID},
	}
}

func oneArticle() digest.Result {
	return digest.Result{Articles: []domain.Article{{
		Title: "Статья", URL: "https://e.com/1", PublishedAt: time.Now(),
	}}}
}

func newTestScheduler(schedules *fakeSchedules, digests *fakeDigests, m *fakeMessenger, at time.Time) *Scheduler {
	s := New(schedules, digests, m, newMemoryGuard(), time.UTC, zerolog.Nop())
	s.now = func() time.Time { return at }
	return s
}

func TestTickSendsDueSchedules(t *testing.T) {
	// 08:00 UTC: первый слот наступил, второй нет.
	now := time.Date(2024, 5, 1, 8, 0, 30, 0, time.UTC)
	due := scheduleFor(1, "UTC", "08:00", "18:00")
	notDue := scheduleFor(2, "UTC", "09:00")
	schedules := &fakeSchedules{items: []domain.ScheduleWithUser{due, notDue}}
	digests := &fakeDigests{results: map[int64]digest.Result{1: oneArticle(), 2: oneArticle()}}
	m := newFakeMessenger()

	s := newTestScheduler(schedules, digests, m, now)
	s.tick(context.Background())

	if m.sent[1] != 1 || m.sent[2] != 0 {
		t.Fatalf("ожидали отправку только первому пользователю, получили %v", m.sent)
	}
	if _, ok := schedules.lastSent[due.Schedule.UserID]; !ok {
		t.Fatal("после отправки должен обновиться last_sent_at")
	}
}

func TestTickConvertsToScheduleTimezone(t *testing.T) {
	// 05:00 UTC — это 08:00 в Москве.
	now := time.Date(2024, 5, 1, 5, 0, 0, 0, time.UTC)
	item := scheduleFor(1, "Europe/Moscow", "08:00")
	schedules := &fakeSchedules{items: []domain.ScheduleWithUser{item}}
	digests := &fakeDigests{results: map[int64]digest.Result{1: oneArticle()}}
	m := newFakeMessenger()

	s := newTestScheduler(schedules, digests, m, now)
	s.tick(context.Background())

	if m.sent[1] != 1 {
		t.Fatalf("слот должен сверяться в поясе расписания, получили %v", m.sent)
	}
}

func TestTickBadTimezoneFallsBack(t *testing.T) {
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	item := scheduleFor(1, "Марс/Кидония", "08:00")
	schedules := &fakeSchedules{items: []domain.ScheduleWithUser{item}}
	digests := &fakeDigests{results: map[int64]digest.Result{1: oneArticle()}}
	m := newFakeMessenger()

	s := newTestScheduler(schedules, digests, m, now)
	s.tick(context.Background())

	if m.sent[1] != 1 {
		t.Fatal("нераспознанный пояс должен заменяться поясом по умолчанию")
	}
}

func TestTickGuardPreventsDoubleSend(t *testing.T) {
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	item := scheduleFor(1, "UTC", "08:00")
	schedules := &fakeSchedules{items: []domain.ScheduleWithUser{item}}
	digests := &fakeDigests{results: map[int64]digest.Result{1: oneArticle()}}
	m := newFakeMessenger()

	s := newTestScheduler(schedules, digests, m, now)
	s.tick(context.Background())
	s.tick(context.Background())

	if m.sent[1] != 1 {
		t.Fatalf("повторный тик в ту же минуту не должен слать дубликат, получили %d", m.sent[1])
	}
}

func TestTickSendFailureDoesNotAbortBatch(t *testing.T) {
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	failing := scheduleFor(1, "UTC", "08:00")
	healthy := scheduleFor(2, "UTC", "08:00")
	schedules := &fakeSchedules{items: []domain.ScheduleWithUser{failing, healthy}}
	digests := &fakeDigests{results: map[int64]digest.Result{1: oneArticle(), 2: oneArticle()}}
	m := newFakeMessenger()
	m.failFor[1] = errors.New("telegram недоступен")

	s := newTestScheduler(schedules, digests, m, now)
	s.tick(context.Background())

	if m.sent[2] != 1 {
		t.Fatal("сбой одного пользователя не должен прерывать рассылку остальным")
	}
	if _, ok := schedules.lastSent[failing.Schedule.UserID]; ok {
		t.Fatal("после неудачной отправки last_sent_at не обновляется")
	}

	// Слот израсходован, повторных попыток в ту же минуту нет.
	delete(m.failFor, 1)
	s.tick(context.Background())
	if m.sent[1] != 0 {
		t.Fatal("неудачный слот не должен переотправляться в ту же минуту")
	}
}

func TestTickSkipsFailedDigest(t *testing.T) {
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	item := scheduleFor(1, "UTC", "08:00")
	schedules := &fakeSchedules{items: []domain.ScheduleWithUser{item}}
	digests := &fakeDigests{results: map[int64]digest.Result{1: {Err: digest.ErrNoTopics}}}
	m := newFakeMessenger()

	s := newTestScheduler(schedules, digests, m, now)
	s.tick(context.Background())

	if len(m.sent) != 0 {
		t.Fatal("несобранный дайджест пропускается молча")
	}
	if len(schedules.lastSent) != 0 {
		t.Fatal("пропущенный слот не должен трогать last_sent_at")
	}
}

func TestTickInactiveScheduleIgnored(t *testing.T) {
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	item := scheduleFor(1, "UTC", "08:00")
	item.Schedule.IsActive = false
	schedules := &fakeSchedules{items: []domain.ScheduleWithUser{item}}
	digests := &fakeDigests{results: map[int64]digest.Result{1: oneArticle()}}
	m := newFakeMessenger()

	s := newTestScheduler(schedules, digests, m, now)
	s.tick(context.Background())

	if len(m.sent) != 0 {
		t.Fatal("неактивное расписание не должно срабатывать")
	}
}

// blockingDigests держит сборку дайджеста одного пользователя
// до явного сигнала, чтобы остановить планировщик посреди пачки.
type blockingDigests struct {
	entered  chan struct{}
	release  chan struct{}
	blockFor int64
	results  map[int64]digest.Result
}

func (f *blockingDigests) Generate(ctx context.Context, telegramID int64) digest.Result {
	if telegramID == f.blockFor {
		close(f.entered)
		<-f.release
	}
	return f.results[telegramID]
}

type chanMessenger struct {
	sent chan int64
}

func (m *chanMessenger) SendDigest(ctx context.Context, chatID int64, text string) error {
	m.sent <- chatID
	return nil
}

func TestStopDoesNotAbortInFlightBatch(t *testing.T) {
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	first := scheduleFor(1, "UTC", "08:00")
	second := scheduleFor(2, "UTC", "08:00")
	schedules := &fakeSchedules{items: []domain.ScheduleWithUser{first, second}}
	digests := &blockingDigests{
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
		blockFor: 1,
		results:  map[int64]digest.Result{1: oneArticle(), 2: oneArticle()},
	}
	m := &chanMessenger{sent: make(chan int64, 4)}

	s := New(schedules, digests, m, newMemoryGuard(), time.UTC, zerolog.Nop())
	s.now = func() time.Time { return now }
	s.interval = 10 * time.Millisecond

	s.Start(context.Background())
	select {
	case <-digests.entered:
	case <-time.After(time.Second):
		t.Fatal("пачка не началась")
	}

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop должен возвращаться, не дожидаясь пачки")
	}

	close(digests.release)
	got := make(map[int64]bool)
	for i := 0; i < 2; i++ {
		select {
		case id := <-m.sent:
			got[id] = true
		case <-time.After(time.Second):
			t.Fatalf("начатая пачка должна дорабатывать после Stop, отправлено %v", got)
		}
	}
	if !got[1] || !got[2] {
		t.Fatalf("оба пользователя пачки должны получить дайджест, отправлено %v", got)
	}
}

func TestStartStop(t *testing.T) {
	schedules := &fakeSchedules{}
	s := newTestScheduler(schedules, &fakeDigests{}, newFakeMessenger(), time.Now())
	s.interval = time.Hour

	s.Start(context.Background())
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop не должен зависать")
	}
}
