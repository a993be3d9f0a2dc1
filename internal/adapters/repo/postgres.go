package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"news-digest-bot/internal/domain"
	"news-digest-bot/internal/infra/metrics"
)

// Repo объединяет реализации репозиториев поверх одного пула Postgres.
type Repo struct {
	Users     *Users
	Topics    *Topics
	Schedules *Schedules
	Articles  *Articles
	Library   *Library
}

var (
	_ domain.UserRepo     = (*Users)(nil)
	_ domain.TopicRepo    = (*Topics)(nil)
	_ domain.ScheduleRepo = (*Schedules)(nil)
	_ domain.ArticleRepo  = (*Articles)(nil)
	_ domain.LibraryRepo  = (*Library)(nil)
)

// New создаёт репозитории.
func New(pool *pgxpool.Pool) *Repo {
	return &Repo{
		Users:     &Users{pool: pool},
		Topics:    &Topics{pool: pool},
		Schedules: &Schedules{pool: pool},
		Articles:  &Articles{pool: pool},
		Library:   &Library{pool: pool},
	}
}

func connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 5*time.Second)
}

// Users работает с таблицей users.
type Users struct {
	pool *pgxpool.Pool
}

// GetOrCreate возвращает пользователя по telegram_id, создавая запись
// при первом обращении. Поля профиля обновляются на каждом вызове.
// Второй результат — true, если пользователь только что создан.
func (r *Users) GetOrCreate(ctx context.Context, profile domain.TelegramProfile) (domain.User, bool, error) {
	cctx, cancel := connCtx(ctx)
	defer cancel()

	const q = `
		INSERT INTO users (id, telegram_id, username, first_name, language_code)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (telegram_id) DO UPDATE SET
			username = EXCLUDED.username,
			first_name = EXCLUDED.first_name,
			language_code = EXCLUDED.language_code,
			updated_at = now()
		RETURNING id, telegram_id, username, first_name, language_code,
			created_at, updated_at, (xmax = 0) AS inserted`

	var (
		u        domain.User
		inserted bool
	)
	start := time.Now()
	err := r.pool.QueryRow(cctx, q,
		uuid.New(), profile.TelegramID, profile.Username, profile.FirstName, profile.LanguageCode,
	).Scan(&u.ID, &u.TelegramID, &u.Username, &u.FirstName, &u.LanguageCode,
		&u.CreatedAt, &u.UpdatedAt, &inserted)
	metrics.ObserveNetworkRequest("postgres", "get_or_create", "users", start, err)
	if err != nil {
		return domain.User{}, false, fmt.Errorf("get_or_create user: %w", err)
	}
	return u, inserted, nil
}

// GetByTelegramID возвращает пользователя или domain.ErrNotFound.
func (r *Users) GetByTelegramID(ctx context.Context, telegramID int64) (domain.User, error) {
	cctx, cancel := connCtx(ctx)
	defer cancel()

	const q = `
		SELECT id, telegram_id, username, first_name, language_code, created_at, updated_at
		FROM users WHERE telegram_id = $1`

	var u domain.User
	start := time.Now()
	err := r.pool.QueryRow(cctx, q, telegramID).Scan(
		&u.ID, &u.TelegramID, &u.Username, &u.FirstName, &u.LanguageCode, &u.CreatedAt, &u.UpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "get_by_telegram_id", "users", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// Topics работает с таблицей topics.
type Topics struct {
	pool *pgxpool.Pool
}

// ListByUser возвращает темы пользователя в порядке добавления.
func (r *Topics) ListByUser(ctx context.Context, userID uuid.UUID) ([]domain.Topic, error) {
	cctx, cancel := connCtx(ctx)
	defer cancel()

	const q = `
		SELECT id, user_id, name, created_at
		FROM topics WHERE user_id = $1 ORDER BY created_at`

	start := time.Now()
	rows, err := r.pool.Query(cctx, q, userID)
	metrics.ObserveNetworkRequest("postgres", "list_by_user", "topics", start, err)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	defer rows.Close()
	return scanTopics(rows)
}

// ListByTelegramID возвращает темы по telegram_id владельца.
func (r *Topics) ListByTelegramID(ctx context.Context, telegramID int64) ([]domain.Topic, error) {
	cctx, cancel := connCtx(ctx)
	defer cancel()

	const q = `
		SELECT t.id, t.user_id, t.name, t.created_at
		FROM topics t
		JOIN users u ON u.id = t.user_id
		WHERE u.telegram_id = $1
		ORDER BY t.created_at`

	start := time.Now()
	rows, err := r.pool.Query(cctx, q, telegramID)
	metrics.ObserveNetworkRequest("postgres", "list_by_telegram_id", "topics", start, err)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	defer rows.Close()
	return scanTopics(rows)
}

// ReplaceAll атомарно заменяет весь набор тем пользователя.
func (r *Topics) ReplaceAll(ctx context.Context, userID uuid.UUID, names []string) ([]domain.Topic, error) {
	cctx, cancel := connCtx(ctx)
	defer cancel()

	start := time.Now()
	tx, err := r.pool.Begin(cctx)
	if err != nil {
		metrics.ObserveNetworkRequest("postgres", "replace_all", "topics", start, err)
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(cctx)

	if _, err := tx.Exec(cctx, `DELETE FROM topics WHERE user_id = $1`, userID); err != nil {
		metrics.ObserveNetworkRequest("postgres", "replace_all", "topics", start, err)
		return nil, fmt.Errorf("delete topics: %w", err)
	}

	const insertQ = `
		INSERT INTO topics (id, user_id, name)
		VALUES ($1, $2, $3)
		RETURNING id, user_id, name, created_at`

	topics := make([]domain.Topic, 0, len(names))
	for _, name := range names {
		var t domain.Topic
		if err := tx.QueryRow(cctx, insertQ, uuid.New(), userID, name).Scan(
			&t.ID, &t.UserID, &t.Name, &t.CreatedAt); err != nil {
			metrics.ObserveNetworkRequest("postgres", "replace_all", "topics", start, err)
			return nil, fmt.Errorf("insert topic %q: %w", name, err)
		}
		topics = append(topics, t)
	}

	err = tx.Commit(cctx)
	metrics.ObserveNetworkRequest("postgres", "replace_all", "topics", start, err)
	if err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return topics, nil
}

// CountByUser возвращает число тем пользователя.
func (r *Topics) CountByUser(ctx context.Context, userID uuid.UUID) (int, error) {
	cctx, cancel := connCtx(ctx)
	defer cancel()

	var n int
	start := time.Now()
	err := r.pool.QueryRow(cctx, `SELECT count(*) FROM topics WHERE user_id = $1`, userID).Scan(&n)
	metrics.ObserveNetworkRequest("postgres", "count_by_user", "topics", start, err)
	if err != nil {
		return 0, fmt.Errorf("count topics: %w", err)
	}
	return n, nil
}

const scheduleColumns = `id, user_id, is_active, times, timezone, last_sent_at, created_at, updated_at`

// Schedules работает с таблицей schedules.
type Schedules struct {
	pool *pgxpool.Pool
}

// GetByUser возвращает расписание пользователя или domain.ErrNotFound.
func (r *Schedules) GetByUser(ctx context.Context, userID uuid.UUID) (domain.Schedule, error) {
	cctx, cancel := connCtx(ctx)
	defer cancel()

	q := `SELECT ` + scheduleColumns + ` FROM schedules WHERE user_id = $1`
	start := time.Now()
	s, err := scanScheduleRow(r.pool.QueryRow(cctx, q, userID))
	metrics.ObserveNetworkRequest("postgres", "get_by_user", "schedules", start, err)
	return s, err
}

// GetByTelegramID возвращает расписание по telegram_id владельца.
func (r *Schedules) GetByTelegramID(ctx context.Context, telegramID int64) (domain.Schedule, error) {
	cctx, cancel := connCtx(ctx)
	defer cancel()

	q := `
		SELECT s.id, s.user_id, s.is_active, s.times, s.timezone, s.last_sent_at, s.created_at, s.updated_at
		FROM schedules s
		JOIN users u ON u.id = s.user_id
		WHERE u.telegram_id = $1`
	start := time.Now()
	s, err := scanScheduleRow(r.pool.QueryRow(cctx, q, telegramID))
	metrics.ObserveNetworkRequest("postgres", "get_by_telegram_id", "schedules", start, err)
	return s, err
}

// CreateOrUpdate создаёт расписание пользователя или заменяет его
// целиком: у пользователя всегда не более одного расписания.
// Второй результат — true, если расписание только что создано.
func (r *Schedules) CreateOrUpdate(ctx context.Context, userID uuid.UUID, times []string, timezone string, isActive bool) (domain.Schedule, bool, error) {
	cctx, cancel := connCtx(ctx)
	defer cancel()

	raw, err := json.Marshal(times)
	if err != nil {
		return domain.Schedule{}, false, fmt.Errorf("marshal times: %w", err)
	}

	q := `
		INSERT INTO schedules (id, user_id, is_active, times, timezone)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			is_active = EXCLUDED.is_active,
			times = EXCLUDED.times,
			timezone = EXCLUDED.timezone,
			updated_at = now()
		RETURNING ` + scheduleColumns + `, (xmax = 0) AS inserted`

	var (
		s        domain.Schedule
		rawTimes []byte
		inserted bool
	)
	start := time.Now()
	err = r.pool.QueryRow(cctx, q, uuid.New(), userID, isActive, raw, timezone).Scan(
		&s.ID, &s.UserID, &s.IsActive, &rawTimes, &s.Timezone, &s.LastSentAt, &s.CreatedAt, &s.UpdatedAt, &inserted)
	metrics.ObserveNetworkRequest("postgres", "create_or_update", "schedules", start, err)
	if err != nil {
		return domain.Schedule{}, false, fmt.Errorf("upsert schedule: %w", err)
	}
	if err := json.Unmarshal(rawTimes, &s.Times); err != nil {
		return domain.Schedule{}, false, fmt.Errorf("unmarshal times: %w", err)
	}
	return s, inserted, nil
}

// ToggleActive переключает флаг активности расписания.
func (r *Schedules) ToggleActive(ctx context.Context, userID uuid.UUID) (domain.Schedule, error) {
	cctx, cancel := connCtx(ctx)
	defer cancel()

	q := `
		UPDATE schedules SET is_active = NOT is_active, updated_at = now()
		WHERE user_id = $1
		RETURNING ` + scheduleColumns
	start := time.Now()
	s, err := scanScheduleRow(r.pool.QueryRow(cctx, q, userID))
	metrics.ObserveNetworkRequest("postgres", "toggle_active", "schedules", start, err)
	return s, err
}

// ListActive возвращает все активные расписания вместе с владельцами.
func (r *Schedules) ListActive(ctx context.Context) ([]domain.ScheduleWithUser, error) {
	return r.listWithUsers(ctx, "list_active", `WHERE s.is_active`)
}

// GetSchedulesDue возвращает активные расписания, в которых есть
// слот timeStr ("ЧЧ:ММ"). Сравнение по JSONB-вхождению.
func (r *Schedules) GetSchedulesDue(ctx context.Context, timeStr string) ([]domain.ScheduleWithUser, error) {
	return r.listWithUsers(ctx, "get_schedules_due",
		`WHERE s.is_active AND s.times @> jsonb_build_array($1::text)`, timeStr)
}

func (r *Schedules) listWithUsers(ctx context.Context, op, where string, args ...any) ([]domain.ScheduleWithUser, error) {
	cctx, cancel := connCtx(ctx)
	defer cancel()

	q := `
		SELECT s.id, s.user_id, s.is_active, s.times, s.timezone, s.last_sent_at, s.created_at, s.updated_at,
			u.id, u.telegram_id, u.username, u.first_name, u.language_code, u.created_at, u.updated_at
		FROM schedules s
		JOIN users u ON u.id = s.user_id ` + where

	start := time.Now()
	rows, err := r.pool.Query(cctx, q, args...)
	metrics.ObserveNetworkRequest("postgres", op, "schedules", start, err)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var result []domain.ScheduleWithUser
	for rows.Next() {
		var (
			item     domain.ScheduleWithUser
			rawTimes []byte
		)
		s := &item.Schedule
		u := &item.User
		if err := rows.Scan(
			&s.ID, &s.UserID, &s.IsActive, &rawTimes, &s.Timezone, &s.LastSentAt, &s.CreatedAt, &s.UpdatedAt,
			&u.ID, &u.TelegramID, &u.Username, &u.FirstName, &u.LanguageCode, &u.CreatedAt, &u.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("%s scan: %w", op, err)
		}
		if err := json.Unmarshal(rawTimes, &s.Times); err != nil {
			return nil, fmt.Errorf("%s unmarshal times: %w", op, err)
		}
		result = append(result, item)
	}
	return result, rows.Err()
}

// UpdateLastSent фиксирует момент последней отправки дайджеста.
func (r *Schedules) UpdateLastSent(ctx context.Context, userID uuid.UUID, sentAt time.Time) error {
	cctx, cancel := connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := r.pool.Exec(cctx,
		`UPDATE schedules SET last_sent_at = $2, updated_at = now() WHERE user_id = $1`,
		userID, sentAt)
	metrics.ObserveNetworkRequest("postgres", "update_last_sent", "schedules", start, err)
	if err != nil {
		return fmt.Errorf("update last_sent_at: %w", err)
	}
	return nil
}

const articleColumns = `id, external_id, title, description, url, source_name, image_url, published_at, fetched_at`

// Articles работает с таблицей articles.
type Articles struct {
	pool *pgxpool.Pool
}

// GetByExternalID возвращает статью или domain.ErrNotFound.
func (r *Articles) GetByExternalID(ctx context.Context, externalID string) (domain.Article, error) {
	cctx, cancel := connCtx(ctx)
	defer cancel()

	q := `SELECT ` + articleColumns + ` FROM articles WHERE external_id = $1`
	var a domain.Article
	start := time.Now()
	err := r.pool.QueryRow(cctx, q, externalID).Scan(
		&a.ID, &a.ExternalID, &a.Title, &a.Description, &a.URL,
		&a.SourceName, &a.ImageURL, &a.PublishedAt, &a.FetchedAt)
	metrics.ObserveNetworkRequest("postgres", "get_by_external_id", "articles", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Article{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Article{}, fmt.Errorf("get article: %w", err)
	}
	return a, nil
}

// UpsertByExternalID сохраняет статью, обновляя поля при повторном
// появлении того же URL. Второй результат — true при первой вставке.
func (r *Articles) UpsertByExternalID(ctx context.Context, article domain.Article) (domain.Article, bool, error) {
	cctx, cancel := connCtx(ctx)
	defer cancel()

	q := `
		INSERT INTO articles (id, external_id, title, description, url, source_name, image_url, published_at, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (external_id) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			url = EXCLUDED.url,
			source_name = EXCLUDED.source_name,
			image_url = EXCLUDED.image_url,
			fetched_at = EXCLUDED.fetched_at
		RETURNING ` + articleColumns + `, (xmax = 0) AS inserted`

	var (
		a        domain.Article
		inserted bool
	)
	start := time.Now()
	err := r.pool.QueryRow(cctx, q,
		uuid.New(), article.ExternalID, article.Title, article.Description, article.URL,
		article.SourceName, article.ImageURL, article.PublishedAt, article.FetchedAt,
	).Scan(&a.ID, &a.ExternalID, &a.Title, &a.Description, &a.URL,
		&a.SourceName, &a.ImageURL, &a.PublishedAt, &a.FetchedAt, &inserted)
	metrics.ObserveNetworkRequest("postgres", "upsert_by_external_id", "articles", start, err)
	if err != nil {
		return domain.Article{}, false, fmt.Errorf("upsert article: %w", err)
	}
	return a, inserted, nil
}

// Library работает с таблицей saved_articles.
type Library struct {
	pool *pgxpool.Pool
}

// Save добавляет статью в библиотеку пользователя.
// Возвращает false, если статья уже была сохранена.
func (r *Library) Save(ctx context.Context, userID, articleID uuid.UUID) (bool, error) {
	cctx, cancel := connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := r.pool.Exec(cctx, `
		INSERT INTO saved_articles (id, user_id, article_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, article_id) DO NOTHING`,
		uuid.New(), userID, articleID)
	metrics.ObserveNetworkRequest("postgres", "save", "saved_articles", start, err)
	if err != nil {
		return false, fmt.Errorf("save article: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// IsSaved сообщает, есть ли статья с данным external_id в библиотеке.
func (r *Library) IsSaved(ctx context.Context, userID uuid.UUID, externalID string) (bool, error) {
	cctx, cancel := connCtx(ctx)
	defer cancel()

	var saved bool
	start := time.Now()
	err := r.pool.QueryRow(cctx, `
		SELECT EXISTS (
			SELECT 1 FROM saved_articles sa
			JOIN articles a ON a.id = sa.article_id
			WHERE sa.user_id = $1 AND a.external_id = $2
		)`, userID, externalID).Scan(&saved)
	metrics.ObserveNetworkRequest("postgres", "is_saved", "saved_articles", start, err)
	if err != nil {
		return false, fmt.Errorf("is saved: %w", err)
	}
	return saved, nil
}

// SavedExternalIDs возвращает подмножество externalIDs, уже сохранённое
// пользователем. Используется для пометки кнопок в дайджесте.
func (r *Library) SavedExternalIDs(ctx context.Context, userID uuid.UUID, externalIDs []string) (map[string]struct{}, error) {
	if len(externalIDs) == 0 {
		return map[string]struct{}{}, nil
	}
	cctx, cancel := connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := r.pool.Query(cctx, `
		SELECT a.external_id FROM saved_articles sa
		JOIN articles a ON a.id = sa.article_id
		WHERE sa.user_id = $1 AND a.external_id = ANY($2)`,
		userID, externalIDs)
	metrics.ObserveNetworkRequest("postgres", "saved_external_ids", "saved_articles", start, err)
	if err != nil {
		return nil, fmt.Errorf("saved external ids: %w", err)
	}
	defer rows.Close()

	saved := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("saved external ids scan: %w", err)
		}
		saved[id] = struct{}{}
	}
	return saved, rows.Err()
}

// ListByUser возвращает страницу библиотеки, свежесохранённые первыми.
func (r *Library) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.SavedArticle, error) {
	cctx, cancel := connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := r.pool.Query(cctx, `
		SELECT sa.id, sa.user_id, sa.article_id, sa.saved_at,
			a.id, a.external_id, a.title, a.description, a.url, a.source_name, a.image_url, a.published_at, a.fetched_at
		FROM saved_articles sa
		JOIN articles a ON a.id = sa.article_id
		WHERE sa.user_id = $1
		ORDER BY sa.saved_at DESC
		LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	metrics.ObserveNetworkRequest("postgres", "list_by_user", "saved_articles", start, err)
	if err != nil {
		return nil, fmt.Errorf("list saved: %w", err)
	}
	defer rows.Close()

	var result []domain.SavedArticle
	for rows.Next() {
		var sa domain.SavedArticle
		a := &sa.Article
		if err := rows.Scan(
			&sa.ID, &sa.UserID, &sa.ArticleID, &sa.SavedAt,
			&a.ID, &a.ExternalID, &a.Title, &a.Description, &a.URL,
			&a.SourceName, &a.ImageURL, &a.PublishedAt, &a.FetchedAt,
		); err != nil {
			return nil, fmt.Errorf("list saved scan: %w", err)
		}
		result = append(result, sa)
	}
	return result, rows.Err()
}

// CountByUser возвращает размер библиотеки пользователя.
func (r *Library) CountByUser(ctx context.Context, userID uuid.UUID) (int, error) {
	cctx, cancel := connCtx(ctx)
	defer cancel()

	var n int
	start := time.Now()
	err := r.pool.QueryRow(cctx,
		`SELECT count(*) FROM saved_articles WHERE user_id = $1`, userID).Scan(&n)
	metrics.ObserveNetworkRequest("postgres", "count_by_user", "saved_articles", start, err)
	if err != nil {
		return 0, fmt.Errorf("count saved: %w", err)
	}
	return n, nil
}

// Delete убирает статью из библиотеки. Возвращает false, если её там не было.
func (r *Library) Delete(ctx context.Context, userID, articleID uuid.UUID) (bool, error) {
	cctx, cancel := connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := r.pool.Exec(cctx,
		`DELETE FROM saved_articles WHERE user_id = $1 AND article_id = $2`,
		userID, articleID)
	metrics.ObserveNetworkRequest("postgres", "delete", "saved_articles", start, err)
	if err != nil {
		return false, fmt.Errorf("delete saved: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanTopics(rows pgx.Rows) ([]domain.Topic, error) {
	var topics []domain.Topic
	for rows.Next() {
		var t domain.Topic
		if err := rows.Scan(&t.ID, &t.UserID, &t.Name, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan topic: %w", err)
		}
		topics = append(topics, t)
	}
	return topics, rows.Err()
}

func scanScheduleRow(row pgx.Row) (domain.Schedule, error) {
	var (
		s        domain.Schedule
		rawTimes []byte
	)
	err := row.Scan(&s.ID, &s.UserID, &s.IsActive, &rawTimes, &s.Timezone,
		&s.LastSentAt, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Schedule{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Schedule{}, fmt.Errorf("scan schedule: %w", err)
	}
	if err := json.Unmarshal(rawTimes, &s.Times); err != nil {
		return domain.Schedule{}, fmt.Errorf("unmarshal times: %w", err)
	}
	return s, nil
}
