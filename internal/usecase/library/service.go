package library

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"news-digest-bot/internal/domain"
)

// PageSize — число статей на странице библиотеки.
const PageSize = 5

// Page — страница библиотеки пользователя.
type Page struct {
	Items      []domain.SavedArticle
	Total      int
	Number     int
	TotalPages int
}

// Service управляет библиотекой сохранённых статей.
type Service struct {
	users    domain.UserRepo
	articles domain.ArticleRepo
	library  domain.LibraryRepo
	log      zerolog.Logger
	now      func() time.Time
}

// NewService создаёт сервис библиотеки.
func NewService(users domain.UserRepo, articles domain.ArticleRepo, library domain.LibraryRepo, logger zerolog.Logger) *Service {
	return &Service{
		users:    users,
		articles: articles,
		library:  library,
		log:      logger,
		now:      time.Now,
	}
}

// StoreArticles сохраняет статьи дайджеста в базу, чтобы кнопки
// сохранения могли на них сослаться. Сбой на одной статье
// не мешает остальным.
func (s *Service) StoreArticles(ctx context.Context, articles []domain.Article) {
	for _, a := range articles {
		if _, _, err := s.articles.UpsertByExternalID(ctx, a); err != nil {
			s.log.Error().Err(err).Str("external_id", a.ExternalID).Msg("библиотека: не удалось сохранить статью")
		}
	}
}

// SaveByExternalID добавляет статью в библиотеку пользователя.
// Если статьи ещё нет в базе, создаётся заглушка: нажатие кнопки
// не должно теряться из-за истёкшего кэша.
// Второй результат — false, если статья уже была в библиотеке.
func (s *Service) SaveByExternalID(ctx context.Context, profile domain.TelegramProfile, externalID string) (domain.Article, bool, error) {
	user, _, err := s.users.GetOrCreate(ctx, profile)
	if err != nil {
		return domain.Article{}, false, fmt.Errorf("get or create user: %w", err)
	}

	article, err := s.articles.GetByExternalID(ctx, externalID)
	if errors.Is(err, domain.ErrNotFound) {
		now := s.now().UTC()
		article, _, err = s.articles.UpsertByExternalID(ctx, domain.Article{
			ExternalID:  externalID,
			Title:       "Сохранённая статья",
			URL:         "article:" + externalID,
			PublishedAt: now,
			FetchedAt:   now,
		})
	}
	if err != nil {
		return domain.Article{}, false, fmt.Errorf("get article: %w", err)
	}

	added, err := s.library.Save(ctx, user.ID, article.ID)
	if err != nil {
		return domain.Article{}, false, fmt.Errorf("save to library: %w", err)
	}
	if added {
		s.log.Info().Int64("user", profile.TelegramID).Str("external_id", externalID).Msg("статья сохранена в библиотеку")
	}
	return article, added, nil
}

// IsSaved сообщает, сохранена ли статья у пользователя.
func (s *Service) IsSaved(ctx context.Context, telegramID int64, externalID string) (bool, error) {
	user, err := s.users.GetByTelegramID(ctx, telegramID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return s.library.IsSaved(ctx, user.ID, externalID)
}

// SavedSet возвращает подмножество externalIDs, уже сохранённое
// пользователем.
func (s *Service) SavedSet(ctx context.Context, telegramID int64, externalIDs []string) (map[string]struct{}, error) {
	user, err := s.users.GetByTelegramID(ctx, telegramID)
	if errors.Is(err, domain.ErrNotFound) {
		return map[string]struct{}{}, nil
	}
	if err != nil {
		return nil, err
	}
	return s.library.SavedExternalIDs(ctx, user.ID, externalIDs)
}

// GetPage возвращает страницу библиотеки. Номер страницы с нуля;
// выход за границы прижимается к последней странице.
func (s *Service) GetPage(ctx context.Context, telegramID int64, page int) (Page, error) {
	user, err := s.users.GetByTelegramID(ctx, telegramID)
	if errors.Is(err, domain.ErrNotFound) {
		return Page{}, nil
	}
	if err != nil {
		return Page{}, err
	}

	total, err := s.library.CountByUser(ctx, user.ID)
	if err != nil {
		return Page{}, fmt.Errorf("count saved: %w", err)
	}
	if total == 0 {
		return Page{}, nil
	}

	totalPages := (total + PageSize - 1) / PageSize
	if page < 0 {
		page = 0
	}
	if page >= totalPages {
		page = totalPages - 1
	}

	items, err := s.library.ListByUser(ctx, user.ID, PageSize, page*PageSize)
	if err != nil {
		return Page{}, fmt.Errorf("list saved: %w", err)
	}
	return Page{Items: items, Total: total, Number: page, TotalPages: totalPages}, nil
}

// DeleteAt удаляет статью по её позиции на странице.
// Возвращает false, если позиция уже не существует.
func (s *Service) DeleteAt(ctx context.Context, telegramID int64, page, index int) (bool, error) {
	user, err := s.users.GetByTelegramID(ctx, telegramID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	items, err := s.library.ListByUser(ctx, user.ID, PageSize, page*PageSize)
	if err != nil {
		return false, fmt.Errorf("list saved: %w", err)
	}
	if index < 0 || index >= len(items) {
		return false, nil
	}
	return s.library.Delete(ctx, user.ID, items[index].ArticleID)
}

// Count возвращает размер библиотеки пользователя.
func (s *Service) Count(ctx context.Context, telegramID int64) (int, error) {
	user, err := s.users.GetByTelegramID(ctx, telegramID)
	if errors.Is(err, domain.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return s.library.CountByUser(ctx, user.ID)
}
