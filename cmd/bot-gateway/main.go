package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"

	"news-digest-bot/internal/adapters/bot"
	"news-digest-bot/internal/adapters/gnews"
	"news-digest-bot/internal/adapters/repo"
	"news-digest-bot/internal/domain"
	"news-digest-bot/internal/infra/cache"
	"news-digest-bot/internal/infra/config"
	"news-digest-bot/internal/infra/db"
	infrahttp "news-digest-bot/internal/infra/http"
	"news-digest-bot/internal/infra/log"
	"news-digest-bot/internal/infra/metrics"
	"news-digest-bot/internal/usecase/digest"
	"news-digest-bot/internal/usecase/library"
	"news-digest-bot/internal/usecase/schedule"
	"news-digest-bot/internal/usecase/topics"
)

func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv)
	metrics.MustRegister(prometheus.DefaultRegisterer)

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось подключиться к БД")
	}
	defer pool.Close()

	repoAdapter := repo.New(pool)
	articlesCache := cache.New[[]domain.Article](cfg.Cache.ArticlesTTL)
	digestsCache := cache.New[digest.Result](cfg.Cache.DigestTTL)
	news := gnews.NewClient(gnews.Config{
		BaseURL:     cfg.GNews.BaseURL,
		APIKey:      cfg.GNews.APIKey,
		DefaultLang: cfg.GNews.Language,
		MaxResults:  cfg.GNews.MaxResults,
		Timeout:     cfg.GNews.Timeout,
	}, articlesCache, logger)

	digestService := digest.NewService(repoAdapter.Topics, news, digestsCache, cfg.GNews.Language, cfg.Limits.DigestMax, cfg.Limits.PerTopic, logger)
	topicsService := topics.NewService(repoAdapter.Users, repoAdapter.Topics, cfg.Limits.MaxTopics, logger)
	libraryService := library.NewService(repoAdapter.Users, repoAdapter.Articles, repoAdapter.Library, logger)
	scheduleService := schedule.NewService(repoAdapter.Users, repoAdapter.Schedules, cfg.Limits.ScheduleSlots, cfg.TZ, logger)

	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось создать бота")
	}
	h := bot.NewHandler(botAPI, logger, repoAdapter.Users, digestService, topicsService, libraryService, scheduleService)

	server := infrahttp.NewServer(logger)
	server.Router.Post("/bot/webhook", func(w http.ResponseWriter, r *http.Request) {
		var update tgbotapi.Update
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.HandleUpdate(r.Context(), update)
		w.WriteHeader(http.StatusOK)
	})

	go func() {
		if err := server.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP сервер остановлен")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	logger.Info().Msg("остановка бот-гейтвея")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(ctx)
}
