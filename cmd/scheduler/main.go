package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"news-digest-bot/internal/adapters/gnews"
	"news-digest-bot/internal/adapters/repo"
	"news-digest-bot/internal/adapters/telegram"
	"news-digest-bot/internal/domain"
	"news-digest-bot/internal/infra/cache"
	"news-digest-bot/internal/infra/config"
	"news-digest-bot/internal/infra/db"
	"news-digest-bot/internal/infra/log"
	"news-digest-bot/internal/infra/metrics"
	"news-digest-bot/internal/usecase/digest"
	"news-digest-bot/internal/usecase/scheduler"
)

func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv)
	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	metrics.StartServer(ctx, logger, cfg.MetricsAddr)

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: нет подключения к БД")
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	guard := cache.NewRedisOnce(redisClient)

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

	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: не удалось создать бота")
	}
	sender := telegram.NewSender(botAPI, logger)

	defaultLoc, err := time.LoadLocation(cfg.TZ)
	if err != nil {
		logger.Warn().Err(err).Str("tz", cfg.TZ).Msg("scheduler: пояс по умолчанию не распознан, используем UTC")
		defaultLoc = time.UTC
	}

	loop := scheduler.New(repoAdapter.Schedules, digestService, sender, guard, defaultLoc, logger)
	loop.Start(ctx)

	<-ctx.Done()
	logger.Info().Msg("остановка планировщика")
	loop.Stop()
}
