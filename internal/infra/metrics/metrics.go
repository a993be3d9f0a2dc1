package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	DigestBuildSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "digest_build_seconds",
		Help:    "Время построения дайджеста",
		Buckets: prometheus.DefBuckets,
	})
	BotSendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bot_send_errors_total",
		Help: "Ошибки отправки сообщений ботом",
	})
	NewsAPIRateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "news_api_rate_limited_total",
		Help: "Ответы 403 от новостного API",
	})
	NewsCacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "news_cache_hits_total",
		Help: "Попадания в кэш результатов новостного API",
	}, []string{"kind"})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 20, 30, 60},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})

	DigestRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "digest_requests_total",
		Help: "Общее количество запросов на построение дайджеста",
	})

	DigestRequestsByUser = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "digest_requests_by_user_total",
		Help: "Количество запросов на построение дайджеста по пользователям",
	}, []string{"user_id"})

	ScheduledDigestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduled_digests_total",
		Help: "Итоги обработки слотов рассылки планировщиком",
	}, []string{"outcome"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		DigestBuildSeconds,
		BotSendErrors,
		NewsAPIRateLimited,
		NewsCacheHits,
		NetworkRequestDuration,
		NetworkRequestTotal,
		DigestRequestsTotal,
		DigestRequestsByUser,
		ScheduledDigestsTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// IncDigestOverall увеличивает общий счётчик запросов на дайджест.
func IncDigestOverall() {
	DigestRequestsTotal.Inc()
}

// IncDigestForUser увеличивает счётчик запросов на дайджест для пользователя.
func IncDigestForUser(telegramID int64) {
	DigestRequestsByUser.WithLabelValues(strconv.FormatInt(telegramID, 10)).Inc()
}
