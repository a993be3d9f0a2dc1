package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	TZ     string `envconfig:"TZ" default:"Europe/Moscow"`
	Port   int    `envconfig:"PORT" default:"8080"`

	Telegram struct {
		Token      string `envconfig:"TG_BOT_TOKEN"`
		WebhookURL string `envconfig:"TG_WEBHOOK_URL"`
	} `envconfig:""`

	GNews struct {
		APIKey     string        `envconfig:"GNEWS_API_KEY"`
		BaseURL    string        `envconfig:"GNEWS_BASE_URL" default:"https://gnews.io/api/v4"`
		Language   string        `envconfig:"GNEWS_LANGUAGE" default:"ru"`
		Country    string        `envconfig:"GNEWS_COUNTRY" default:"ru"`
		MaxResults int           `envconfig:"GNEWS_MAX_RESULTS" default:"10"`
		Timeout    time.Duration `envconfig:"GNEWS_TIMEOUT" default:"10s"`
	} `envconfig:""`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	Cache struct {
		ArticlesTTL time.Duration `envconfig:"ARTICLES_CACHE_TTL" default:"30m"`
		DigestTTL   time.Duration `envconfig:"DIGEST_CACHE_TTL" default:"5m"`
	} `envconfig:""`

	Limits struct {
		MaxTopics     int `envconfig:"MAX_TOPICS" default:"10"`
		DigestMax     int `envconfig:"DIGEST_MAX_ARTICLES" default:"10"`
		PerTopic      int `envconfig:"DIGEST_MAX_PER_TOPIC" default:"5"`
		ScheduleSlots int `envconfig:"SCHEDULE_MAX_SLOTS" default:"3"`
	} `envconfig:""`

	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
