package gnews

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"news-digest-bot/internal/domain"
	"news-digest-bot/internal/infra/cache"
	"news-digest-bot/internal/infra/metrics"
)

// maxRetries — число повторов после первой неудачной попытки.
const maxRetries = 2

// errBadRequest помечает некорректный запрос: это не сбой системы,
// такой поиск просто не даёт результатов.
var errBadRequest = errors.New("gnews: некорректный запрос")

// Config задаёт параметры клиента GNews.
type Config struct {
	BaseURL     string
	APIKey      string
	DefaultLang string
	MaxResults  int
	Timeout     time.Duration
}

// Client ходит в GNews API и нормализует ответы в domain.Article.
// Успешные ответы кэшируются; при rate-limit клиент отдаёт последнее
// удачно полученное значение ключа, даже если его TTL истёк.
type Client struct {
	httpClient    *http.Client
	baseURL       string
	apiKey        string
	defaultLang   string
	maxResults    int
	cache         *cache.TTL[[]domain.Article]
	log           zerolog.Logger
	retryInterval time.Duration
	now           func() time.Time
}

var _ domain.NewsProvider = (*Client)(nil)

// NewClient создаёт клиент GNews.
func NewClient(cfg Config, articles *cache.TTL[[]domain.Article], logger zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		httpClient:    &http.Client{Timeout: timeout},
		baseURL:       cfg.BaseURL,
		apiKey:        cfg.APIKey,
		defaultLang:   cfg.DefaultLang,
		maxResults:    cfg.MaxResults,
		cache:         articles,
		log:           logger,
		retryInterval: time.Second,
		now:           time.Now,
	}
}

// ExternalID вычисляет стабильный идентификатор статьи: md5-хэш URL.
// Одна и та же ссылка даёт один и тот же идентификатор независимо от
// темы и момента запроса.
func ExternalID(rawURL string) string {
	sum := md5.Sum([]byte(rawURL))
	return hex.EncodeToString(sum[:])
}

// Search ищет статьи по запросу.
func (c *Client) Search(ctx context.Context, query, lang string, maxResults int) ([]domain.Article, error) {
	lang = c.lang(lang)
	key := fmt.Sprintf("search:%s:%s", query, lang)
	params := url.Values{}
	params.Set("q", query)
	params.Set("lang", lang)
	params.Set("max", strconv.Itoa(c.capResults(maxResults)))
	return c.fetch(ctx, "search", key, params)
}

// SearchMultiple ищет по нескольким темам, убирает дубликаты по
// идентификатору статьи (первое вхождение в порядке тем выигрывает)
// и сортирует итог по дате публикации, новые первыми.
func (c *Client) SearchMultiple(ctx context.Context, queries []string, lang string, maxPerQuery int) ([]domain.Article, error) {
	var all []domain.Article
	seen := make(map[string]struct{})
	rateLimited := false

	for _, query := range queries {
		articles, err := c.Search(ctx, query, lang, maxPerQuery)
		if err != nil {
			if errors.Is(err, domain.ErrRateLimited) {
				rateLimited = true
				continue
			}
			return nil, err
		}
		for _, a := range articles {
			if _, ok := seen[a.ExternalID]; ok {
				continue
			}
			seen[a.ExternalID] = struct{}{}
			all = append(all, a)
		}
	}

	if len(all) == 0 && rateLimited {
		return nil, domain.ErrRateLimited
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].PublishedAt.After(all[j].PublishedAt)
	})
	return all, nil
}

// TopHeadlines возвращает главные новости категории.
func (c *Client) TopHeadlines(ctx context.Context, category, country, lang string, maxResults int) ([]domain.Article, error) {
	lang = c.lang(lang)
	key := fmt.Sprintf("headlines:%s:%s:%s", category, country, lang)
	params := url.Values{}
	params.Set("category", category)
	params.Set("country", country)
	params.Set("lang", lang)
	params.Set("max", strconv.Itoa(c.capResults(maxResults)))
	return c.fetch(ctx, "top-headlines", key, params)
}

func (c *Client) fetch(ctx context.Context, endpoint, key string, params url.Values) ([]domain.Article, error) {
	if cached, ok := c.cache.Get(key); ok {
		metrics.NewsCacheHits.WithLabelValues(endpoint).Inc()
		return cached, nil
	}

	resp, err := c.request(ctx, endpoint, params)
	switch {
	case errors.Is(err, domain.ErrRateLimited):
		metrics.NewsAPIRateLimited.Inc()
		c.log.Warn().Str("key", key).Msg("gnews: достигнут лимит запросов")
		if stale, ok := c.cache.GetStale(key); ok {
			return stale, nil
		}
		return nil, domain.ErrRateLimited
	case errors.Is(err, errBadRequest):
		c.log.Error().Str("key", key).Msg("gnews: запрос отклонён как некорректный")
		return nil, nil
	case err != nil:
		c.log.Error().Err(err).Str("key", key).Msg("gnews: запрос не удался")
		return nil, nil
	}

	fetchedAt := c.now().UTC()
	articles := make([]domain.Article, 0, len(resp.Articles))
	for _, raw := range resp.Articles {
		articles = append(articles, c.toArticle(raw, fetchedAt))
	}
	c.cache.SetDefault(key, articles)
	c.log.Info().Int("count", len(articles)).Str("key", key).Msg("gnews: получены статьи")
	return articles, nil
}

func (c *Client) request(ctx context.Context, endpoint string, params url.Values) (*searchResponse, error) {
	params.Set("apikey", c.apiKey)
	endpointURL := c.baseURL + "/" + endpoint + "?" + params.Encode()

	var out searchResponse
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpointURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		start := time.Now()
		resp, err := c.httpClient.Do(req)
		metrics.ObserveNetworkRequest("gnews", endpoint, "gnews_api", start, err)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return backoff.Permanent(fmt.Errorf("gnews: разбор ответа: %w", err))
			}
			return nil
		case http.StatusForbidden:
			return backoff.Permanent(domain.ErrRateLimited)
		case http.StatusBadRequest:
			return backoff.Permanent(errBadRequest)
		default:
			return fmt.Errorf("gnews: статус %d", resp.StatusCode)
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryInterval
	policy.Multiplier = 2
	policy.RandomizationFactor = 0

	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, maxRetries), ctx)); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) toArticle(raw apiArticle, fetchedAt time.Time) domain.Article {
	published, err := time.Parse(time.RFC3339, raw.PublishedAt)
	if err != nil {
		// Известная неточность: непарсящаяся дата публикации
		// подменяется временем получения.
		published = fetchedAt
	}
	return domain.Article{
		ExternalID:  ExternalID(raw.URL),
		Title:       raw.Title,
		Description: raw.Description,
		URL:         raw.URL,
		SourceName:  raw.Source.Name,
		ImageURL:    raw.Image,
		PublishedAt: published,
		FetchedAt:   fetchedAt,
	}
}

func (c *Client) lang(lang string) string {
	if lang == "" {
		return c.defaultLang
	}
	return lang
}

func (c *Client) capResults(maxResults int) int {
	if maxResults <= 0 || maxResults > c.maxResults {
		return c.maxResults
	}
	return maxResults
}

type apiArticle struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
	Image       string `json:"image"`
	PublishedAt string `json:"publishedAt"`
	Source      struct {
		Name string `json:"name"`
		URL  string `json:"url"`
	} `json:"source"`
}

type searchResponse struct {
	TotalArticles int          `json:"totalArticles"`
	Articles      []apiArticle `json:"articles"`
}
