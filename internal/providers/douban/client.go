package douban

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultBaseURL   = "https://movie.douban.com"
	defaultUserAgent = "vod-aggregator/1.0"
	redisCacheKey    = "vodagg:douban:"
)

// Client queries the Douban subject-suggest API, used to attach external
// catalog ids and posters to aggregated results and to power /api/suggest.
type Client struct {
	baseURL   string
	userAgent string
	http      *http.Client
	redis     *redis.Client
	cacheTTL  time.Duration
	enabled   bool
}

type Config struct {
	BaseURL   string
	UserAgent string
	Enabled   bool
	Client    *http.Client
	Redis     *redis.Client
	CacheTTL  time.Duration
}

type SuggestItem struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	SubTitle string `json:"sub_title,omitempty"`
	Year     string `json:"year,omitempty"`
	Img      string `json:"img,omitempty"`
	Type     string `json:"type,omitempty"`
	Episode  string `json:"episode,omitempty"`
}

func (i SuggestItem) NumericID() int {
	value, err := strconv.Atoi(strings.TrimSpace(i.ID))
	if err != nil {
		return 0
	}
	return value
}

func NewClient(cfg Config) *Client {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	httpClient := cfg.Client
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = 7 * 24 * time.Hour
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: userAgent,
		http:      httpClient,
		redis:     cfg.Redis,
		cacheTTL:  cacheTTL,
		enabled:   cfg.Enabled,
	}
}

func (c *Client) Enabled() bool {
	return c != nil && c.enabled
}

func (c *Client) SearchSuggest(ctx context.Context, query string) ([]SuggestItem, error) {
	if !c.Enabled() {
		return nil, nil
	}
	normalized := strings.TrimSpace(query)
	if normalized == "" {
		return nil, nil
	}

	cacheKey := "suggest:" + strings.ToLower(normalized)
	if c.redis != nil {
		data, err := c.redis.Get(ctx, redisCacheKey+cacheKey).Bytes()
		if err == nil {
			var items []SuggestItem
			if json.Unmarshal(data, &items) == nil {
				return items, nil
			}
		}
	}

	reqURL := c.baseURL + "/j/subject_suggest?" + url.Values{"q": {normalized}}.Encode()

	var items []SuggestItem
	err := RetryWithBackoff(ctx, DefaultRetryConfig(), func() error {
		var fetchErr error
		items, fetchErr = c.fetchSuggest(ctx, reqURL)
		return fetchErr
	})
	if err != nil {
		return nil, err
	}

	if c.redis != nil {
		if data, marshalErr := json.Marshal(items); marshalErr == nil {
			_ = c.redis.Set(ctx, redisCacheKey+cacheKey, data, c.cacheTTL).Err()
		}
	}
	return items, nil
}

func (c *Client) fetchSuggest(ctx context.Context, reqURL string) ([]SuggestItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Referer", c.baseURL+"/")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("douban HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512*1024))
	if err != nil {
		return nil, err
	}

	var items []SuggestItem
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("unexpected douban payload: %w", err)
	}

	filtered := make([]SuggestItem, 0, len(items))
	for _, item := range items {
		if strings.TrimSpace(item.Title) == "" {
			continue
		}
		filtered = append(filtered, item)
	}
	return filtered, nil
}
