package app

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"vodstream/aggregatorservice/internal/domain"
)

type Config struct {
	HTTPAddr              string
	SearchTimeout         time.Duration
	DetailTimeout         time.Duration
	MaxSearchPages        int
	ContentFilterDisabled bool
	ExtraBlockedKeywords  []string
	SourceRateLimitRPS    float64
	SourceRateLimitBurst  int
	SourcesFile           string
	UserAgent             string
	LogLevel              string
	LogFormat             string
	RedisURL              string
	CacheTTL              time.Duration
	CacheDisabled         bool
	DoubanEnabled         bool
	DoubanBaseURL         string
	DoubanCacheTTL        time.Duration
}

func LoadConfig() Config {
	return Config{
		HTTPAddr:              getEnv("HTTP_ADDR", ":8085"),
		SearchTimeout:         time.Duration(getEnvInt("SEARCH_TIMEOUT_SECONDS", 8)) * time.Second,
		DetailTimeout:         time.Duration(getEnvInt("DETAIL_TIMEOUT_SECONDS", 10)) * time.Second,
		MaxSearchPages:        getEnvInt("SEARCH_MAX_PAGES", 5),
		ContentFilterDisabled: getEnvBool("DISABLE_CONTENT_FILTER", false),
		ExtraBlockedKeywords:  getEnvList("EXTRA_BLOCKED_KEYWORDS"),
		SourceRateLimitRPS:    float64(getEnvInt("SOURCE_RATE_LIMIT_RPS", 10)),
		SourceRateLimitBurst:  getEnvInt("SOURCE_RATE_LIMIT_BURST", 20),
		SourcesFile:           getEnv("VOD_SOURCES_FILE", ""),
		UserAgent:             getEnv("SEARCH_USER_AGENT", "vod-aggregator/1.0"),
		LogLevel:              strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:             strings.ToLower(getEnv("LOG_FORMAT", "text")),
		RedisURL:              getEnv("REDIS_URL", ""),
		CacheTTL:              time.Duration(getEnvInt("SEARCH_CACHE_TTL_MINUTES", 30)) * time.Minute,
		CacheDisabled:         getEnvBool("SEARCH_CACHE_DISABLED", false),
		DoubanEnabled:         getEnvBool("DOUBAN_SUGGEST_ENABLED", true),
		DoubanBaseURL:         getEnv("DOUBAN_BASE_URL", "https://movie.douban.com"),
		DoubanCacheTTL:        time.Duration(getEnvInt("DOUBAN_CACHE_TTL_DAYS", 7)) * 24 * time.Hour,
	}
}

// defaultSources is the built-in registry used when no sources file is
// configured. Keys must be unique; entries can be disabled without being
// removed.
var defaultSources = []domain.ProviderConfig{
	{Key: "dyttzy", Name: "电影天堂资源", API: "http://caiji.dyttzyapi.com/api.php/provide/vod"},
	{Key: "heimuer", Name: "黑木耳", API: "https://json.heimuer.xyz/api.php/provide/vod"},
	{Key: "ruyi", Name: "如意资源", API: "https://cj.rycjapi.com/api.php/provide/vod"},
	{Key: "bfzy", Name: "暴风资源", API: "https://bfzyapi.com/api.php/provide/vod"},
	{Key: "tyyszy", Name: "天涯资源", API: "https://tyyszy.com/api.php/provide/vod"},
	{Key: "ffzy", Name: "非凡影视", API: "http://ffzy5.tv/api.php/provide/vod", Detail: "http://ffzy5.tv"},
	{Key: "zy360", Name: "360资源", API: "https://360zy.com/api.php/provide/vod"},
	{Key: "wolong", Name: "卧龙资源", API: "https://wolongzyw.com/api.php/provide/vod"},
}

// LoadSources reads the provider registry. A configured file wins over the
// built-in set; disabled entries are dropped in both cases.
func LoadSources(path string) ([]domain.ProviderConfig, error) {
	entries := defaultSources
	if strings.TrimSpace(path) != "" {
		payload, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read sources file: %w", err)
		}
		var parsed []domain.ProviderConfig
		if err := json.Unmarshal(payload, &parsed); err != nil {
			return nil, fmt.Errorf("parse sources file: %w", err)
		}
		entries = parsed
	}

	seen := make(map[string]struct{}, len(entries))
	enabled := make([]domain.ProviderConfig, 0, len(entries))
	for _, entry := range entries {
		key := strings.ToLower(strings.TrimSpace(entry.Key))
		if key == "" || entry.Disabled {
			continue
		}
		if strings.TrimSpace(entry.API) == "" {
			continue
		}
		if _, exists := seen[key]; exists {
			continue
		}
		seen[key] = struct{}{}
		entry.Key = key
		enabled = append(enabled, entry)
	}
	return enabled, nil
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getEnvList(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			values = append(values, part)
		}
	}
	return values
}

func getEnvBool(key string, fallback bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
