package search

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"vodstream/aggregatorservice/internal/domain"
	"vodstream/aggregatorservice/internal/providers/douban"
)

var (
	ErrInvalidQuery  = errors.New("query is required")
	ErrNoSources     = errors.New("no search sources configured")
	ErrUnknownSource = errors.New("unknown source")
)

// Source is one upstream VOD catalog. SearchPage returns one page of
// normalized records plus the upstream total page count; Detail resolves a
// single item by its provider-scoped id.
type Source interface {
	Key() string
	Info() domain.SourceInfo
	SearchPage(ctx context.Context, query string, page int) ([]domain.SearchResult, int, error)
	Detail(ctx context.Context, id string) (domain.SearchResult, error)
}

// CatalogClient is an optional external-catalog lookup used to enrich
// aggregated groups and to serve suggestions.
type CatalogClient interface {
	Enabled() bool
	SearchSuggest(ctx context.Context, query string) ([]douban.SuggestItem, error)
}

const (
	defaultMaxSearchPages = 5
	defaultSourceRPS      = 10
	defaultSourceBurst    = 20
)

type Service struct {
	sources        map[string]Source
	maxPages       int
	filterDisabled bool
	blocklist      []string
	catalog        CatalogClient

	cacheDisabled bool
	cacheMu       sync.RWMutex
	cache         map[string]*cachedResponse
	popular       map[string]*popularQuery
	warmerCfg     warmerConfig
	warmerRun     atomic.Bool
	redisCache    ResponseCacheBackend

	healthMu sync.Mutex
	health   map[string]*sourceHealth

	limiterMu   sync.Mutex
	limiters    map[string]*rate.Limiter
	sourceRPS   rate.Limit
	sourceBurst int
}

type ServiceOption func(*Service)

func WithMaxSearchPages(pages int) ServiceOption {
	return func(s *Service) {
		if pages > 0 {
			s.maxPages = pages
		}
	}
}

func WithContentFilterDisabled(disabled bool) ServiceOption {
	return func(s *Service) {
		s.filterDisabled = disabled
	}
}

// WithExtraBlockedKeywords extends the built-in content blocklist with
// operator-supplied keywords.
func WithExtraBlockedKeywords(keywords []string) ServiceOption {
	return func(s *Service) {
		s.blocklist = append(s.blocklist, keywords...)
	}
}

func WithCatalog(client CatalogClient) ServiceOption {
	return func(s *Service) {
		s.catalog = client
	}
}

func WithRedisCache(backend *RedisCacheBackend) ServiceOption {
	return func(s *Service) {
		if backend != nil {
			s.redisCache = backend
		}
	}
}

func WithCacheTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.warmerCfg.cacheTTL = ttl
			s.warmerCfg.staleTTL = ttl * 3
		}
	}
}

func WithCacheDisabled(disabled bool) ServiceOption {
	return func(s *Service) {
		s.cacheDisabled = disabled
	}
}

func WithSourceRateLimit(rps float64, burst int) ServiceOption {
	return func(s *Service) {
		if rps > 0 && burst > 0 {
			s.sourceRPS = rate.Limit(rps)
			s.sourceBurst = burst
		}
	}
}

func NewService(sources []Source, opts ...ServiceOption) *Service {
	registry := make(map[string]Source, len(sources))
	for _, source := range sources {
		if source == nil {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(source.Key()))
		if key == "" {
			continue
		}
		registry[key] = source
	}

	svc := &Service{
		sources:     registry,
		maxPages:    defaultMaxSearchPages,
		blocklist:   append([]string(nil), defaultBlocklist...),
		cache:       make(map[string]*cachedResponse),
		popular:     make(map[string]*popularQuery),
		warmerCfg:   defaultWarmerConfig(),
		health:      make(map[string]*sourceHealth),
		limiters:    make(map[string]*rate.Limiter),
		sourceRPS:   defaultSourceRPS,
		sourceBurst: defaultSourceBurst,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

func (s *Service) StartBackground(ctx context.Context) {
	if s.warmerRun.CompareAndSwap(false, true) {
		go s.runWarmer(ctx)
	}
}

// Sources lists every configured source in stable key order.
func (s *Service) Sources() []domain.SourceInfo {
	if len(s.sources) == 0 {
		return nil
	}
	items := make([]domain.SourceInfo, 0, len(s.sources))
	for _, source := range s.sources {
		info := source.Info()
		info.Name = strings.ToLower(strings.TrimSpace(info.Name))
		if info.Name == "" {
			info.Name = strings.ToLower(strings.TrimSpace(source.Key()))
		}
		if info.Name == "" {
			continue
		}
		if info.Label == "" {
			info.Label = info.Name
		}
		items = append(items, info)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].Name < items[j].Name
	})
	return items
}

func (s *Service) resolveSource(sourceKey string) (Source, error) {
	if len(s.sources) == 0 {
		return nil, ErrNoSources
	}
	key := strings.ToLower(strings.TrimSpace(sourceKey))
	if key == "" {
		return nil, ErrUnknownSource
	}
	source, ok := s.sources[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, key)
	}
	return source, nil
}

func (s *Service) orderedSources() []Source {
	keys := make([]string, 0, len(s.sources))
	for key := range s.sources {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	sources := make([]Source, 0, len(keys))
	for _, key := range keys {
		sources = append(sources, s.sources[key])
	}
	return sources
}

func (s *Service) waitSourceRateLimit(ctx context.Context, sourceKey string) error {
	if s.sourceRPS <= 0 {
		return nil
	}
	s.limiterMu.Lock()
	limiter := s.limiters[sourceKey]
	if limiter == nil {
		limiter = rate.NewLimiter(s.sourceRPS, s.sourceBurst)
		s.limiters[sourceKey] = limiter
	}
	s.limiterMu.Unlock()
	return limiter.Wait(ctx)
}
