package search

import (
	"context"
	"errors"
	"testing"
	"time"

	"vodstream/aggregatorservice/internal/domain"
)

type fakeCacheBackend struct {
	entries map[string]domain.SearchResponse
	getErr  error
	deleted []string
}

func (f *fakeCacheBackend) Get(_ context.Context, key string) (domain.SearchResponse, bool, error) {
	if f.getErr != nil {
		return domain.SearchResponse{}, false, f.getErr
	}
	resp, ok := f.entries[key]
	return resp, ok, nil
}

func (f *fakeCacheBackend) Set(_ context.Context, key string, response domain.SearchResponse, _ time.Duration) error {
	if f.entries == nil {
		f.entries = map[string]domain.SearchResponse{}
	}
	f.entries[key] = response
	return nil
}

func (f *fakeCacheBackend) Delete(_ context.Context, key string) error {
	f.deleted = append(f.deleted, key)
	delete(f.entries, key)
	return nil
}

func (f *fakeCacheBackend) Ping(context.Context) error { return nil }

func TestBuildCacheKey(t *testing.T) {
	if got := buildCacheKey("  三体  ", false); got != "q=三体|m=flat" {
		t.Fatalf("buildCacheKey = %q", got)
	}
	if got := buildCacheKey("Dune", true); got != "q=dune|m=agg" {
		t.Fatalf("buildCacheKey = %q", got)
	}
	if buildCacheKey("x", false) == buildCacheKey("x", true) {
		t.Fatal("flat and aggregated views must not share cache entries")
	}
}

func TestCloneSearchResponseDeepCopies(t *testing.T) {
	original := domain.SearchResponse{
		Query: "三体",
		Items: []domain.SearchResult{mkResult("alpha", "1", "三体", "2023", 2)},
		Groups: []domain.ResultGroup{{
			Title:   "三体",
			Results: []domain.SearchResult{mkResult("alpha", "1", "三体", "2023", 2)},
		}},
		Sources: []domain.SourceStatus{{Name: "alpha", OK: true}},
	}

	cloned := cloneSearchResponse(original)
	cloned.Items[0].Episodes[0] = "mutated"
	cloned.Groups[0].Results[0].Title = "mutated"
	cloned.Sources[0].OK = false

	if original.Items[0].Episodes[0] == "mutated" {
		t.Error("episodes were shared between clone and original")
	}
	if original.Groups[0].Results[0].Title == "mutated" {
		t.Error("group members were shared between clone and original")
	}
	if !original.Sources[0].OK {
		t.Error("source statuses were shared between clone and original")
	}
}

func TestCacheStoreAndLookup(t *testing.T) {
	svc := NewService(nil)
	now := time.Now()
	response := domain.SearchResponse{Query: "三体", TotalItems: 1}

	svc.cacheStore("q=三体|m=flat", response, now)

	got, ok, needsRefresh := svc.cacheLookup("q=三体|m=flat", now.Add(time.Minute))
	if !ok || needsRefresh {
		t.Fatalf("fresh entry: ok=%v needsRefresh=%v", ok, needsRefresh)
	}
	if got.TotalItems != 1 {
		t.Fatalf("cached response = %+v", got)
	}

	if _, ok, _ := svc.cacheLookup("missing", now); ok {
		t.Fatal("lookup of missing key must miss")
	}
}

func TestCacheStaleServesOnceWithRefresh(t *testing.T) {
	svc := NewService(nil)
	now := time.Now()
	svc.cacheStore("key", domain.SearchResponse{Query: "三体"}, now)

	stale := now.Add(svc.warmerCfg.cacheTTL + time.Minute)
	_, ok, needsRefresh := svc.cacheLookup("key", stale)
	if !ok || !needsRefresh {
		t.Fatalf("first stale lookup: ok=%v needsRefresh=%v, want stale hit with refresh", ok, needsRefresh)
	}

	_, ok, needsRefresh = svc.cacheLookup("key", stale)
	if !ok || needsRefresh {
		t.Fatalf("second stale lookup must not trigger another refresh: ok=%v needsRefresh=%v", ok, needsRefresh)
	}
}

func TestCacheLookupSharedBackendHit(t *testing.T) {
	backend := &fakeCacheBackend{entries: map[string]domain.SearchResponse{
		"q=三体|m=flat": {Query: "三体", TotalItems: 2},
	}}
	svc := NewService(nil)
	svc.redisCache = backend

	got, ok, needsRefresh := svc.cacheLookup("q=三体|m=flat", time.Now())
	if !ok || needsRefresh || got.TotalItems != 2 {
		t.Fatalf("backend hit: ok=%v needsRefresh=%v resp=%+v", ok, needsRefresh, got)
	}

	// The hit must land in the local cache so the warmer sees it.
	svc.cacheMu.RLock()
	_, cached := svc.cache["q=三体|m=flat"]
	svc.cacheMu.RUnlock()
	if !cached {
		t.Fatal("shared-backend hit was not copied into the local cache")
	}
}

func TestCacheLookupPurgesCorruptBackendEntry(t *testing.T) {
	backend := &fakeCacheBackend{getErr: errors.New("json unmarshal failed")}
	svc := NewService(nil)
	svc.redisCache = backend

	if _, ok, _ := svc.cacheLookup("q=三体|m=flat", time.Now()); ok {
		t.Fatal("unreadable backend entry must not count as a hit")
	}
	if len(backend.deleted) != 1 || backend.deleted[0] != "q=三体|m=flat" {
		t.Fatalf("corrupt entry must be purged, deleted=%v", backend.deleted)
	}
}

func TestWithRedisCacheNilBackend(t *testing.T) {
	svc := NewService(nil, WithRedisCache(nil))
	if svc.redisCache != nil {
		t.Fatal("nil backend must leave the shared cache unset")
	}
}

func TestCacheExpiresAfterStaleWindow(t *testing.T) {
	svc := NewService(nil)
	now := time.Now()
	svc.cacheStore("key", domain.SearchResponse{Query: "三体"}, now)

	expired := now.Add(svc.warmerCfg.staleTTL + time.Minute)
	if _, ok, _ := svc.cacheLookup("key", expired); ok {
		t.Fatal("entry past the stale window must miss")
	}
}

func TestSearchServesSecondCallFromCache(t *testing.T) {
	source := &fakeSource{key: "alpha", pages: map[int][]domain.SearchResult{
		1: {mkResult("alpha", "1", "三体", "2023", 30)},
	}}
	svc := NewService([]Source{source})

	first, err := svc.Search(context.Background(), "三体")
	if err != nil {
		t.Fatalf("Search returned error: %v", err)
	}
	second, err := svc.Search(context.Background(), "三体")
	if err != nil {
		t.Fatalf("Search returned error: %v", err)
	}

	if calls := len(source.calledPages()); calls != 1 {
		t.Fatalf("expected 1 upstream call, got %d", calls)
	}
	if first.TotalItems != second.TotalItems {
		t.Fatalf("cached response differs: %d vs %d", first.TotalItems, second.TotalItems)
	}
}

func TestCollectWarmSpecsSkipsFreshAndRecentlyWarmed(t *testing.T) {
	svc := NewService(nil)
	now := time.Now()

	svc.markPopular("key", "三体", false, now)

	// Entry still fresh in cache: nothing to warm.
	svc.cacheStore("key", domain.SearchResponse{Query: "三体"}, now)
	if specs := svc.collectWarmSpecs(now.Add(time.Minute)); len(specs) != 0 {
		t.Fatalf("fresh entries must not be warmed: %+v", specs)
	}

	// Expired entry: one warm spec, then a cooldown.
	expired := now.Add(svc.warmerCfg.staleTTL + time.Minute)
	specs := svc.collectWarmSpecs(expired)
	if len(specs) != 1 || specs[0].query != "三体" {
		t.Fatalf("expected warm spec for expired popular query, got %+v", specs)
	}
	if specs := svc.collectWarmSpecs(expired.Add(time.Second)); len(specs) != 0 {
		t.Fatalf("warm cooldown not honored: %+v", specs)
	}
}

func TestTrimCacheEvictsOldestBeyondLimit(t *testing.T) {
	svc := NewService(nil)
	svc.warmerCfg.cacheMaxEntries = 2
	now := time.Now()

	svc.cacheStore("first", domain.SearchResponse{}, now)
	svc.cacheStore("second", domain.SearchResponse{}, now.Add(time.Second))
	svc.cacheStore("third", domain.SearchResponse{}, now.Add(2*time.Second))

	svc.cacheMu.RLock()
	defer svc.cacheMu.RUnlock()
	if len(svc.cache) != 2 {
		t.Fatalf("cache size = %d, want 2", len(svc.cache))
	}
	if _, exists := svc.cache["first"]; exists {
		t.Fatal("oldest entry must be evicted first")
	}
}
