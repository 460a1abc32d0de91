package search

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"vodstream/aggregatorservice/internal/domain"
)

// maxConcurrentSources limits the number of upstream catalogs queried
// simultaneously so a large registry cannot exhaust sockets.
const maxConcurrentSources = 10

// Search fans the query out to every configured source, flattens all
// normalized records into one list and reports per-source outcomes. A
// failing source contributes nothing; it never aborts the batch.
func (s *Service) Search(ctx context.Context, query string) (domain.SearchResponse, error) {
	return s.search(ctx, query, false)
}

// SearchAggregated runs the same fan-out and additionally buckets the flat
// list into identity groups with reconciled representative fields.
func (s *Service) SearchAggregated(ctx context.Context, query string) (domain.SearchResponse, error) {
	return s.search(ctx, query, true)
}

func (s *Service) search(ctx context.Context, query string, grouped bool) (domain.SearchResponse, error) {
	normalized := strings.TrimSpace(query)
	if normalized == "" {
		return domain.SearchResponse{}, ErrInvalidQuery
	}
	if len(s.sources) == 0 {
		return domain.SearchResponse{}, ErrNoSources
	}

	if s.cacheDisabled {
		return s.executeSearch(ctx, normalized, grouped), nil
	}

	startedAt := time.Now()
	cacheKey := buildCacheKey(normalized, grouped)
	if cached, ok, needsRefresh := s.cacheLookup(cacheKey, startedAt); ok {
		s.markPopular(cacheKey, normalized, grouped, startedAt)
		if needsRefresh {
			s.refreshCacheAsync(cacheKey, normalized, grouped)
		}
		cached.ElapsedMS = time.Since(startedAt).Milliseconds()
		return cached, nil
	}

	response := s.executeSearch(ctx, normalized, grouped)
	s.cacheStore(cacheKey, response, time.Now())
	s.markPopular(cacheKey, normalized, grouped, time.Now())
	return response, nil
}

func (s *Service) searchNoCache(ctx context.Context, query string, grouped bool) {
	response := s.executeSearch(ctx, query, grouped)
	s.cacheStore(buildCacheKey(query, grouped), response, time.Now())
}

func (s *Service) refreshCacheAsync(cacheKey, query string, grouped bool) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.searchNoCache(ctx, query, grouped)
	}()
}

func (s *Service) executeSearch(ctx context.Context, query string, grouped bool) domain.SearchResponse {
	startedAt := time.Now()
	selected := s.orderedSources()
	statuses := make([]domain.SourceStatus, len(selected))
	collected := make([][]domain.SearchResult, len(selected))

	sem := semaphore.NewWeighted(maxConcurrentSources)
	var wg sync.WaitGroup
	for i, source := range selected {
		wg.Add(1)
		go func(index int, current Source) {
			defer wg.Done()

			key := strings.ToLower(strings.TrimSpace(current.Key()))
			statuses[index] = domain.SourceStatus{Name: key}

			if err := sem.Acquire(ctx, 1); err != nil {
				statuses[index].Error = "context cancelled"
				return
			}
			defer sem.Release(1)

			now := time.Now()
			if blocked, until, lastErr := s.isSourceBlocked(key, now); blocked {
				statuses[index].Error = "source temporarily unhealthy until " +
					until.UTC().Format(time.RFC3339) + ": " + lastErr
				return
			}

			if err := s.waitSourceRateLimit(ctx, key); err != nil {
				statuses[index].Error = "rate limit wait cancelled"
				return
			}

			sourceStartedAt := time.Now()
			items, err := s.collectSource(ctx, current, query)
			s.recordSourceResult(key, query, err, time.Since(sourceStartedAt), time.Now())
			if err != nil {
				// Degraded coverage, not a failed search.
				slog.Warn("source query failed",
					slog.String("source", key),
					slog.String("query", query),
					slog.String("error", err.Error()),
				)
				statuses[index].Error = err.Error()
				return
			}

			statuses[index].OK = true
			statuses[index].Count = len(items)
			collected[index] = items
		}(i, source)
	}
	wg.Wait()

	total := 0
	for _, items := range collected {
		total += len(items)
	}
	flat := make([]domain.SearchResult, 0, total)
	for _, items := range collected {
		flat = append(flat, items...)
	}

	response := domain.SearchResponse{
		Query:      query,
		Items:      flat,
		Sources:    statuses,
		ElapsedMS:  time.Since(startedAt).Milliseconds(),
		TotalItems: len(flat),
	}
	if grouped {
		groups := GroupBySignature(flat, query)
		response.Groups = s.enrichWithCatalog(ctx, query, groups)
		response.Grouped = true
	}
	return response
}

// collectSource fetches the first result page for one source and expands
// the remaining pages up to the configured ceiling.
func (s *Service) collectSource(ctx context.Context, source Source, query string) ([]domain.SearchResult, error) {
	first, pageCount, err := source.SearchPage(ctx, query, 1)
	if err != nil {
		return nil, err
	}
	if len(first) == 0 {
		return []domain.SearchResult{}, nil
	}
	return append(first, s.expandPages(ctx, source, query, pageCount)...), nil
}

// expandPages fetches pages 2..min(pageCount, maxPages) concurrently. A
// failed page contributes nothing; successful pages are concatenated in
// page order. Upstream pages are assumed disjoint, so no cross-page dedupe.
func (s *Service) expandPages(ctx context.Context, source Source, query string, pageCount int) []domain.SearchResult {
	pagesToFetch := pageCount - 1
	if limit := s.maxPages - 1; pagesToFetch > limit {
		pagesToFetch = limit
	}
	if pagesToFetch <= 0 {
		return nil
	}

	key := strings.ToLower(strings.TrimSpace(source.Key()))
	pages := make([][]domain.SearchResult, pagesToFetch)
	var wg sync.WaitGroup
	for i := 0; i < pagesToFetch; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			if err := s.waitSourceRateLimit(ctx, key); err != nil {
				return
			}
			items, _, err := source.SearchPage(ctx, query, index+2)
			if err != nil {
				slog.Debug("extra page fetch failed",
					slog.String("source", key),
					slog.Int("page", index+2),
					slog.String("error", err.Error()),
				)
				return
			}
			pages[index] = items
		}(i)
	}
	wg.Wait()

	merged := make([]domain.SearchResult, 0, pagesToFetch)
	for _, items := range pages {
		merged = append(merged, items...)
	}
	return merged
}

// SearchOne queries a single source and applies the exact-title and content
// filters. Upstream failure yields an empty list, matching the full fan-out
// degradation semantics; only an unknown source key is an error.
func (s *Service) SearchOne(ctx context.Context, sourceKey, query string) ([]domain.SearchResult, error) {
	normalized := strings.TrimSpace(query)
	if normalized == "" {
		return nil, ErrInvalidQuery
	}
	source, err := s.resolveSource(sourceKey)
	if err != nil {
		return nil, err
	}

	key := strings.ToLower(strings.TrimSpace(source.Key()))
	startedAt := time.Now()
	items, collectErr := s.collectSource(ctx, source, normalized)
	s.recordSourceResult(key, normalized, collectErr, time.Since(startedAt), time.Now())
	if collectErr != nil {
		slog.Warn("single-source query failed",
			slog.String("source", key),
			slog.String("query", normalized),
			slog.String("error", collectErr.Error()),
		)
		return []domain.SearchResult{}, nil
	}

	items = filterExactTitle(items, normalized)
	if !s.filterDisabled {
		items = filterBlockedContent(items, s.blocklist)
	}
	return items, nil
}

// Detail resolves one item on one source. Sources with a detail-page base
// URL are scraped; the rest answer over their JSON API.
func (s *Service) Detail(ctx context.Context, sourceKey, id string) (domain.SearchResult, error) {
	source, err := s.resolveSource(sourceKey)
	if err != nil {
		return domain.SearchResult{}, err
	}
	key := strings.ToLower(strings.TrimSpace(source.Key()))
	startedAt := time.Now()
	result, err := source.Detail(ctx, id)
	s.recordSourceResult(key, id, err, time.Since(startedAt), time.Now())
	return result, err
}

func (s *Service) enrichWithCatalog(ctx context.Context, query string, groups []domain.ResultGroup) []domain.ResultGroup {
	if s.catalog == nil || !s.catalog.Enabled() || len(groups) == 0 {
		return groups
	}
	suggestions, err := s.catalog.SearchSuggest(ctx, query)
	if err != nil || len(suggestions) == 0 {
		return groups
	}

	byTitle := make(map[string]int, len(suggestions))
	for i, item := range suggestions {
		title := stripWhitespace(item.Title)
		if title == "" {
			continue
		}
		if _, exists := byTitle[title]; !exists {
			byTitle[title] = i
		}
	}

	for i := range groups {
		idx, ok := byTitle[stripWhitespace(groups[i].Title)]
		if !ok {
			continue
		}
		suggestion := suggestions[idx]
		if groups[i].DoubanID == 0 {
			groups[i].DoubanID = suggestion.NumericID()
		}
		if groups[i].Poster == "" {
			groups[i].Poster = strings.TrimSpace(suggestion.Img)
		}
	}
	return groups
}
