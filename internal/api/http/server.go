package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"vodstream/aggregatorservice/internal/domain"
	"vodstream/aggregatorservice/internal/providers/douban"
	"vodstream/aggregatorservice/internal/search"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type SearchService interface {
	Search(ctx context.Context, query string) (domain.SearchResponse, error)
	SearchAggregated(ctx context.Context, query string) (domain.SearchResponse, error)
	SearchOne(ctx context.Context, source, query string) ([]domain.SearchResult, error)
	Detail(ctx context.Context, source, id string) (domain.SearchResult, error)
	Sources() []domain.SourceInfo
	SourceDiagnostics() []domain.SourceDiagnostics
}

type CatalogSuggestService interface {
	SearchSuggest(ctx context.Context, query string) ([]douban.SuggestItem, error)
	Enabled() bool
}

type Server struct {
	search  SearchService
	catalog CatalogSuggestService
	logger  *slog.Logger
}

const maxQueryLength = 500

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithCatalog(catalog CatalogSuggestService) ServerOption {
	return func(s *Server) {
		s.catalog = catalog
	}
}

func NewServer(searchService SearchService, options ...ServerOption) *Server {
	server := &Server{
		search: searchService,
		logger: slog.Default(),
	}
	for _, option := range options {
		if option != nil {
			option(server)
		}
	}
	if server.logger == nil {
		server.logger = slog.Default()
	}
	return server
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/search/one", s.handleSearchOne)
	mux.HandleFunc("/api/search", s.handleSearch)
	mux.HandleFunc("/api/detail", s.handleDetail)
	mux.HandleFunc("/api/sources/health", s.handleSourcesHealth)
	mux.HandleFunc("/api/sources", s.handleSources)
	mux.HandleFunc("/api/suggest", s.handleSuggest)
	mux.HandleFunc("/api/image", s.handleImageProxy)
	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "vod-aggregator",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/health"
		}),
	)
	return recoveryMiddleware(s.logger, rateLimitMiddleware(50, 100, metricsMiddleware(traced)))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/search" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.search == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "search service is not configured")
		return
	}

	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "query is required")
		return
	}
	if len(query) > maxQueryLength {
		writeError(w, http.StatusBadRequest, "invalid_request", "query too long (max 500 characters)")
		return
	}
	aggregated := parseOptionalBool(r.URL.Query().Get("agg"))

	var (
		response domain.SearchResponse
		err      error
	)
	if aggregated {
		response, err = s.search.SearchAggregated(r.Context(), query)
	} else {
		response, err = s.search.Search(r.Context(), query)
	}
	if err != nil {
		s.logger.Warn("search request failed",
			slog.String("query", truncate(query, 80)),
			slog.Bool("aggregated", aggregated),
			slog.String("error", err.Error()),
		)
		switch {
		case errors.Is(err, search.ErrInvalidQuery):
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		case errors.Is(err, search.ErrNoSources):
			writeError(w, http.StatusServiceUnavailable, "service_unavailable", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", "search failed")
		}
		return
	}

	failedSources := make([]string, 0, len(response.Sources))
	for _, sourceStatus := range response.Sources {
		if !sourceStatus.OK {
			failedSources = append(failedSources, sourceStatus.Name)
		}
	}
	s.logger.Info("search completed",
		slog.String("query", truncate(query, 80)),
		slog.Bool("aggregated", aggregated),
		slog.Int("totalItems", response.TotalItems),
		slog.Int64("elapsedMs", response.ElapsedMS),
		slog.Int("failedSources", len(failedSources)),
	)
	if len(failedSources) > 0 {
		s.logger.Warn("search sources partially failed",
			slog.String("query", truncate(query, 80)),
			slog.Any("failedSources", failedSources),
		)
	}

	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleSearchOne(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/search/one" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.search == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "search service is not configured")
		return
	}

	source := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("source")))
	if source == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "source is required")
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "query is required")
		return
	}
	if len(query) > maxQueryLength {
		writeError(w, http.StatusBadRequest, "invalid_request", "query too long (max 500 characters)")
		return
	}

	items, err := s.search.SearchOne(r.Context(), source, query)
	if err != nil {
		switch {
		case errors.Is(err, search.ErrInvalidQuery):
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		case errors.Is(err, search.ErrUnknownSource):
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", "search failed")
		}
		return
	}
	if items == nil {
		items = []domain.SearchResult{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"source": source,
		"query":  query,
		"items":  items,
		"total":  len(items),
	})
}

func (s *Server) handleDetail(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/detail" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.search == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "search service is not configured")
		return
	}

	source := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("source")))
	if source == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "source is required")
		return
	}
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "id is required")
		return
	}

	item, err := s.search.Detail(r.Context(), source, id)
	if err != nil {
		s.logger.Warn("detail request failed",
			slog.String("source", source),
			slog.String("id", truncate(id, 60)),
			slog.String("error", err.Error()),
		)
		switch {
		case errors.Is(err, search.ErrUnknownSource):
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		default:
			writeError(w, http.StatusBadGateway, "upstream_error", "detail fetch failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/sources" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.search == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "search service is not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": s.search.Sources(),
	})
}

func (s *Server) handleSourcesHealth(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/sources/health" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.search == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "search service is not configured")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"checkedAt": time.Now().UTC(),
		"items":     s.search.SourceDiagnostics(),
	})
}

func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/suggest" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.catalog == nil || !s.catalog.Enabled() {
		writeJSON(w, http.StatusOK, map[string]any{"items": []any{}})
		return
	}

	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if len(query) < 2 {
		writeJSON(w, http.StatusOK, map[string]any{"items": []any{}})
		return
	}

	results, err := s.catalog.SearchSuggest(r.Context(), query)
	if err != nil {
		s.logger.Warn("catalog suggest failed", slog.String("query", truncate(query, 60)), slog.String("error", err.Error()))
		writeJSON(w, http.StatusOK, map[string]any{"items": []any{}})
		return
	}

	type suggestion struct {
		ID        int    `json:"id"`
		Title     string `json:"title"`
		SubTitle  string `json:"subtitle,omitempty"`
		Year      string `json:"year,omitempty"`
		Poster    string `json:"poster,omitempty"`
		MediaType string `json:"mediaType,omitempty"`
		Episode   string `json:"episode,omitempty"`
	}

	items := make([]suggestion, 0, len(results))
	for _, result := range results {
		title := strings.TrimSpace(result.Title)
		if title == "" {
			continue
		}
		items = append(items, suggestion{
			ID:        result.NumericID(),
			Title:     title,
			SubTitle:  result.SubTitle,
			Year:      result.Year,
			Poster:    result.Img,
			MediaType: result.Type,
			Episode:   result.Episode,
		})
		if len(items) >= 8 {
			break
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

func parseOptionalBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
