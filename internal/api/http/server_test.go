package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"vodstream/aggregatorservice/internal/domain"
	"vodstream/aggregatorservice/internal/providers/douban"
	"vodstream/aggregatorservice/internal/search"
)

type fakeSearchService struct {
	searchErr      error
	aggregatedUsed bool
	oneSource      string
	oneItems       []domain.SearchResult
	oneErr         error
	detailItem     domain.SearchResult
	detailErr      error
}

func (f *fakeSearchService) Search(_ context.Context, query string) (domain.SearchResponse, error) {
	if f.searchErr != nil {
		return domain.SearchResponse{}, f.searchErr
	}
	return domain.SearchResponse{
		Query:      query,
		Items:      []domain.SearchResult{{ID: "1", Title: query, Source: "alpha"}},
		Sources:    []domain.SourceStatus{{Name: "alpha", OK: true, Count: 1}},
		TotalItems: 1,
	}, nil
}

func (f *fakeSearchService) SearchAggregated(ctx context.Context, query string) (domain.SearchResponse, error) {
	f.aggregatedUsed = true
	response, err := f.Search(ctx, query)
	if err != nil {
		return response, err
	}
	response.Grouped = true
	response.Groups = []domain.ResultGroup{{Title: query, Results: response.Items}}
	return response, nil
}

func (f *fakeSearchService) SearchOne(_ context.Context, source, _ string) ([]domain.SearchResult, error) {
	f.oneSource = source
	if f.oneErr != nil {
		return nil, f.oneErr
	}
	return f.oneItems, nil
}

func (f *fakeSearchService) Detail(context.Context, string, string) (domain.SearchResult, error) {
	if f.detailErr != nil {
		return domain.SearchResult{}, f.detailErr
	}
	return f.detailItem, nil
}

func (f *fakeSearchService) Sources() []domain.SourceInfo {
	return []domain.SourceInfo{{Name: "alpha", Label: "Alpha", Kind: "api", Enabled: true}}
}

func (f *fakeSearchService) SourceDiagnostics() []domain.SourceDiagnostics {
	return []domain.SourceDiagnostics{{Name: "alpha", Label: "Alpha", Kind: "api", Enabled: true}}
}

type fakeCatalog struct {
	items []douban.SuggestItem
	err   error
}

func (f *fakeCatalog) Enabled() bool { return true }

func (f *fakeCatalog) SearchSuggest(context.Context, string) ([]douban.SuggestItem, error) {
	return f.items, f.err
}

func newTestHandler(t *testing.T, svc *fakeSearchService, options ...ServerOption) http.Handler {
	t.Helper()
	return NewServer(svc, options...).Handler()
}

func doRequest(t *testing.T, handler http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(method, target, nil))
	return recorder
}

func TestHandleHealth(t *testing.T) {
	recorder := doRequest(t, newTestHandler(t, &fakeSearchService{}), http.MethodGet, "/health")
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d", recorder.Code)
	}
}

func TestHandleSearch(t *testing.T) {
	svc := &fakeSearchService{}
	recorder := doRequest(t, newTestHandler(t, svc), http.MethodGet, "/api/search?q=三体")
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", recorder.Code, recorder.Body.String())
	}

	var response domain.SearchResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if response.Query != "三体" || response.TotalItems != 1 {
		t.Fatalf("response = %+v", response)
	}
	if svc.aggregatedUsed {
		t.Fatal("flat search must not use the aggregated path")
	}
}

func TestHandleSearchAggregated(t *testing.T) {
	svc := &fakeSearchService{}
	recorder := doRequest(t, newTestHandler(t, svc), http.MethodGet, "/api/search?q=三体&agg=1")
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d", recorder.Code)
	}
	if !svc.aggregatedUsed {
		t.Fatal("agg=1 must use the aggregated path")
	}

	var response domain.SearchResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if !response.Grouped || len(response.Groups) != 1 {
		t.Fatalf("response = %+v", response)
	}
}

func TestHandleSearchValidation(t *testing.T) {
	handler := newTestHandler(t, &fakeSearchService{})

	if recorder := doRequest(t, handler, http.MethodGet, "/api/search"); recorder.Code != http.StatusBadRequest {
		t.Fatalf("missing q: status = %d", recorder.Code)
	}
	if recorder := doRequest(t, handler, http.MethodPost, "/api/search?q=x"); recorder.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST: status = %d", recorder.Code)
	}
}

func TestHandleSearchErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{search.ErrInvalidQuery, http.StatusBadRequest},
		{search.ErrNoSources, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		handler := newTestHandler(t, &fakeSearchService{searchErr: tc.err})
		recorder := doRequest(t, handler, http.MethodGet, "/api/search?q=x")
		if recorder.Code != tc.want {
			t.Errorf("error %v: status = %d, want %d", tc.err, recorder.Code, tc.want)
		}
	}
}

func TestHandleSearchOne(t *testing.T) {
	svc := &fakeSearchService{oneItems: []domain.SearchResult{{ID: "1", Title: "三体", Source: "alpha"}}}
	recorder := doRequest(t, newTestHandler(t, svc), http.MethodGet, "/api/search/one?source=Alpha&q=三体")
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d", recorder.Code)
	}
	if svc.oneSource != "alpha" {
		t.Fatalf("source not lowercased: %q", svc.oneSource)
	}

	var payload struct {
		Source string                `json:"source"`
		Items  []domain.SearchResult `json:"items"`
		Total  int                   `json:"total"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if payload.Total != 1 || len(payload.Items) != 1 {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestHandleSearchOneValidation(t *testing.T) {
	handler := newTestHandler(t, &fakeSearchService{})

	if recorder := doRequest(t, handler, http.MethodGet, "/api/search/one?q=x"); recorder.Code != http.StatusBadRequest {
		t.Fatalf("missing source: status = %d", recorder.Code)
	}
	if recorder := doRequest(t, handler, http.MethodGet, "/api/search/one?source=alpha"); recorder.Code != http.StatusBadRequest {
		t.Fatalf("missing q: status = %d", recorder.Code)
	}

	unknown := newTestHandler(t, &fakeSearchService{oneErr: search.ErrUnknownSource})
	if recorder := doRequest(t, unknown, http.MethodGet, "/api/search/one?source=nope&q=x"); recorder.Code != http.StatusBadRequest {
		t.Fatalf("unknown source: status = %d", recorder.Code)
	}
}

func TestHandleDetail(t *testing.T) {
	svc := &fakeSearchService{detailItem: domain.SearchResult{ID: "42", Title: "三体", Source: "alpha"}}
	recorder := doRequest(t, newTestHandler(t, svc), http.MethodGet, "/api/detail?source=alpha&id=42")
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d", recorder.Code)
	}

	var item domain.SearchResult
	if err := json.Unmarshal(recorder.Body.Bytes(), &item); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if item.ID != "42" {
		t.Fatalf("item = %+v", item)
	}
}

func TestHandleDetailErrors(t *testing.T) {
	handler := newTestHandler(t, &fakeSearchService{})
	if recorder := doRequest(t, handler, http.MethodGet, "/api/detail?source=alpha"); recorder.Code != http.StatusBadRequest {
		t.Fatalf("missing id: status = %d", recorder.Code)
	}

	upstream := newTestHandler(t, &fakeSearchService{detailErr: errors.New("HTTP 502")})
	if recorder := doRequest(t, upstream, http.MethodGet, "/api/detail?source=alpha&id=1"); recorder.Code != http.StatusBadGateway {
		t.Fatalf("upstream failure: status = %d", recorder.Code)
	}

	unknown := newTestHandler(t, &fakeSearchService{detailErr: search.ErrUnknownSource})
	if recorder := doRequest(t, unknown, http.MethodGet, "/api/detail?source=nope&id=1"); recorder.Code != http.StatusBadRequest {
		t.Fatalf("unknown source: status = %d", recorder.Code)
	}
}

func TestHandleSources(t *testing.T) {
	recorder := doRequest(t, newTestHandler(t, &fakeSearchService{}), http.MethodGet, "/api/sources")
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d", recorder.Code)
	}

	var payload struct {
		Items []domain.SourceInfo `json:"items"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if len(payload.Items) != 1 || payload.Items[0].Name != "alpha" {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestHandleSourcesHealth(t *testing.T) {
	recorder := doRequest(t, newTestHandler(t, &fakeSearchService{}), http.MethodGet, "/api/sources/health")
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d", recorder.Code)
	}

	var payload struct {
		Items []domain.SourceDiagnostics `json:"items"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if len(payload.Items) != 1 {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestHandleSuggest(t *testing.T) {
	catalog := &fakeCatalog{items: []douban.SuggestItem{
		{ID: "26266893", Title: "流浪地球", Year: "2019", Img: "https://img.example.com/p.jpg", Type: "movie"},
	}}
	handler := newTestHandler(t, &fakeSearchService{}, WithCatalog(catalog))

	recorder := doRequest(t, handler, http.MethodGet, "/api/suggest?q=流浪")
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d", recorder.Code)
	}

	var payload struct {
		Items []struct {
			ID    int    `json:"id"`
			Title string `json:"title"`
		} `json:"items"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if len(payload.Items) != 1 || payload.Items[0].ID != 26266893 {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestHandleSuggestWithoutCatalog(t *testing.T) {
	recorder := doRequest(t, newTestHandler(t, &fakeSearchService{}), http.MethodGet, "/api/suggest?q=流浪")
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d", recorder.Code)
	}

	var payload struct {
		Items []any `json:"items"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if len(payload.Items) != 0 {
		t.Fatalf("expected empty items without a catalog, got %+v", payload.Items)
	}
}

func TestNormalizeRoute(t *testing.T) {
	cases := map[string]string{
		"/health":             "/health",
		"/api/search":         "/api/search",
		"/api/search/one":     "/api/search/one",
		"/api/sources":        "/api/sources",
		"/api/sources/health": "/api/sources",
		"/api/detail":         "/api/detail",
		"/unknown/path":       "/other",
	}
	for path, want := range cases {
		if got := normalizeRoute(path); got != want {
			t.Errorf("normalizeRoute(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestTruncateIsRuneSafe(t *testing.T) {
	if got := truncate("三体人的舰队来了", 7); got != "三体人的..." {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("短", 10); got != "短" {
		t.Errorf("short values must pass through, got %q", got)
	}
	if got := truncate("abc", 2); got != "ab" {
		t.Errorf("tiny limits cut without ellipsis, got %q", got)
	}
}

func TestImageProxyRejectsBadTargets(t *testing.T) {
	handler := newTestHandler(t, &fakeSearchService{})

	cases := []string{
		"/api/image",
		"/api/image?url=ftp://example.com/x.jpg",
		"/api/image?url=http://localhost/x.jpg",
		"/api/image?url=http://127.0.0.1/x.jpg",
		"/api/image?url=http://10.0.0.5/x.jpg",
	}
	for _, target := range cases {
		recorder := doRequest(t, handler, http.MethodGet, target)
		if recorder.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, recorder.Code)
		}
	}
}
