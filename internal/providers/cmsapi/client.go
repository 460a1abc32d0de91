package cmsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/simplifiedchinese"

	"vodstream/aggregatorservice/internal/domain"
	"vodstream/aggregatorservice/internal/providers/common"
)

const (
	defaultUserAgent = "vod-aggregator/1.0"
	maxBodyBytes     = 8 * 1024 * 1024
)

// Config wires one upstream catalog endpoint into a generic client. When
// DetailEndpoint is set the source serves detail pages as HTML instead of
// JSON and detail lookups switch to scraping.
type Config struct {
	Key            string
	Label          string
	Endpoint       string
	DetailEndpoint string
	UserAgent      string
	Client         *http.Client
	DetailClient   *http.Client
}

type Client struct {
	key            string
	label          string
	endpoint       string
	detailEndpoint string
	userAgent      string
	client         *http.Client
	detailClient   *http.Client
}

// flexString tolerates upstream fields that are emitted as either JSON
// strings or numbers depending on the catalog software version.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		*f = ""
		return nil
	}
	if trimmed[0] == '"' {
		var value string
		if err := json.Unmarshal(data, &value); err != nil {
			return err
		}
		*f = flexString(value)
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(data, &number); err != nil {
		// Unexpected shape (object/array); treat as absent rather than
		// failing the whole page.
		*f = ""
		return nil
	}
	*f = flexString(number.String())
	return nil
}

func (f flexString) String() string { return string(f) }

func (f flexString) Int() int {
	value, err := strconv.Atoi(strings.TrimSpace(string(f)))
	if err != nil {
		return 0
	}
	return value
}

type rawItem struct {
	ID       flexString `json:"vod_id"`
	Name     string     `json:"vod_name"`
	Pic      string     `json:"vod_pic"`
	PlayURL  string     `json:"vod_play_url"`
	Class    string     `json:"vod_class"`
	Year     flexString `json:"vod_year"`
	Content  string     `json:"vod_content"`
	Remarks  string     `json:"vod_remarks"`
	TypeName string     `json:"type_name"`
	DoubanID flexString `json:"vod_douban_id"`
}

type listResponse struct {
	List      []rawItem  `json:"list"`
	PageCount flexString `json:"pagecount"`
}

func New(cfg Config) *Client {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	detailClient := cfg.DetailClient
	if detailClient == nil {
		detailClient = client
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Client{
		key:            strings.ToLower(strings.TrimSpace(cfg.Key)),
		label:          strings.TrimSpace(cfg.Label),
		endpoint:       strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/"),
		detailEndpoint: strings.TrimRight(strings.TrimSpace(cfg.DetailEndpoint), "/"),
		userAgent:      userAgent,
		client:         client,
		detailClient:   detailClient,
	}
}

func (c *Client) Key() string {
	return c.key
}

func (c *Client) Info() domain.SourceInfo {
	kind := "api"
	if c.detailEndpoint != "" {
		kind = "html"
	}
	label := c.label
	if label == "" {
		label = c.key
	}
	return domain.SourceInfo{
		Name:    c.key,
		Label:   label,
		Kind:    kind,
		Enabled: true,
	}
}

// SearchPage fetches one page of search results and reports the upstream
// page count so the caller can decide how many more pages to expand.
func (c *Client) SearchPage(ctx context.Context, query string, page int) ([]domain.SearchResult, int, error) {
	uri, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, 1, fmt.Errorf("invalid endpoint: %w", err)
	}
	values := uri.Query()
	values.Set("ac", "videolist")
	values.Set("wd", strings.TrimSpace(query))
	if page > 1 {
		values.Set("pg", strconv.Itoa(page))
	}
	uri.RawQuery = values.Encode()

	payload, err := c.fetch(ctx, c.client, uri.String(), "application/json")
	if err != nil {
		return nil, 1, err
	}

	var parsed listResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, 1, fmt.Errorf("unexpected payload: %w", err)
	}

	pageCount := parsed.PageCount.Int()
	if pageCount < 1 {
		pageCount = 1
	}
	if len(parsed.List) == 0 {
		return []domain.SearchResult{}, pageCount, nil
	}

	results := make([]domain.SearchResult, 0, len(parsed.List))
	for _, item := range parsed.List {
		result, ok := c.toResult(item)
		if !ok {
			continue
		}
		results = append(results, result)
	}
	return results, pageCount, nil
}

// Detail resolves a single item. Sources configured with a detail-page base
// URL are scraped as HTML; everything else goes through the JSON API.
func (c *Client) Detail(ctx context.Context, id string) (domain.SearchResult, error) {
	if c.detailEndpoint != "" {
		return c.detailFromHTML(ctx, id)
	}
	return c.detailFromAPI(ctx, id)
}

func (c *Client) detailFromAPI(ctx context.Context, id string) (domain.SearchResult, error) {
	uri, err := url.Parse(c.endpoint)
	if err != nil {
		return domain.SearchResult{}, fmt.Errorf("invalid endpoint: %w", err)
	}
	values := uri.Query()
	values.Set("ac", "videolist")
	values.Set("ids", strings.TrimSpace(id))
	uri.RawQuery = values.Encode()

	payload, err := c.fetch(ctx, c.detailClient, uri.String(), "application/json")
	if err != nil {
		return domain.SearchResult{}, err
	}

	var parsed listResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return domain.SearchResult{}, fmt.Errorf("unexpected payload: %w", err)
	}
	for _, item := range parsed.List {
		if result, ok := c.toResult(item); ok {
			return result, nil
		}
	}
	return domain.SearchResult{}, fmt.Errorf("item %q not found on %s", id, c.key)
}

func (c *Client) fetch(ctx context.Context, client *http.Client, uri, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", accept)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("source HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	return decodePayload(payload), nil
}

// decodePayload converts legacy GB18030 responses to UTF-8; several older
// catalog deployments still serve that encoding without declaring it.
func decodePayload(payload []byte) []byte {
	if utf8.Valid(payload) {
		return payload
	}
	decoded, err := simplifiedchinese.GB18030.NewDecoder().Bytes(payload)
	if err != nil {
		return payload
	}
	return decoded
}

func (c *Client) toResult(item rawItem) (domain.SearchResult, bool) {
	title := common.CollapseWhitespace(item.Name)
	id := strings.TrimSpace(item.ID.String())
	if title == "" || id == "" {
		return domain.SearchResult{}, false
	}

	episodes := common.SplitPlayURL(item.PlayURL)
	if len(episodes) == 0 {
		episodes = common.ExtractM3U8URLs(item.Content)
	}

	year := common.ExtractYear(item.Year.String())
	if year == "" {
		year = domain.YearUnknown
	}

	label := c.label
	if label == "" {
		label = c.key
	}
	return domain.SearchResult{
		ID:         id,
		Title:      title,
		Poster:     strings.TrimSpace(item.Pic),
		Episodes:   episodes,
		Source:     c.key,
		SourceName: label,
		Class:      strings.TrimSpace(item.Class),
		Year:       year,
		Desc:       common.CleanHTMLText(item.Content),
		TypeName:   strings.TrimSpace(item.TypeName),
		DoubanID:   item.DoubanID.Int(),
	}, true
}
