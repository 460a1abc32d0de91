package domain

import "time"

// YearUnknown is the sentinel stored when no 4-digit year could be extracted
// from an upstream record.
const YearUnknown = "unknown"

type MediaKind string

const (
	MediaKindMovie MediaKind = "movie"
	MediaKindTV    MediaKind = "tv"
)

func NormalizeMediaKind(raw string) MediaKind {
	switch MediaKind(raw) {
	case MediaKindMovie:
		return MediaKindMovie
	case MediaKindTV:
		return MediaKindTV
	default:
		return ""
	}
}

// ProviderConfig describes one upstream VOD catalog source. Entries are
// loaded once at startup and are immutable for the life of the process.
type ProviderConfig struct {
	Key      string `json:"key"`
	Name     string `json:"name"`
	API      string `json:"api"`
	Detail   string `json:"detail,omitempty"`
	Disabled bool   `json:"disabled,omitempty"`
}

type SourceInfo struct {
	Name    string `json:"name"`
	Label   string `json:"label"`
	Kind    string `json:"kind"`
	Enabled bool   `json:"enabled"`
}

// SearchResult is the normalized, provider-agnostic record every upstream
// item is mapped onto. Episodes hold playable URLs in playback order.
type SearchResult struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Poster     string   `json:"poster"`
	Episodes   []string `json:"episodes"`
	Source     string   `json:"source"`
	SourceName string   `json:"source_name"`
	Class      string   `json:"class,omitempty"`
	Year       string   `json:"year"`
	Desc       string   `json:"desc,omitempty"`
	TypeName   string   `json:"type_name,omitempty"`
	DoubanID   int      `json:"douban_id,omitempty"`
}

// Kind derives the movie/series classification from the episode count:
// exactly one playable URL means movie, anything else means series.
func (r SearchResult) Kind() MediaKind {
	if len(r.Episodes) == 1 {
		return MediaKindMovie
	}
	return MediaKindTV
}

// GroupOptions constrain which records participate in grouping. Empty
// fields are ignored; Kind filtering falls back to unfiltered grouping when
// it would otherwise exclude every record.
type GroupOptions struct {
	Title string
	Year  string
	Kind  MediaKind
}

// ResultGroup is a cluster of records believed to describe the same title,
// with representative fields reconciled across the members.
type ResultGroup struct {
	Title        string         `json:"title"`
	Year         string         `json:"year"`
	Kind         MediaKind      `json:"kind"`
	Poster       string         `json:"poster,omitempty"`
	Desc         string         `json:"desc,omitempty"`
	Class        string         `json:"class,omitempty"`
	TypeName     string         `json:"type_name,omitempty"`
	DoubanID     int            `json:"douban_id,omitempty"`
	EpisodeCount int            `json:"episode_count,omitempty"`
	Results      []SearchResult `json:"results"`
}

type SourceStatus struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Count int    `json:"count"`
	Error string `json:"error,omitempty"`
}

type SearchResponse struct {
	Query      string         `json:"query"`
	Items      []SearchResult `json:"items"`
	Groups     []ResultGroup  `json:"groups,omitempty"`
	Sources    []SourceStatus `json:"sources"`
	ElapsedMS  int64          `json:"elapsedMs"`
	TotalItems int            `json:"totalItems"`
	Grouped    bool           `json:"grouped,omitempty"`
}

type SourceDiagnostics struct {
	Name                string     `json:"name"`
	Label               string     `json:"label"`
	Kind                string     `json:"kind"`
	Enabled             bool       `json:"enabled"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	BlockedUntil        *time.Time `json:"blockedUntil,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
	LastSuccessAt       *time.Time `json:"lastSuccessAt,omitempty"`
	LastFailureAt       *time.Time `json:"lastFailureAt,omitempty"`
	LastLatencyMS       int64      `json:"lastLatencyMs,omitempty"`
	LastTimeout         bool       `json:"lastTimeout,omitempty"`
	LastQuery           string     `json:"lastQuery,omitempty"`
	TotalRequests       int64      `json:"totalRequests,omitempty"`
	TotalFailures       int64      `json:"totalFailures,omitempty"`
	TimeoutCount        int64      `json:"timeoutCount,omitempty"`
}
