package common

import (
	"html"
	"net/url"
	"regexp"
	"strings"
)

// Upstream catalogs encode all playlists of a title into a single string:
// playlists are separated by "$$$", episodes within a playlist by "#", and
// each episode entry is "<label>$<url>".
const (
	playlistSeparator = "$$$"
	episodeSeparator  = "#"
	entrySeparator    = "$"
)

var (
	tagPattern          = regexp.MustCompile(`<[^>]+>`)
	yearPattern         = regexp.MustCompile(`\d{4}`)
	m3u8Pattern         = regexp.MustCompile(`https?://[^"'\s<>#]+?\.m3u8[^"'\s<>#]*`)
	parentheticalSuffix = regexp.MustCompile(`\([^()]*\)\s*$`)
)

// CleanHTMLText strips markup and entity escapes from upstream free-text
// fields and collapses runs of whitespace.
func CleanHTMLText(raw string) string {
	value := strings.TrimSpace(raw)
	value = html.UnescapeString(value)
	value = tagPattern.ReplaceAllString(value, " ")
	value = strings.Join(strings.Fields(value), " ")
	return value
}

// CollapseWhitespace trims and squeezes internal whitespace to single spaces.
func CollapseWhitespace(raw string) string {
	return strings.Join(strings.Fields(raw), " ")
}

// ExtractYear returns the first 4-digit run in raw, or "" when none exists.
func ExtractYear(raw string) string {
	return yearPattern.FindString(raw)
}

// IsPlayableURL reports whether raw is an absolute http(s) URL.
func IsPlayableURL(raw string) bool {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host != ""
}

// CleanEpisodeURL removes the leading "$" marker some catalogs prefix onto
// episode URLs and any trailing parenthetical annotation.
func CleanEpisodeURL(raw string) string {
	value := strings.TrimSpace(raw)
	value = strings.TrimPrefix(value, entrySeparator)
	value = parentheticalSuffix.ReplaceAllString(value, "")
	return strings.TrimSpace(value)
}

// SplitPlayURL parses the composite play-URL field into an ordered,
// deduplicated list of playable episode URLs. When the field holds multiple
// playlists, the first playlist that yields at least one playable URL wins.
func SplitPlayURL(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	for _, playlist := range strings.Split(raw, playlistSeparator) {
		episodes := parsePlaylist(playlist)
		if len(episodes) > 0 {
			return episodes
		}
	}
	return nil
}

func parsePlaylist(playlist string) []string {
	entries := strings.Split(playlist, episodeSeparator)
	seen := make(map[string]struct{}, len(entries))
	episodes := make([]string, 0, len(entries))
	for _, entry := range entries {
		candidate := entry
		if idx := strings.LastIndex(entry, entrySeparator); idx >= 0 {
			candidate = entry[idx+1:]
		}
		candidate = CleanEpisodeURL(candidate)
		if !IsPlayableURL(candidate) {
			continue
		}
		if _, exists := seen[candidate]; exists {
			continue
		}
		seen[candidate] = struct{}{}
		episodes = append(episodes, candidate)
	}
	return episodes
}

// ExtractM3U8URLs scans free text for bare .m3u8 URLs, used as a fallback
// when a record carries no structured play-URL field.
func ExtractM3U8URLs(text string) []string {
	matches := m3u8Pattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	urls := make([]string, 0, len(matches))
	for _, match := range matches {
		candidate := CleanEpisodeURL(match)
		if !IsPlayableURL(candidate) {
			continue
		}
		if _, exists := seen[candidate]; exists {
			continue
		}
		seen[candidate] = struct{}{}
		urls = append(urls, candidate)
	}
	return urls
}
