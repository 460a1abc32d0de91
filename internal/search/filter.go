package search

import (
	"strings"

	"vodstream/aggregatorservice/internal/domain"
)

// defaultBlocklist holds the type_name keywords dropped by the content
// filter unless the operator disables filtering site-wide.
var defaultBlocklist = []string{
	"伦理片",
	"福利",
	"里番动漫",
	"门事件",
	"制服诱惑",
	"国产传媒",
	"无码",
	"有码",
	"网红主播",
	"色情",
	"成人",
}

func filterExactTitle(records []domain.SearchResult, title string) []domain.SearchResult {
	filtered := make([]domain.SearchResult, 0, len(records))
	for _, record := range records {
		if record.Title == title {
			filtered = append(filtered, record)
		}
	}
	return filtered
}

func filterBlockedContent(records []domain.SearchResult, blocklist []string) []domain.SearchResult {
	if len(blocklist) == 0 {
		return records
	}
	filtered := make([]domain.SearchResult, 0, len(records))
	for _, record := range records {
		if containsBlockedKeyword(record.TypeName, blocklist) {
			continue
		}
		filtered = append(filtered, record)
	}
	return filtered
}

func containsBlockedKeyword(typeName string, blocklist []string) bool {
	value := strings.ToLower(strings.TrimSpace(typeName))
	if value == "" {
		return false
	}
	for _, keyword := range blocklist {
		if keyword == "" {
			continue
		}
		if strings.Contains(value, strings.ToLower(keyword)) {
			return true
		}
	}
	return false
}
