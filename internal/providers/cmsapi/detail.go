package cmsapi

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"vodstream/aggregatorservice/internal/domain"
	"vodstream/aggregatorservice/internal/providers/common"
)

var (
	// generalEpisodePattern matches the "$<url>" episode entries embedded in
	// detail-page markup; the capture group is the playable URL.
	generalEpisodePattern = regexp.MustCompile(`\$(https?://[^"'\s<>$#]+?\.m3u8[^"'\s<>$#]*)`)
	detailTitlePattern    = regexp.MustCompile(`(?is)<h1[^>]*>(.*?)</h1>`)
	detailCoverPattern    = regexp.MustCompile(`(?is)<img[^>]+src=["']([^"']+)["'][^>]*>`)
)

// narrowEpisodePatterns are per-source overrides for detail pages whose
// markup embeds non-episode m3u8 links (trailers, ads) that the general
// pattern would pick up. Keyed by source key, tried before the fallback.
var narrowEpisodePatterns = map[string]*regexp.Regexp{
	"ffzy": regexp.MustCompile(`\$(https?://[^"'\s<>$#]+?/\d{8}/\d+_[0-9a-f]+/index\.m3u8)`),
}

func (c *Client) detailFromHTML(ctx context.Context, id string) (domain.SearchResult, error) {
	uri := fmt.Sprintf("%s/index.php/vod/detail/id/%s.html", c.detailEndpoint, strings.TrimSpace(id))
	payload, err := c.fetch(ctx, c.detailClient, uri, "text/html")
	if err != nil {
		return domain.SearchResult{}, err
	}

	page := string(payload)
	episodes := extractDetailEpisodes(c.key, page)
	title, poster, desc := extractDetailFields(payload)

	if title == "" && len(episodes) == 0 {
		return domain.SearchResult{}, fmt.Errorf("detail page for %q on %s had no recognizable content", id, c.key)
	}

	year := common.ExtractYear(page)
	if year == "" {
		year = domain.YearUnknown
	}

	label := c.label
	if label == "" {
		label = c.key
	}
	return domain.SearchResult{
		ID:         strings.TrimSpace(id),
		Title:      common.CollapseWhitespace(title),
		Poster:     poster,
		Episodes:   episodes,
		Source:     c.key,
		SourceName: label,
		Year:       year,
		Desc:       desc,
	}, nil
}

// extractDetailEpisodes runs the ordered regex cascade: the source-specific
// narrow pattern when one is registered, then the general "$<url>.m3u8"
// pattern, then a bare m3u8 scan over the whole page.
func extractDetailEpisodes(sourceKey, page string) []string {
	if narrow, ok := narrowEpisodePatterns[sourceKey]; ok {
		if episodes := collectEpisodeMatches(narrow, page); len(episodes) > 0 {
			return episodes
		}
	}
	if episodes := collectEpisodeMatches(generalEpisodePattern, page); len(episodes) > 0 {
		return episodes
	}
	return common.ExtractM3U8URLs(page)
}

func collectEpisodeMatches(pattern *regexp.Regexp, page string) []string {
	matches := pattern.FindAllStringSubmatch(page, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	episodes := make([]string, 0, len(matches))
	for _, match := range matches {
		if len(match) < 2 {
			continue
		}
		candidate := common.CleanEpisodeURL(match[1])
		if !common.IsPlayableURL(candidate) {
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

func extractDetailFields(payload []byte) (title, poster, desc string) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(payload))
	if err != nil {
		return extractDetailFieldsFallback(string(payload))
	}

	title = strings.TrimSpace(doc.Find("h1").First().Text())
	if title == "" {
		title, _ = doc.Find(`meta[property="og:title"]`).Attr("content")
		title = strings.TrimSpace(title)
	}

	poster, _ = doc.Find(`meta[property="og:image"]`).Attr("content")
	poster = strings.TrimSpace(poster)
	if poster == "" {
		doc.Find("img").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
			src, _ := sel.Attr("src")
			if common.IsPlayableURL(src) {
				poster = strings.TrimSpace(src)
				return false
			}
			return true
		})
	}

	desc, _ = doc.Find(`meta[name="description"]`).Attr("content")
	desc = common.CleanHTMLText(desc)
	if desc == "" {
		desc = common.CleanHTMLText(doc.Find(".vod_content, .sketch, .detail-desc").First().Text())
	}
	return title, poster, desc
}

func extractDetailFieldsFallback(page string) (title, poster, desc string) {
	if match := detailTitlePattern.FindStringSubmatch(page); len(match) >= 2 {
		title = common.CleanHTMLText(match[1])
	}
	if match := detailCoverPattern.FindStringSubmatch(page); len(match) >= 2 {
		if common.IsPlayableURL(match[1]) {
			poster = strings.TrimSpace(match[1])
		}
	}
	return title, poster, ""
}
