package search

import (
	"sort"
	"strings"

	"vodstream/aggregatorservice/internal/domain"
)

// GroupAndReconcile buckets records believed to be the same title. Records
// must match the title constraint exactly (opts.Title when set, else the
// raw query), and the year/kind constraints when given. If the kind
// constraint would leave zero groups the grouping is retried without it;
// upstream episode counts disagree about movie-vs-series often enough that
// a hard kind filter loses legitimate matches.
func GroupAndReconcile(records []domain.SearchResult, query string, opts domain.GroupOptions) []domain.ResultGroup {
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		title = strings.TrimSpace(query)
	}

	groups := groupExact(records, title, opts.Year, opts.Kind)
	if len(groups) == 0 && opts.Kind != "" {
		groups = groupExact(records, title, opts.Year, "")
	}
	return groups
}

func groupExact(records []domain.SearchResult, title, year string, kind domain.MediaKind) []domain.ResultGroup {
	buckets := newBucketSet()
	for _, record := range records {
		if record.Title != title {
			continue
		}
		if year != "" && record.Year != year {
			continue
		}
		if kind != "" && record.Kind() != kind {
			continue
		}
		buckets.add(identityKey(record), record)
	}
	return buckets.reconcileAll()
}

// GroupBySignature is the free-form grouping used by the aggregate search
// view: every record is bucketed by its identity signature, nothing is
// filtered out, and the groups are ordered for display.
func GroupBySignature(records []domain.SearchResult, query string) []domain.ResultGroup {
	buckets := newBucketSet()
	for _, record := range records {
		buckets.add(identityKey(record), record)
	}
	groups := buckets.reconcileAll()
	sortGroups(groups, query)
	return groups
}

// identityKey derives the grouping identity: title with all whitespace
// stripped, year or the unknown sentinel, and the episode-count-derived
// classification.
func identityKey(record domain.SearchResult) string {
	year := record.Year
	if year == "" {
		year = domain.YearUnknown
	}
	return stripWhitespace(record.Title) + "|" + year + "|" + string(record.Kind())
}

func stripWhitespace(value string) string {
	return strings.Join(strings.Fields(value), "")
}

type bucketSet struct {
	order   []string
	members map[string][]domain.SearchResult
}

func newBucketSet() *bucketSet {
	return &bucketSet{members: make(map[string][]domain.SearchResult)}
}

func (b *bucketSet) add(key string, record domain.SearchResult) {
	if _, exists := b.members[key]; !exists {
		b.order = append(b.order, key)
	}
	b.members[key] = append(b.members[key], record)
}

func (b *bucketSet) reconcileAll() []domain.ResultGroup {
	groups := make([]domain.ResultGroup, 0, len(b.order))
	for _, key := range b.order {
		groups = append(groups, reconcile(b.members[key]))
	}
	return groups
}

// reconcile computes the representative fields of one bucket: longest
// non-empty value for strings, highest occurrence frequency for numbers,
// first-seen order breaking every tie.
func reconcile(members []domain.SearchResult) domain.ResultGroup {
	group := domain.ResultGroup{
		Title:   members[0].Title,
		Kind:    members[0].Kind(),
		Results: append([]domain.SearchResult(nil), members...),
	}

	posters := make([]string, 0, len(members))
	descs := make([]string, 0, len(members))
	classes := make([]string, 0, len(members))
	typeNames := make([]string, 0, len(members))
	years := make([]string, 0, len(members))
	doubanIDs := make([]int, 0, len(members))
	episodeCounts := make([]int, 0, len(members))
	for _, member := range members {
		posters = append(posters, member.Poster)
		descs = append(descs, member.Desc)
		classes = append(classes, member.Class)
		typeNames = append(typeNames, member.TypeName)
		years = append(years, member.Year)
		doubanIDs = append(doubanIDs, member.DoubanID)
		episodeCounts = append(episodeCounts, len(member.Episodes))
	}

	group.Poster = longestNonEmpty(posters)
	group.Desc = longestNonEmpty(descs)
	group.Class = longestNonEmpty(classes)
	group.TypeName = longestNonEmpty(typeNames)
	group.Year = mostFrequentYear(years)
	group.DoubanID = mostFrequentNonZero(doubanIDs)
	group.EpisodeCount = mostFrequentNonZero(episodeCounts)
	return group
}

// longestNonEmpty returns the longest value; ties keep the first-seen one
// and empty values never win over a non-empty one.
func longestNonEmpty(values []string) string {
	best := ""
	for _, value := range values {
		if len(value) > len(best) {
			best = value
		}
	}
	return best
}

// mostFrequentNonZero returns the most frequent non-zero value; ties keep
// the value seen first.
func mostFrequentNonZero(values []int) int {
	counts := make(map[int]int, len(values))
	firstSeen := make(map[int]int, len(values))
	for i, value := range values {
		if value == 0 {
			continue
		}
		counts[value]++
		if _, exists := firstSeen[value]; !exists {
			firstSeen[value] = i
		}
	}

	best := 0
	bestCount := 0
	for value, count := range counts {
		switch {
		case count > bestCount:
			best = value
			bestCount = count
		case count == bestCount && firstSeen[value] < firstSeen[best]:
			best = value
		}
	}
	return best
}

// mostFrequentYear picks the most frequent concrete year; the unknown
// sentinel only wins when no concrete year exists at all.
func mostFrequentYear(years []string) string {
	counts := make(map[string]int, len(years))
	firstSeen := make(map[string]int, len(years))
	for i, year := range years {
		if year == "" || year == domain.YearUnknown {
			continue
		}
		counts[year]++
		if _, exists := firstSeen[year]; !exists {
			firstSeen[year] = i
		}
	}
	if len(counts) == 0 {
		return domain.YearUnknown
	}

	best := ""
	bestCount := 0
	for year, count := range counts {
		switch {
		case count > bestCount:
			best = year
			bestCount = count
		case count == bestCount && firstSeen[year] < firstSeen[best]:
			best = year
		}
	}
	return best
}

// sortGroups orders the aggregate view: groups whose title contains the
// query first, then newer years (unknown last), then title order.
func sortGroups(groups []domain.ResultGroup, query string) {
	strippedQuery := stripWhitespace(query)
	sort.SliceStable(groups, func(i, j int) bool {
		left := groups[i]
		right := groups[j]

		leftMatches := strippedQuery != "" && strings.Contains(stripWhitespace(left.Title), strippedQuery)
		rightMatches := strippedQuery != "" && strings.Contains(stripWhitespace(right.Title), strippedQuery)
		if leftMatches != rightMatches {
			return leftMatches
		}

		leftUnknown := left.Year == domain.YearUnknown
		rightUnknown := right.Year == domain.YearUnknown
		if leftUnknown != rightUnknown {
			return rightUnknown
		}
		if !leftUnknown && left.Year != right.Year {
			return left.Year > right.Year
		}

		return left.Title < right.Title
	})
}
