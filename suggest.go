package allocd

import (
	"context"
	"slices"

	"pkt.systems/allocd/api"
	"pkt.systems/allocd/objkey"
)

// RangeUsage summarizes how full one configured range is.
type RangeUsage struct {
	// Range is the configured interval.
	Range api.Range `json:"range"`
	// Used is the number of consumed identifiers inside the range.
	Used int64 `json:"used"`
	// Free is Range.Span() minus Used.
	Free int64 `json:"free"`
}

// Pattern is a numeric-proximity cluster mined from assignment history:
// identifiers assigned within patternWindow of each other, with the
// descriptions used for them.
type Pattern struct {
	// From and To bound the cluster.
	From int64 `json:"from"`
	To   int64 `json:"to"`
	// Count is the number of historical assignments in the cluster.
	Count int `json:"count"`
	// Descriptions samples the annotations recorded for the cluster.
	Descriptions []string `json:"descriptions,omitempty"`
}

// SuggestionSet is everything the coordinator can propose for a namespace.
type SuggestionSet struct {
	// Key is the flat object-type key the suggestions cover.
	Key string `json:"key"`
	// Next is the authority's next-available preview.
	Next Grant `json:"next"`
	// RangeUsage covers each configured range in priority order, computed
	// from the app's own consumption snapshot when one is cached. Primary
	// namespaces only.
	RangeUsage []RangeUsage `json:"range_usage,omitempty"`
	// Patterns are proximity clusters mined from session history.
	Patterns []Pattern `json:"patterns,omitempty"`
	// RecentlyUsed lists the most recent distinct ids assigned this session.
	RecentlyUsed []int64 `json:"recently_used,omitempty"`
}

const (
	// patternWindow is the maximum gap between ids in one cluster.
	patternWindow = 10
	// recentlyUsedLimit caps the RecentlyUsed list.
	recentlyUsedLimit = 5
	// patternDescriptionSample caps sampled descriptions per cluster.
	patternDescriptionSample = 3
)

// Suggestions computes candidates for the resolved namespace: the live
// next-available preview, configured-range fill from the cached snapshot,
// description patterns grouped by numeric proximity, and recently used ids.
// Everything except the preview is a pure function over already-fetched
// state.
func (c *Coordinator) Suggestions(ctx context.Context, kind objkey.Kind, parentID int64) (*SuggestionSet, error) {
	key, err := c.resolve(kind, parentID)
	if err != nil {
		return nil, err
	}
	flat := key.String()
	set := &SuggestionSet{Key: flat}

	next, err := c.GetNext(ctx, kind, parentID, nil)
	if err != nil {
		return nil, err
	}
	set.Next = next

	// Configured ranges bound primary namespaces only; sub-object value
	// spaces have no fill to report.
	if c.roster != nil && !key.IsNested() {
		app := c.appSnapshot()
		if snapshot, ok := c.roster.Consumption(app.LedgerID()); ok {
			set.RangeUsage = rangeUsage(app.Ranges, snapshot, flat)
		}
	}
	set.Patterns = minePatterns(c.hist.list(HistoryFilter{Key: flat}, 0))
	set.RecentlyUsed = c.hist.recentIDs(flat, recentlyUsedLimit)
	return set, nil
}

func rangeUsage(ranges []api.Range, snapshot ConsumptionSet, key string) []RangeUsage {
	if len(ranges) == 0 {
		return nil
	}
	consumed := snapshot.IDs(key)
	out := make([]RangeUsage, 0, len(ranges))
	for _, r := range ranges {
		var used int64
		for _, id := range consumed {
			if r.Contains(id) {
				used++
			}
		}
		out = append(out, RangeUsage{Range: r, Used: used, Free: r.Span() - used})
	}
	return out
}

// minePatterns clusters historical ids that sit within patternWindow of
// each other and reports each cluster's bounds, size and description sample.
func minePatterns(entries []HistoryEntry) []Pattern {
	type point struct {
		id          int64
		description string
	}
	var points []point
	for _, entry := range entries {
		for _, id := range entry.IDs {
			points = append(points, point{id: id, description: entry.Description})
		}
	}
	if len(points) == 0 {
		return nil
	}
	slices.SortFunc(points, func(a, b point) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		default:
			return 0
		}
	})
	var patterns []Pattern
	current := Pattern{From: points[0].id, To: points[0].id, Count: 1}
	descriptions := appendDescription(nil, points[0].description)
	flush := func() {
		current.Descriptions = descriptions
		patterns = append(patterns, current)
	}
	for _, p := range points[1:] {
		if p.id-current.To <= patternWindow {
			current.To = p.id
			current.Count++
			descriptions = appendDescription(descriptions, p.description)
			continue
		}
		flush()
		current = Pattern{From: p.id, To: p.id, Count: 1}
		descriptions = appendDescription(nil, p.description)
	}
	flush()
	return patterns
}

func appendDescription(list []string, description string) []string {
	if description == "" || len(list) >= patternDescriptionSample {
		return list
	}
	if slices.Contains(list, description) {
		return list
	}
	return append(list, description)
}
