package extract

import (
	"slices"
	"time"

	"github.com/helix-tools/dhis2-pipelines/types"
)

// Merge combines a previously persisted record set with newly fetched
// records. Records are ordered by LastUpdated, most recent first, and only the
// first record of each natural key is kept. The sort is stable and old records
// come before new ones, so on equal timestamps the old record wins.
func Merge(old, fetched []types.DataValue) []types.DataValue {
	all := make([]types.DataValue, 0, len(old)+len(fetched))
	all = append(all, old...)
	all = append(all, fetched...)

	slices.SortStableFunc(all, func(a, b types.DataValue) int {
		return b.LastUpdated.Compare(a.LastUpdated)
	})

	seen := make(map[types.Key]struct{}, len(all))
	merged := all[:0]

	for _, v := range all {
		k := v.Key()
		if _, ok := seen[k]; ok {
			continue
		}

		seen[k] = struct{}{}
		merged = append(merged, v)
	}

	return merged
}

// Dedup keeps the most recently updated record of each natural key.
func Dedup(values []types.DataValue) []types.DataValue {
	return Merge(values, nil)
}

// HighWaterMark returns the maximum LastUpdated of values. It reports false
// when values is empty.
func HighWaterMark(values []types.DataValue) (time.Time, bool) {
	var (
		mark  time.Time
		found bool
	)

	for _, v := range values {
		if !found || v.LastUpdated.After(mark) {
			mark = v.LastUpdated
			found = true
		}
	}

	return mark, found
}
