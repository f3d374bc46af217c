package extract

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/helix-tools/dhis2-pipelines/types"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func dv(de, pe string, value float64, updated time.Time) types.DataValue {
	return types.DataValue{
		DataElement:          de,
		Period:               pe,
		OrgUnit:              "ou1",
		CategoryOptionCombo:  "coc",
		AttributeOptionCombo: "aoc",
		Value:                types.Float64Ptr(value),
		LastUpdated:          updated,
	}
}

func TestMergeNewerWins(t *testing.T) {
	old := []types.DataValue{dv("A", "202401", 5, t0)}
	fetched := []types.DataValue{dv("A", "202401", 7, t0.Add(time.Hour))}

	merged := Merge(old, fetched)

	require.Len(t, merged, 1)
	require.Equal(t, 7.0, *merged[0].Value)
}

func TestMergeOlderRecordInNewSetLoses(t *testing.T) {
	old := []types.DataValue{dv("A", "202401", 5, t0.Add(time.Hour))}
	fetched := []types.DataValue{dv("A", "202401", 7, t0)}

	merged := Merge(old, fetched)

	require.Len(t, merged, 1)
	require.Equal(t, 5.0, *merged[0].Value)
}

func TestMergeTieKeepsOld(t *testing.T) {
	old := []types.DataValue{dv("A", "202401", 5, t0)}
	fetched := []types.DataValue{dv("A", "202401", 7, t0)}

	merged := Merge(old, fetched)

	require.Len(t, merged, 1)
	require.Equal(t, 5.0, *merged[0].Value)
}

func TestMergeQualifiersArePartOfKey(t *testing.T) {
	a := dv("A", "202401", 1, t0)
	b := dv("A", "202401", 2, t0)
	b.CategoryOptionCombo = "other"

	merged := Merge([]types.DataValue{a}, []types.DataValue{b})

	require.Len(t, merged, 2)
}

func TestMergeOrderIsMostRecentFirst(t *testing.T) {
	old := []types.DataValue{dv("A", "202401", 1, t0), dv("B", "202401", 1, t0.Add(2*time.Hour))}
	fetched := []types.DataValue{dv("C", "202401", 1, t0.Add(time.Hour))}

	merged := Merge(old, fetched)

	require.Equal(t, []string{"B", "C", "A"}, []string{merged[0].DataElement, merged[1].DataElement, merged[2].DataElement})
}

func TestMergeIdentityLaws(t *testing.T) {
	values := []types.DataValue{
		dv("A", "202401", 1, t0),
		dv("A", "202401", 2, t0.Add(time.Minute)),
		dv("B", "202401", 3, t0),
	}

	require.Equal(t, Dedup(values), Merge(values, nil))
	require.Equal(t, Dedup(values), Merge(nil, values))
	require.Empty(t, Merge(nil, nil))
}

func TestMergeDoesNotModifyInputs(t *testing.T) {
	old := []types.DataValue{dv("A", "202401", 1, t0), dv("A", "202401", 2, t0.Add(time.Hour))}
	snapshot := append([]types.DataValue(nil), old...)

	Merge(old, []types.DataValue{dv("B", "202401", 3, t0)})

	require.Equal(t, snapshot, old)
}

// Every distinct key appears exactly once with the maximum timestamp of its
// candidates.
func TestMergeProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	gen := func(n int) []types.DataValue {
		out := make([]types.DataValue, n)
		for i := range out {
			out[i] = dv(
				fmt.Sprintf("de%d", rng.Intn(4)),
				fmt.Sprintf("20240%d", 1+rng.Intn(3)),
				float64(rng.Intn(100)),
				t0.Add(time.Duration(rng.Intn(10))*time.Hour),
			)
		}
		return out
	}

	for i := 0; i < 200; i++ {
		old, fetched := gen(rng.Intn(20)), gen(rng.Intn(20))

		maxUpdated := make(map[types.Key]time.Time)
		for _, v := range append(append([]types.DataValue(nil), old...), fetched...) {
			if cur, ok := maxUpdated[v.Key()]; !ok || v.LastUpdated.After(cur) {
				maxUpdated[v.Key()] = v.LastUpdated
			}
		}

		merged := Merge(old, fetched)
		require.Len(t, merged, len(maxUpdated))

		seen := make(map[types.Key]bool)
		for _, v := range merged {
			require.False(t, seen[v.Key()], "duplicate key %+v", v.Key())
			seen[v.Key()] = true
			require.True(t, v.LastUpdated.Equal(maxUpdated[v.Key()]))
		}
	}
}

func TestHighWaterMark(t *testing.T) {
	_, ok := HighWaterMark(nil)
	require.False(t, ok)

	mark, ok := HighWaterMark([]types.DataValue{
		dv("A", "202401", 1, t0),
		dv("B", "202401", 1, t0.Add(48*time.Hour)),
		dv("C", "202401", 1, t0.Add(time.Hour)),
	})
	require.True(t, ok)
	require.Equal(t, t0.Add(48*time.Hour), mark)
}
