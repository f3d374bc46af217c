package extract

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/helix-tools/dhis2-pipelines/dhis2"
	"github.com/helix-tools/dhis2-pipelines/period"
	"github.com/helix-tools/dhis2-pipelines/types"
)

// stubSource returns one value per month in the requested range.
type stubSource struct {
	calls       []period.DateRange
	lastUpdated []*time.Time
	failOn      int
	empty       map[int]bool
}

func (s *stubSource) Fetch(_ context.Context, r period.DateRange, lastUpdated *time.Time) ([]types.DataValue, error) {
	s.calls = append(s.calls, r)
	s.lastUpdated = append(s.lastUpdated, lastUpdated)

	if s.failOn > 0 && len(s.calls) == s.failOn {
		return nil, errors.New("connection reset")
	}

	if s.empty[len(s.calls)] {
		return nil, nil
	}

	var values []types.DataValue
	for m := period.FromTime(period.Monthly, r.Start); m.Start().Before(r.End); m = m.Next() {
		values = append(values, dv("A", m.String(), 1, t0))
	}

	return values, nil
}

func newTestExtractor(t *testing.T, src Source, now time.Time) *Extractor {
	e := NewExtractor(src, zaptest.NewLogger(t))
	e.Now = func() time.Time { return now }

	return e
}

func TestPlanFirstRunIsChunked(t *testing.T) {
	e := newTestExtractor(t, &stubSource{}, t0)

	plan := e.Plan(time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), t0, nil)

	require.True(t, plan.Chunked)
	require.Nil(t, plan.LastUpdated)
	require.Len(t, plan.Ranges, 12)
}

func TestPlanStaleHighWaterMarkIsChunked(t *testing.T) {
	now := t0.Add(180 * 24 * time.Hour)
	e := newTestExtractor(t, &stubSource{}, now)

	plan := e.Plan(time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), now, []types.DataValue{dv("A", "202301", 1, t0)})

	require.True(t, plan.Chunked)
	require.NotNil(t, plan.LastUpdated)
	require.Equal(t, t0, *plan.LastUpdated)
}

func TestPlanRecentHighWaterMarkIsSingleFetch(t *testing.T) {
	now := t0.Add(179 * 24 * time.Hour)
	e := newTestExtractor(t, &stubSource{}, now)
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

	plan := e.Plan(start, now, []types.DataValue{dv("A", "202301", 1, t0)})

	require.False(t, plan.Chunked)
	require.Equal(t, []period.DateRange{{Start: start, End: now}}, plan.Ranges)
}

func TestExtractPassesHighWaterMark(t *testing.T) {
	src := &stubSource{}
	now := t0.Add(24 * time.Hour)
	e := newTestExtractor(t, src, now)

	_, err := e.Extract(context.Background(), time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC), now,
		[]types.DataValue{dv("A", "202301", 1, t0)})
	require.NoError(t, err)

	require.Len(t, src.calls, 1)
	require.NotNil(t, src.lastUpdated[0])
	require.Equal(t, t0, *src.lastUpdated[0])
}

func TestExtractEmptyChunkDoesNotStop(t *testing.T) {
	src := &stubSource{empty: map[int]bool{1: true}}
	e := newTestExtractor(t, src, t0)

	values, err := e.Extract(context.Background(), time.Date(2023, 10, 1, 0, 0, 0, 0, time.UTC), t0, nil)
	require.NoError(t, err)

	require.Len(t, src.calls, 3)
	require.Len(t, values, 2)
}

func TestExtractErrorAborts(t *testing.T) {
	src := &stubSource{failOn: 2}
	e := newTestExtractor(t, src, t0)

	_, err := e.Extract(context.Background(), time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), t0, nil)
	require.ErrorContains(t, err, "connection reset")
	require.Len(t, src.calls, 2)
}

func TestExtractRejectsEmptyRange(t *testing.T) {
	e := newTestExtractor(t, &stubSource{}, t0)

	_, err := e.Extract(context.Background(), t0, t0, nil)
	require.Error(t, err)
}

// Chunked and single-shot extraction cover the same periods.
func TestChunkedCoverageEquivalence(t *testing.T) {
	start := time.Date(2022, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 2, 15, 0, 0, 0, 0, time.UTC)

	periods := func(values []types.DataValue) map[string]bool {
		out := make(map[string]bool)
		for _, v := range values {
			out[v.Period] = true
		}
		return out
	}

	chunkedSrc := &stubSource{}
	chunked, err := newTestExtractor(t, chunkedSrc, end).Extract(context.Background(), start, end, nil)
	require.NoError(t, err)
	require.Greater(t, len(chunkedSrc.calls), 1)

	singleSrc := &stubSource{}
	single, err := newTestExtractor(t, singleSrc, end).Extract(context.Background(), start, end,
		[]types.DataValue{dv("Z", "202201", 1, end.Add(-time.Hour))})
	require.NoError(t, err)
	require.Len(t, singleSrc.calls, 1)

	// The last chunk may extend past end, so compare within [start, end].
	want := periods(single)
	got := periods(chunked)
	for pe := range want {
		require.True(t, got[pe], "period %s missing from chunked extraction", pe)
	}
	for pe := range got {
		if period.MustParse(pe).Start().Before(end) {
			require.True(t, want[pe], "period %s missing from single extraction", pe)
		}
	}
}

func TestSyncMergesIntoPrevious(t *testing.T) {
	src := &stubSource{}
	now := t0.Add(24 * time.Hour)
	e := newTestExtractor(t, src, now)

	previous := []types.DataValue{dv("A", "202312", 5, t0.Add(-48*time.Hour)), dv("B", "202312", 1, t0)}

	merged, err := e.Sync(context.Background(), time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC), now, previous)
	require.NoError(t, err)

	keys := make(map[string]float64)
	for _, v := range merged {
		keys[v.DataElement+v.Period] = *v.Value
	}

	require.Equal(t, 1.0, keys["A202312"])
	require.Contains(t, keys, "B202312")
	require.Contains(t, keys, "A202401")
}

type fakeDataValueSets struct {
	queries []dhis2.DataValueSetsQuery
}

func (f *fakeDataValueSets) DataValueSets(_ context.Context, q dhis2.DataValueSetsQuery) ([]types.DataValue, error) {
	f.queries = append(f.queries, q)
	return []types.DataValue{dv(q.DataElements[0], "202401", 1, t0)}, nil
}

func TestDHIS2SourceBatches(t *testing.T) {
	client := &fakeDataValueSets{}
	src := &DHIS2Source{
		Client:          client,
		DataElements:    []string{"a", "b", "c", "d"},
		OrgUnits:        []string{"r1", "r2"},
		Children:        true,
		MaxDataElements: 3,
		MaxOrgUnits:     1,
	}

	r := period.DateRange{Start: t0, End: period.AddMonths(t0, 1)}
	values, err := src.Fetch(context.Background(), r, nil)
	require.NoError(t, err)

	require.Len(t, client.queries, 4)
	require.Len(t, values, 4)
	require.Equal(t, []string{"a", "b", "c"}, client.queries[0].DataElements)
	require.Equal(t, []string{"r1"}, client.queries[0].OrgUnits)
	require.Equal(t, []string{"d"}, client.queries[2].DataElements)
	require.True(t, client.queries[0].Children)
	require.Equal(t, t0, client.queries[0].StartDate)
}
