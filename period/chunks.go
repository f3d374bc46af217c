package period

import "time"

// DateRange is a half-open date interval [Start, End).
type DateRange struct {
	Start time.Time
	End   time.Time
}

// String formats the range with day precision.
func (r DateRange) String() string {
	return r.Start.Format(time.DateOnly) + "/" + r.End.Format(time.DateOnly)
}

// AddMonths adds n calendar months to t. When the resulting month is shorter
// than t's day of month, the day is clamped to the last day of that month.
func AddMonths(t time.Time, n int) time.Time {
	year, month, day := t.Date()

	total := int(month) - 1 + n
	year += floorDiv(total, 12)
	m := time.Month(total - floorDiv(total, 12)*12 + 1)

	if last := daysIn(year, m); day > last {
		day = last
	}

	return time.Date(year, m, day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// MonthlyChunks splits [start, end] into consecutive one-month ranges. The
// first chunk is [start, start+1 month); chunks advance by one month until a
// chunk end reaches or passes end. At least one chunk is always returned.
//
// Each boundary is computed from start, so a start on the 31st does not drift
// to the 28th after February.
func MonthlyChunks(start, end time.Time) []DateRange {
	chunks := []DateRange{{Start: start, End: AddMonths(start, 1)}}

	for i := 1; chunks[len(chunks)-1].End.Before(end); i++ {
		chunks = append(chunks, DateRange{
			Start: AddMonths(start, i),
			End:   AddMonths(start, i+1),
		})
	}

	return chunks
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}

	return q
}
