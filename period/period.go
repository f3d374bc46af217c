// Package period implements DHIS2 period identifiers and date arithmetic.
//
// Supported period types are yearly ("2024"), monthly ("202401") and ISO
// weekly ("2024W1"). Week identifiers are always formatted without a leading
// zero, which is the form DHIS2 accepts on import.
package period

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Type is the kind of calendar interval a period covers.
type Type int

const (
	Yearly Type = iota + 1
	Monthly
	Weekly
)

func (t Type) String() string {
	switch t {
	case Yearly:
		return "yearly"
	case Monthly:
		return "monthly"
	case Weekly:
		return "weekly"
	}

	return "unknown"
}

// Period identifies a calendar interval. Index is the month (1-12) or the
// ISO week (1-53); it is zero for yearly periods.
type Period struct {
	Type  Type
	Year  int
	Index int
}

// Parse parses a DHIS2 period identifier.
func Parse(s string) (Period, error) {
	s = strings.TrimSpace(s)

	if yearStr, weekStr, ok := strings.Cut(s, "W"); ok {
		year, err := parseYear(yearStr)
		if err != nil {
			return Period{}, fmt.Errorf("invalid period %q: %w", s, err)
		}

		week, err := strconv.Atoi(weekStr)
		if err != nil {
			return Period{}, fmt.Errorf("invalid period %q: bad week number", s)
		}

		if week < 1 || week > WeeksInYear(year) {
			return Period{}, fmt.Errorf("invalid period %q: week out of range", s)
		}

		return Period{Type: Weekly, Year: year, Index: week}, nil
	}

	switch len(s) {
	case 4:
		year, err := parseYear(s)
		if err != nil {
			return Period{}, fmt.Errorf("invalid period %q: %w", s, err)
		}

		return Period{Type: Yearly, Year: year}, nil
	case 6:
		year, err := parseYear(s[:4])
		if err != nil {
			return Period{}, fmt.Errorf("invalid period %q: %w", s, err)
		}

		month, err := strconv.Atoi(s[4:])
		if err != nil || month < 1 || month > 12 {
			return Period{}, fmt.Errorf("invalid period %q: bad month", s)
		}

		return Period{Type: Monthly, Year: year, Index: month}, nil
	}

	return Period{}, fmt.Errorf("invalid period %q: unsupported format", s)
}

// MustParse is like Parse but panics on error.
func MustParse(s string) Period {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}

	return p
}

func parseYear(s string) (int, error) {
	if len(s) != 4 {
		return 0, fmt.Errorf("bad year")
	}

	year, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("bad year")
	}

	return year, nil
}

// FromTime returns the period of type t containing ts.
func FromTime(t Type, ts time.Time) Period {
	switch t {
	case Monthly:
		return Period{Type: Monthly, Year: ts.Year(), Index: int(ts.Month())}
	case Weekly:
		year, week := ts.ISOWeek()
		return Period{Type: Weekly, Year: year, Index: week}
	}

	return Period{Type: Yearly, Year: ts.Year()}
}

// String returns the DHIS2 identifier of p.
func (p Period) String() string {
	switch p.Type {
	case Monthly:
		return fmt.Sprintf("%04d%02d", p.Year, p.Index)
	case Weekly:
		return fmt.Sprintf("%04dW%d", p.Year, p.Index)
	}

	return fmt.Sprintf("%04d", p.Year)
}

// Next returns the successor of p.
func (p Period) Next() Period {
	switch p.Type {
	case Monthly:
		if p.Index == 12 {
			return Period{Type: Monthly, Year: p.Year + 1, Index: 1}
		}
		return Period{Type: Monthly, Year: p.Year, Index: p.Index + 1}
	case Weekly:
		if p.Index >= WeeksInYear(p.Year) {
			return Period{Type: Weekly, Year: p.Year + 1, Index: 1}
		}
		return Period{Type: Weekly, Year: p.Year, Index: p.Index + 1}
	}

	return Period{Type: Yearly, Year: p.Year + 1}
}

// Compare returns -1, 0 or +1 depending on whether p is before, equal to or
// after other. Both periods must have the same type.
func (p Period) Compare(other Period) int {
	switch {
	case p.Year < other.Year:
		return -1
	case p.Year > other.Year:
		return 1
	case p.Index < other.Index:
		return -1
	case p.Index > other.Index:
		return 1
	}

	return 0
}

// Start returns the first day of p.
func (p Period) Start() time.Time {
	switch p.Type {
	case Monthly:
		return time.Date(p.Year, time.Month(p.Index), 1, 0, 0, 0, 0, time.UTC)
	case Weekly:
		// January 4th is always in ISO week 1.
		jan4 := time.Date(p.Year, time.January, 4, 0, 0, 0, 0, time.UTC)
		offset := (int(jan4.Weekday()) + 6) % 7
		monday := jan4.AddDate(0, 0, -offset)
		return monday.AddDate(0, 0, 7*(p.Index-1))
	}

	return time.Date(p.Year, time.January, 1, 0, 0, 0, 0, time.UTC)
}

// Range enumerates all periods from start to end inclusive.
func Range(start, end Period) ([]Period, error) {
	if start.Type != end.Type {
		return nil, fmt.Errorf("cannot build range from %s period %s to %s period %s",
			start.Type, start, end.Type, end)
	}

	if start.Compare(end) > 0 {
		return nil, fmt.Errorf("period %s is after %s", start, end)
	}

	var periods []Period
	for p := start; p.Compare(end) <= 0; p = p.Next() {
		periods = append(periods, p)
	}

	return periods, nil
}

// Strings returns the identifiers of periods.
func Strings(periods []Period) []string {
	out := make([]string, len(periods))
	for i, p := range periods {
		out[i] = p.String()
	}

	return out
}

// WeeksInYear returns the number of ISO weeks in year (52 or 53).
func WeeksInYear(year int) int {
	_, week := time.Date(year, time.December, 28, 0, 0, 0, 0, time.UTC).ISOWeek()
	return week
}

// FixWeek removes the leading zero of a week number ("2024W01" becomes
// "2024W1"). Other identifiers are returned unchanged.
func FixWeek(s string) string {
	year, week, ok := strings.Cut(s, "W")
	if !ok {
		return s
	}

	n, err := strconv.Atoi(week)
	if err != nil {
		return s
	}

	return year + "W" + strconv.Itoa(n)
}
