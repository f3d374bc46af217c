package period

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Period
	}{
		{"2024", Period{Type: Yearly, Year: 2024}},
		{"202401", Period{Type: Monthly, Year: 2024, Index: 1}},
		{"202412", Period{Type: Monthly, Year: 2024, Index: 12}},
		{"2024W1", Period{Type: Weekly, Year: 2024, Index: 1}},
		{"2024W01", Period{Type: Weekly, Year: 2024, Index: 1}},
		{"2020W53", Period{Type: Weekly, Year: 2020, Index: 53}},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestParseInvalid(t *testing.T) {
	for _, in := range []string{"", "24", "202413", "202400", "2024W0", "2021W53", "20x4", "2024Wx", "2024-01"} {
		_, err := Parse(in)
		require.Error(t, err, "Parse(%q)", in)
	}
}

func TestString(t *testing.T) {
	require.Equal(t, "2024", MustParse("2024").String())
	require.Equal(t, "202403", MustParse("202403").String())
	require.Equal(t, "2024W7", MustParse("2024W07").String())
}

func TestNext(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"2024", "2025"},
		{"202401", "202402"},
		{"202412", "202501"},
		{"2024W1", "2024W2"},
		{"2024W52", "2025W1"},
		{"2020W52", "2020W53"},
		{"2020W53", "2021W1"},
	}

	for _, tt := range tests {
		require.Equal(t, tt.want, MustParse(tt.in).Next().String(), "Next(%s)", tt.in)
	}
}

func TestCompare(t *testing.T) {
	require.Equal(t, -1, MustParse("202401").Compare(MustParse("202402")))
	require.Equal(t, 1, MustParse("2025W1").Compare(MustParse("2024W52")))
	require.Equal(t, 0, MustParse("2024").Compare(MustParse("2024")))
}

func TestRange(t *testing.T) {
	periods, err := Range(MustParse("202311"), MustParse("202402"))
	require.NoError(t, err)
	require.Equal(t, []string{"202311", "202312", "202401", "202402"}, Strings(periods))

	periods, err = Range(MustParse("2019"), MustParse("2019"))
	require.NoError(t, err)
	require.Equal(t, []string{"2019"}, Strings(periods))

	periods, err = Range(MustParse("2020W52"), MustParse("2021W2"))
	require.NoError(t, err)
	require.Equal(t, []string{"2020W52", "2020W53", "2021W1", "2021W2"}, Strings(periods))
}

func TestRangeErrors(t *testing.T) {
	_, err := Range(MustParse("2024"), MustParse("202401"))
	require.ErrorContains(t, err, "cannot build range")

	_, err = Range(MustParse("202402"), MustParse("202401"))
	require.ErrorContains(t, err, "is after")
}

func TestFromTime(t *testing.T) {
	ts := time.Date(2024, time.January, 1, 12, 0, 0, 0, time.UTC)

	require.Equal(t, "2024", FromTime(Yearly, ts).String())
	require.Equal(t, "202401", FromTime(Monthly, ts).String())
	require.Equal(t, "2024W1", FromTime(Weekly, ts).String())

	// 2021-01-01 belongs to the last ISO week of 2020.
	require.Equal(t, "2020W53", FromTime(Weekly, time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)).String())
}

func TestStart(t *testing.T) {
	require.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), MustParse("202403").Start())
	require.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), MustParse("2024W1").Start())
	require.Equal(t, time.Date(2020, 12, 28, 0, 0, 0, 0, time.UTC), MustParse("2020W53").Start())
}

func TestFixWeek(t *testing.T) {
	require.Equal(t, "2024W1", FixWeek("2024W01"))
	require.Equal(t, "2024W12", FixWeek("2024W12"))
	require.Equal(t, "202401", FixWeek("202401"))
	require.Equal(t, "2024Wxx", FixWeek("2024Wxx"))
}

func TestWeeksInYear(t *testing.T) {
	require.Equal(t, 53, WeeksInYear(2020))
	require.Equal(t, 52, WeeksInYear(2024))
	require.Equal(t, 53, WeeksInYear(2026))
}
