package payload

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/helix-tools/dhis2-pipelines/types"
)

func value(de, pe, ou string, v *float64) types.DataValue {
	return types.DataValue{DataElement: de, Period: pe, OrgUnit: ou, Value: v}
}

func TestBuild(t *testing.T) {
	tests := []struct {
		name        string
		builder     Builder
		source      []types.DataValue
		destination []types.DataValue
		want        []string
	}{
		{
			name:        "unchanged value is suppressed",
			source:      []types.DataValue{value("de", "202401", "ou", types.Float64Ptr(3))},
			destination: []types.DataValue{value("de", "202401", "ou", types.Float64Ptr(3))},
		},
		{
			name:        "changed value is emitted",
			source:      []types.DataValue{value("de", "202401", "ou", types.Float64Ptr(4))},
			destination: []types.DataValue{value("de", "202401", "ou", types.Float64Ptr(3))},
			want:        []string{"4"},
		},
		{
			name:        "nil destination value counts as absent",
			source:      []types.DataValue{value("de", "202401", "ou", types.Float64Ptr(3))},
			destination: []types.DataValue{value("de", "202401", "ou", nil)},
			want:        []string{"3"},
		},
		{
			name:   "missing destination emits everything",
			source: []types.DataValue{value("de", "202401", "ou", types.Float64Ptr(1)), value("de", "202402", "ou", types.Float64Ptr(2))},
			want:   []string{"1", "2"},
		},
		{
			name:        "nil source value is skipped",
			source:      []types.DataValue{value("de", "202401", "ou", nil)},
			destination: nil,
		},
		{
			name:        "integral comparison truncates both sides",
			builder:     Builder{Integral: true},
			source:      []types.DataValue{value("de", "202401", "ou", types.Float64Ptr(3.9))},
			destination: []types.DataValue{value("de", "202401", "ou", types.Float64Ptr(3.2))},
		},
		{
			name:    "integral emits truncated value",
			builder: Builder{Integral: true},
			source:  []types.DataValue{value("de", "202401", "ou", types.Float64Ptr(7.8))},
			want:    []string{"7"},
		},
		{
			name:        "exact comparison keeps decimals",
			source:      []types.DataValue{value("de", "202401", "ou", types.Float64Ptr(3.9))},
			destination: []types.DataValue{value("de", "202401", "ou", types.Float64Ptr(3.2))},
			want:        []string{"3.9"},
		},
		{
			name:        "different org unit is not a match",
			source:      []types.DataValue{value("de", "202401", "ou1", types.Float64Ptr(3))},
			destination: []types.DataValue{value("de", "202401", "ou2", types.Float64Ptr(3))},
			want:        []string{"3"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.builder.Build(tt.source, tt.destination)

			var values []string
			for _, v := range got {
				values = append(values, v.ValueString())
			}

			require.Equal(t, tt.want, values)
		})
	}
}

func TestBuildOverridesQualifiers(t *testing.T) {
	b := Builder{CategoryOptionCombo: "HllvX50cXC0", AttributeOptionCombo: "HllvX50cXC0"}

	got := b.Build([]types.DataValue{value("de", "202401", "ou", types.Float64Ptr(1))}, nil)

	require.Len(t, got, 1)
	require.Equal(t, "HllvX50cXC0", got[0].CategoryOptionCombo)
	require.Equal(t, "HllvX50cXC0", got[0].AttributeOptionCombo)
}

// Pushing the payload and diffing again yields nothing.
func TestBuildIsIdempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 100; i++ {
		var source, destination []types.DataValue
		for j := 0; j < 20; j++ {
			v := value("de", "20240"+string(rune('1'+rng.Intn(3))), "ou"+string(rune('a'+rng.Intn(3))), types.Float64Ptr(float64(rng.Intn(5))))
			if rng.Intn(2) == 0 {
				source = append(source, v)
			} else {
				destination = append(destination, v)
			}
		}

		b := Builder{Integral: rng.Intn(2) == 0}
		pushed := b.Build(source, destination)

		require.Empty(t, b.Build(source, append(destination, pushed...)))
	}
}

func TestNormalize(t *testing.T) {
	require.Equal(t, "3", Normalize(3.0, false))
	require.Equal(t, "3.25", Normalize(3.25, false))
	require.Equal(t, "3", Normalize(3.99, true))
	require.Equal(t, "-3", Normalize(-3.99, true))
}

func TestRound(t *testing.T) {
	require.Equal(t, 24.57, Round(24.5678, 2))
	require.Equal(t, 1.0, Round(0.999, 2))
	require.Equal(t, -2.35, Round(-2.346, 2))
}
