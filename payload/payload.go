// Package payload computes the values to push to a destination DHIS2.
package payload

import (
	"math"
	"strconv"

	"github.com/helix-tools/dhis2-pipelines/types"
)

// Builder diffs source values against what the destination already holds.
type Builder struct {
	// Integral truncates values toward zero before comparing and emitting.
	Integral bool

	// CategoryOptionCombo and AttributeOptionCombo override the qualifiers
	// of emitted values when set.
	CategoryOptionCombo  string
	AttributeOptionCombo string
}

type diffKey struct {
	dataElement string
	period      string
	orgUnit     string
	value       string
}

// Build returns the source values that are new or changed with respect to
// destination, in source order. Destination values with a nil value count as
// absent; source values with a nil value are skipped.
func (b Builder) Build(source, destination []types.DataValue) []types.DataValue {
	existing := make(map[diffKey]struct{}, len(destination))
	for _, v := range destination {
		if v.Value == nil {
			continue
		}

		existing[b.key(v)] = struct{}{}
	}

	var out []types.DataValue
	for _, v := range source {
		if v.Value == nil {
			continue
		}

		if _, ok := existing[b.key(v)]; ok {
			continue
		}

		out = append(out, b.emit(v))
	}

	return out
}

func (b Builder) key(v types.DataValue) diffKey {
	return diffKey{
		dataElement: v.DataElement,
		period:      v.Period,
		orgUnit:     v.OrgUnit,
		value:       Normalize(*v.Value, b.Integral),
	}
}

func (b Builder) emit(v types.DataValue) types.DataValue {
	out := types.DataValue{
		DataElement:          v.DataElement,
		Period:               v.Period,
		OrgUnit:              v.OrgUnit,
		CategoryOptionCombo:  v.CategoryOptionCombo,
		AttributeOptionCombo: v.AttributeOptionCombo,
		Value:                v.Value,
	}

	if b.Integral {
		out.Value = types.Float64Ptr(math.Trunc(*v.Value))
	}

	if b.CategoryOptionCombo != "" {
		out.CategoryOptionCombo = b.CategoryOptionCombo
	}

	if b.AttributeOptionCombo != "" {
		out.AttributeOptionCombo = b.AttributeOptionCombo
	}

	return out
}

// Normalize formats a value for comparison. With integral set the value is
// truncated toward zero first.
func Normalize(value float64, integral bool) string {
	if integral {
		return strconv.FormatInt(int64(value), 10)
	}

	return strconv.FormatFloat(value, 'f', -1, 64)
}

// Round rounds value to the given number of decimals, half away from zero.
func Round(value float64, decimals int) float64 {
	scale := math.Pow(10, float64(decimals))

	return math.Round(value*scale) / scale
}
