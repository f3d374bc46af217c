package types

import (
	"strconv"
	"time"
)

// Key is the natural key of a data value.
type Key struct {
	DataElement          string
	Period               string
	OrgUnit              string
	CategoryOptionCombo  string
	AttributeOptionCombo string
}

// DataValue is a single record of the dataValueSets API.
type DataValue struct {
	DataElement          string    `json:"dataElement"`
	Period               string    `json:"period"`
	OrgUnit              string    `json:"orgUnit"`
	CategoryOptionCombo  string    `json:"categoryOptionCombo,omitempty"`
	AttributeOptionCombo string    `json:"attributeOptionCombo,omitempty"`
	Value                *float64  `json:"value"`
	LastUpdated          time.Time `json:"lastUpdated,omitzero"`
}

// Key returns the natural key of v.
func (v DataValue) Key() Key {
	return Key{
		DataElement:          v.DataElement,
		Period:               v.Period,
		OrgUnit:              v.OrgUnit,
		CategoryOptionCombo:  v.CategoryOptionCombo,
		AttributeOptionCombo: v.AttributeOptionCombo,
	}
}

// ValueString formats the value the way DHIS2 stores it, or "" when null.
func (v DataValue) ValueString() string {
	if v.Value == nil {
		return ""
	}

	return strconv.FormatFloat(*v.Value, 'f', -1, 64)
}

// EnrichedValue is a data value with metadata columns attached.
// Enrichment columns are nil when no metadata matched.
type EnrichedValue struct {
	DataValue

	OrgUnitName     *string `json:"orgUnitName"`
	OrgUnitLevel    *int    `json:"orgUnitLevel"`
	OrgUnitPath     *string `json:"orgUnitPath"`
	DataElementName *string `json:"dataElementName"`
}

// Float64Ptr returns a pointer to f.
func Float64Ptr(f float64) *float64 {
	return &f
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}

// IntPtr returns a pointer to i.
func IntPtr(i int) *int {
	return &i
}
