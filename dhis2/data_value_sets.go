package dhis2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/helix-tools/dhis2-pipelines/types"
)

// lastUpdatedLayouts are the timestamp formats DHIS2 versions emit.
var lastUpdatedLayouts = []string{
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05",
}

// DataValueSetsQuery filters a dataValueSets export. At least one data
// element or data set and one org unit are required.
type DataValueSetsQuery struct {
	DataElements []string
	DataSets     []string
	OrgUnits     []string
	Children     bool
	StartDate    time.Time
	EndDate      time.Time
	LastUpdated  *time.Time
}

func (q DataValueSetsQuery) params() (url.Values, error) {
	if len(q.DataElements) == 0 && len(q.DataSets) == 0 {
		return nil, fmt.Errorf("dataValueSets query needs data elements or data sets")
	}

	if len(q.OrgUnits) == 0 {
		return nil, fmt.Errorf("dataValueSets query needs org units")
	}

	if q.StartDate.IsZero() != q.EndDate.IsZero() {
		return nil, fmt.Errorf("dataValueSets query needs both start and end dates")
	}

	if q.StartDate.IsZero() && q.LastUpdated == nil {
		return nil, fmt.Errorf("dataValueSets query needs a date range or a last updated date")
	}

	params := url.Values{}
	for _, de := range q.DataElements {
		params.Add("dataElement", de)
	}

	for _, ds := range q.DataSets {
		params.Add("dataSet", ds)
	}

	for _, ou := range q.OrgUnits {
		params.Add("orgUnit", ou)
	}

	if q.Children {
		params.Set("children", "true")
	}

	if !q.StartDate.IsZero() {
		params.Set("startDate", q.StartDate.Format(time.DateOnly))
		params.Set("endDate", q.EndDate.Format(time.DateOnly))
	}

	if q.LastUpdated != nil {
		params.Set("lastUpdated", q.LastUpdated.UTC().Format("2006-01-02T15:04:05"))
	}

	return params, nil
}

type wireDataValue struct {
	DataElement          string    `json:"dataElement"`
	Period               string    `json:"period"`
	OrgUnit              string    `json:"orgUnit"`
	CategoryOptionCombo  string    `json:"categoryOptionCombo,omitempty"`
	AttributeOptionCombo string    `json:"attributeOptionCombo,omitempty"`
	Value                wireValue `json:"value,omitempty"`
	LastUpdated          string    `json:"lastUpdated,omitempty"`
}

// wireValue accepts both the string and the numeric encoding of a value.
type wireValue string

func (v *wireValue) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*v = ""
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*v = wireValue(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("unsupported data value %s", data)
	}

	*v = wireValue(n.String())

	return nil
}

func (w wireDataValue) toDataValue() (types.DataValue, error) {
	v := types.DataValue{
		DataElement:          w.DataElement,
		Period:               w.Period,
		OrgUnit:              w.OrgUnit,
		CategoryOptionCombo:  w.CategoryOptionCombo,
		AttributeOptionCombo: w.AttributeOptionCombo,
	}

	// Non-numeric values (text, booleans) are kept as null.
	if f, err := strconv.ParseFloat(strings.TrimSpace(string(w.Value)), 64); err == nil {
		v.Value = &f
	}

	if w.LastUpdated != "" {
		ts, err := ParseTimestamp(w.LastUpdated)
		if err != nil {
			return types.DataValue{}, err
		}

		v.LastUpdated = ts
	}

	return v, nil
}

// ParseTimestamp parses a DHIS2 timestamp. Timestamps without a zone are UTC.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range lastUpdatedLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

// DataValueSets exports the data values matching q.
func (c *Client) DataValueSets(ctx context.Context, q DataValueSetsQuery) ([]types.DataValue, error) {
	params, err := q.params()
	if err != nil {
		return nil, err
	}

	var resp struct {
		DataValues []wireDataValue `json:"dataValues"`
	}

	if err := c.Get(ctx, "dataValueSets", params, &resp); err != nil {
		return nil, fmt.Errorf("failed to get data values: %w", err)
	}

	values := make([]types.DataValue, 0, len(resp.DataValues))
	for _, w := range resp.DataValues {
		v, err := w.toDataValue()
		if err != nil {
			return nil, fmt.Errorf("failed to parse data value %s/%s/%s: %w", w.DataElement, w.Period, w.OrgUnit, err)
		}

		values = append(values, v)
	}

	return values, nil
}

type importSummaryWire struct {
	Status      string            `json:"status"`
	Description string            `json:"description"`
	ImportCount types.ImportCount `json:"importCount"`
	Conflicts   []struct {
		Object string `json:"object"`
		Value  string `json:"value"`
	} `json:"conflicts"`
}

// importResponse covers both the flat import summary of older servers and
// the {"response": {...}} envelope of newer ones.
type importResponse struct {
	importSummaryWire
	Message  string             `json:"message"`
	Response *importSummaryWire `json:"response"`
}

func (r importResponse) summary() (*types.ImportSummary, bool) {
	s := r.importSummaryWire
	if r.Response != nil && r.Response.Status != "" {
		s = *r.Response
	}

	if s.Status == "" {
		return nil, false
	}

	description := s.Description
	if description == "" && len(s.Conflicts) > 0 {
		description = s.Conflicts[0].Value
	}

	if description == "" {
		description = r.Message
	}

	return &types.ImportSummary{
		Status:      s.Status,
		Description: description,
		ImportCount: s.ImportCount,
	}, true
}

// PostDataValueSets imports values in a single request and returns the
// import summary. A rejected import is reported through the summary status,
// not as an error.
func (c *Client) PostDataValueSets(ctx context.Context, values []types.DataValue, opts types.ImportOptions) (*types.ImportSummary, error) {
	strategy := opts.Strategy
	if strategy == "" {
		strategy = types.ImportStrategyCreateAndUpdate
	}

	params := url.Values{
		"importStrategy": {string(strategy)},
		"dryRun":         {strconv.FormatBool(opts.DryRun)},
		"skipValidation": {strconv.FormatBool(opts.SkipValidation)},
	}

	payload := struct {
		DataValues []wireDataValue `json:"dataValues"`
	}{DataValues: make([]wireDataValue, 0, len(values))}

	for _, v := range values {
		payload.DataValues = append(payload.DataValues, wireDataValue{
			DataElement:          v.DataElement,
			Period:               v.Period,
			OrgUnit:              v.OrgUnit,
			CategoryOptionCombo:  v.CategoryOptionCombo,
			AttributeOptionCombo: v.AttributeOptionCombo,
			Value:                wireValue(v.ValueString()),
		})
	}

	var resp importResponse

	err := c.Post(ctx, "dataValueSets", params, payload, &resp)
	if err != nil {
		// Newer servers answer 409 with the summary when the import fails.
		var apiErr *APIError
		if errors.As(err, &apiErr) && IsConflictError(err) {
			if json.Unmarshal([]byte(apiErr.Body), &resp) == nil {
				if summary, ok := resp.summary(); ok {
					return summary, nil
				}
			}
		}

		return nil, fmt.Errorf("failed to post data values: %w", err)
	}

	summary, ok := resp.summary()
	if !ok {
		return nil, fmt.Errorf("import response has no status")
	}

	return summary, nil
}
