package dhis2

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/helix-tools/dhis2-pipelines/types"
)

// AnalyticsQuery describes an analytics table request. Large requests can be
// split into several sequential calls with MaxDataElements and MaxPeriods.
type AnalyticsQuery struct {
	DataElements  []string
	Periods       []string
	OrgUnits      []string
	OrgUnitLevels []int

	// IncludeCategoryOptionCombos adds the "co" dimension.
	IncludeCategoryOptionCombos bool

	// MaxDataElements and MaxPeriods bound the size of a single request.
	// Zero means no limit.
	MaxDataElements int
	MaxPeriods      int
}

func (q AnalyticsQuery) validate() error {
	if len(q.DataElements) == 0 {
		return fmt.Errorf("analytics query needs at least one data element")
	}

	if len(q.Periods) == 0 {
		return fmt.Errorf("analytics query needs at least one period")
	}

	if len(q.OrgUnits) == 0 && len(q.OrgUnitLevels) == 0 {
		return fmt.Errorf("analytics query needs org units or org unit levels")
	}

	return nil
}

type analyticsResponse struct {
	Headers []struct {
		Name string `json:"name"`
	} `json:"headers"`
	Rows [][]string `json:"rows"`
}

// Analytics runs q and returns one value per row of the analytics table.
func (c *Client) Analytics(ctx context.Context, q AnalyticsQuery) ([]types.AnalyticsValue, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}

	var values []types.AnalyticsValue

	for _, dx := range split(q.DataElements, q.MaxDataElements) {
		for _, pe := range split(q.Periods, q.MaxPeriods) {
			var resp analyticsResponse

			if err := c.Get(ctx, "analytics", q.params(dx, pe), &resp); err != nil {
				return nil, fmt.Errorf("failed to get analytics: %w", err)
			}

			rows, err := resp.values()
			if err != nil {
				return nil, err
			}

			values = append(values, rows...)
		}
	}

	return values, nil
}

func (q AnalyticsQuery) params(dx, pe []string) url.Values {
	ou := make([]string, 0, len(q.OrgUnits)+len(q.OrgUnitLevels))
	ou = append(ou, q.OrgUnits...)

	for _, level := range q.OrgUnitLevels {
		ou = append(ou, "LEVEL-"+strconv.Itoa(level))
	}

	params := url.Values{}
	params.Add("dimension", "dx:"+strings.Join(dx, ";"))
	params.Add("dimension", "pe:"+strings.Join(pe, ";"))
	params.Add("dimension", "ou:"+strings.Join(ou, ";"))

	if q.IncludeCategoryOptionCombos {
		params.Add("dimension", "co")
	}

	params.Set("displayProperty", "NAME")
	params.Set("skipMeta", "true")

	return params
}

func (r analyticsResponse) values() ([]types.AnalyticsValue, error) {
	columns := make(map[string]int, len(r.Headers))
	for i, h := range r.Headers {
		columns[h.Name] = i
	}

	for _, required := range []string{"dx", "pe", "ou", "value"} {
		if _, ok := columns[required]; !ok {
			return nil, fmt.Errorf("analytics response has no %q column", required)
		}
	}

	cell := func(row []string, name string) string {
		i, ok := columns[name]
		if !ok || i >= len(row) {
			return ""
		}

		return row[i]
	}

	values := make([]types.AnalyticsValue, 0, len(r.Rows))
	for _, row := range r.Rows {
		values = append(values, types.AnalyticsValue{
			DataElement:         cell(row, "dx"),
			CategoryOptionCombo: cell(row, "co"),
			OrgUnit:             cell(row, "ou"),
			Period:              cell(row, "pe"),
			Value:               cell(row, "value"),
		})
	}

	return values, nil
}

func split(items []string, size int) [][]string {
	if size <= 0 || len(items) <= size {
		return [][]string{items}
	}

	var chunks [][]string
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end])
	}

	return chunks
}
