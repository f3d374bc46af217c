package extract

import (
	"context"
	"time"

	"github.com/helix-tools/dhis2-pipelines/dhis2"
	"github.com/helix-tools/dhis2-pipelines/period"
	"github.com/helix-tools/dhis2-pipelines/types"
)

// DataValueSetsClient is the part of the DHIS2 client a DHIS2Source needs.
type DataValueSetsClient interface {
	DataValueSets(ctx context.Context, q dhis2.DataValueSetsQuery) ([]types.DataValue, error)
}

// DHIS2Source fetches data values from the dataValueSets endpoint.
//
// MaxDataElements and MaxOrgUnits split a range into several sequential
// requests; zero sends every id in a single request.
type DHIS2Source struct {
	Client          DataValueSetsClient
	DataElements    []string
	DataSets        []string
	OrgUnits        []string
	Children        bool
	MaxDataElements int
	MaxOrgUnits     int
}

// Fetch implements Source.
func (s *DHIS2Source) Fetch(ctx context.Context, r period.DateRange, lastUpdated *time.Time) ([]types.DataValue, error) {
	var values []types.DataValue

	for _, de := range batches(s.DataElements, s.MaxDataElements) {
		for _, ou := range batches(s.OrgUnits, s.MaxOrgUnits) {
			batch, err := s.Client.DataValueSets(ctx, dhis2.DataValueSetsQuery{
				DataElements: de,
				DataSets:     s.DataSets,
				OrgUnits:     ou,
				Children:     s.Children,
				StartDate:    r.Start,
				EndDate:      r.End,
				LastUpdated:  lastUpdated,
			})
			if err != nil {
				return nil, err
			}

			values = append(values, batch...)
		}
	}

	return values, nil
}

func batches(ids []string, size int) [][]string {
	if size <= 0 || len(ids) <= size {
		return [][]string{ids}
	}

	var out [][]string
	for start := 0; start < len(ids); start += size {
		out = append(out, ids[start:min(start+size, len(ids))])
	}

	return out
}
