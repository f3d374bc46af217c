// Package enrich attaches metadata to data values and flattens the
// organisation unit hierarchy into per-level columns.
package enrich

import (
	"strings"

	"go.uber.org/zap"

	"github.com/helix-tools/dhis2-pipelines/table"
	"github.com/helix-tools/dhis2-pipelines/types"
)

// Enrich left-joins values with the org unit and data element catalogs.
// Every input row is kept; rows without a metadata match get nil columns.
func Enrich(values []types.DataValue, orgUnits []types.OrgUnit, dataElements []types.DataElement) []types.EnrichedValue {
	withUnits := table.LeftJoin(values, orgUnits,
		func(v types.DataValue) string { return v.OrgUnit },
		func(ou types.OrgUnit) string { return ou.ID },
		func(v types.DataValue, ou *types.OrgUnit) types.EnrichedValue {
			e := types.EnrichedValue{DataValue: v}
			if ou != nil {
				e.OrgUnitName = &ou.Name
				e.OrgUnitLevel = &ou.Level
				e.OrgUnitPath = &ou.Path
			}
			return e
		},
	)

	return table.LeftJoin(withUnits, dataElements,
		func(e types.EnrichedValue) string { return e.DataElement },
		func(de types.DataElement) string { return de.ID },
		func(e types.EnrichedValue, de *types.DataElement) types.EnrichedValue {
			if de != nil {
				e.DataElementName = &de.Name
			}
			return e
		},
	)
}

// FilterDataElements returns the requested ids that exist in the catalog,
// in requested order and without duplicates. Missing ids are logged.
func FilterDataElements(requested []string, catalog []types.DataElement, logger *zap.Logger) []string {
	if logger == nil {
		logger = zap.NewNop()
	}

	known := table.Index(catalog, func(de types.DataElement) string { return de.ID })
	kept := table.NewOrderedMap[string, struct{}]()

	for _, id := range requested {
		if !known.Has(id) {
			logger.Info("Ignoring data element missing from the DHIS2 instance", zap.String("data_element", id))
			continue
		}

		kept.SetIfAbsent(id, struct{}{})
	}

	return kept.Keys()
}

// FilterOrgUnits returns the units at level whose name starts with prefix.
// An empty prefix matches every name.
func FilterOrgUnits(units []types.OrgUnit, level int, prefix string) []types.OrgUnit {
	return table.Filter(units, func(ou types.OrgUnit) bool {
		return ou.Level == level && strings.HasPrefix(ou.Name, prefix)
	})
}

// Intersect returns the units of a whose id also appears in b, and the units
// of a that are missing from b.
func Intersect(a, b []types.OrgUnit) (kept, missing []types.OrgUnit) {
	index := table.Index(b, func(ou types.OrgUnit) string { return ou.ID })

	for _, ou := range a {
		if index.Has(ou.ID) {
			kept = append(kept, ou)
		} else {
			missing = append(missing, ou)
		}
	}

	return kept, missing
}
