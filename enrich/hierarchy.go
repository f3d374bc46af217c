package enrich

import (
	"fmt"

	"github.com/helix-tools/dhis2-pipelines/table"
	"github.com/helix-tools/dhis2-pipelines/types"
)

// Ancestor is the unit found at one level of another unit's path.
type Ancestor struct {
	Level string
	ID    string
	Name  *string
}

// Hierarchy is an org unit with its ancestors as per-level columns.
type Hierarchy struct {
	ID        string
	Name      string
	Level     int
	Ancestors []Ancestor
}

// At returns the ancestor for the named level.
func (h Hierarchy) At(level string) (Ancestor, bool) {
	for _, a := range h.Ancestors {
		if a.Level == level {
			return a, true
		}
	}

	return Ancestor{}, false
}

// Columns returns the ancestors as "<level>_id" and "<level>_name" columns.
// Missing names are empty strings.
func (h Hierarchy) Columns() map[string]string {
	cols := make(map[string]string, 2*len(h.Ancestors))
	for _, a := range h.Ancestors {
		cols[a.Level+"_id"] = a.ID
		if a.Name != nil {
			cols[a.Level+"_name"] = *a.Name
		} else {
			cols[a.Level+"_name"] = ""
		}
	}

	return cols
}

// FlattenHierarchy splits each unit's path into one ancestor per named level
// (levels[0] is level 1) and joins each ancestor id back onto the units of
// that level to attach its name. Ancestors below a unit's own level have an
// empty id and a nil name.
func FlattenHierarchy(units []types.OrgUnit, levels []string) []Hierarchy {
	// One index per level so an id only matches a unit of the expected level.
	names := make([]*table.OrderedMap[string, types.OrgUnit], len(levels))
	for i := range levels {
		level := i + 1
		names[i] = table.Index(
			table.Filter(units, func(ou types.OrgUnit) bool { return ou.Level == level }),
			func(ou types.OrgUnit) string { return ou.ID },
		)
	}

	out := make([]Hierarchy, 0, len(units))
	for _, ou := range units {
		h := Hierarchy{
			ID:        ou.ID,
			Name:      ou.Name,
			Level:     ou.Level,
			Ancestors: make([]Ancestor, len(levels)),
		}

		for i, level := range levels {
			a := Ancestor{Level: level, ID: ou.AncestorAt(i + 1)}
			if parent, ok := names[i].Get(a.ID); ok && a.ID != "" {
				name := parent.Name
				a.Name = &name
			}

			h.Ancestors[i] = a
		}

		out = append(out, h)
	}

	return out
}

// ParentLevels returns generic level names "parent_level_1" .. "parent_level_n".
func ParentLevels(n int) []string {
	levels := make([]string, n)
	for i := range levels {
		levels[i] = fmt.Sprintf("parent_level_%d", i+1)
	}

	return levels
}

// IndexHierarchy indexes flattened units by id.
func IndexHierarchy(rows []Hierarchy) *table.OrderedMap[string, Hierarchy] {
	return table.Index(rows, func(h Hierarchy) string { return h.ID })
}
