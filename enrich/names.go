package enrich

import (
	"strings"

	"github.com/helix-tools/dhis2-pipelines/types"
)

// NameMapping corrects administrative area names that differ between a
// source file and DHIS2. Keys are source names, values DHIS2 names.
type NameMapping map[string]string

// Apply returns the corrected name, or name itself when no correction exists.
func (m NameMapping) Apply(name string) string {
	if fixed, ok := m[name]; ok {
		return fixed
	}

	return name
}

// NameMatcher resolves org unit ids from source names.
type NameMatcher struct {
	Mapping NameMapping
	Prefix  string

	byName map[string]string
}

// NewNameMatcher indexes units by name. When two units share a name, the
// first one wins.
func NewNameMatcher(units []types.OrgUnit, mapping NameMapping, prefix string) *NameMatcher {
	byName := make(map[string]string, len(units))
	for _, ou := range units {
		if _, ok := byName[ou.Name]; !ok {
			byName[ou.Name] = ou.ID
		}
	}

	return &NameMatcher{Mapping: mapping, Prefix: prefix, byName: byName}
}

// Resolve maps a source name to an org unit id. The correction table is
// applied to the raw name, then the prefix is added.
func (m *NameMatcher) Resolve(name string) (string, bool) {
	fixed := m.Prefix + m.Mapping.Apply(name)

	id, ok := m.byName[fixed]
	if !ok {
		id, ok = m.byName[strings.TrimSpace(fixed)]
	}

	return id, ok
}
