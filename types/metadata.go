package types

import (
	"fmt"
	"strings"
)

// OrgUnit is a node of the organisation unit hierarchy.
type OrgUnit struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Level    int    `json:"level"`
	Path     string `json:"path"`
	Geometry string `json:"geometry,omitempty"`
}

// PathIDs returns the ancestor chain from the root down to the unit itself.
func (o OrgUnit) PathIDs() []string {
	trimmed := strings.Trim(o.Path, "/")
	if trimmed == "" {
		return nil
	}

	return strings.Split(trimmed, "/")
}

// AncestorAt returns the id of the ancestor at the given level, or "" if the
// path is shorter than level.
func (o OrgUnit) AncestorAt(level int) string {
	ids := o.PathIDs()
	if level < 1 || level > len(ids) {
		return ""
	}

	return ids[level-1]
}

// Validate checks that the path length matches the level.
func (o OrgUnit) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("organisation unit has no id")
	}

	ids := o.PathIDs()
	if len(ids) == 0 {
		return fmt.Errorf("organisation unit %s has no path", o.ID)
	}

	if len(ids) != o.Level {
		return fmt.Errorf("organisation unit %s: path has %d segments but level is %d", o.ID, len(ids), o.Level)
	}

	if ids[len(ids)-1] != o.ID {
		return fmt.Errorf("organisation unit %s: path does not end with its own id", o.ID)
	}

	return nil
}

// OrgUnitLevel names a level of the hierarchy.
type OrgUnitLevel struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Level int    `json:"level"`
}

// DataElement is an entry of the data element catalog.
type DataElement struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ValueType string `json:"valueType,omitempty"`
}

// AnalyticsValue is one row of an analytics response.
type AnalyticsValue struct {
	DataElement         string `json:"dx"`
	CategoryOptionCombo string `json:"co,omitempty"`
	OrgUnit             string `json:"ou"`
	Period              string `json:"pe"`
	Value               string `json:"value"`
}

// CategoryOptionCombo is an entry of the category option combo catalog.
type CategoryOptionCombo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
