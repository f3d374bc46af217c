// Package types defines common types shared by the DHIS2 pipelines.
package types

// ImportStrategy enumerates the dataValueSets import strategies.
type ImportStrategy string

const (
	ImportStrategyCreate          ImportStrategy = "CREATE"
	ImportStrategyUpdate          ImportStrategy = "UPDATE"
	ImportStrategyCreateAndUpdate ImportStrategy = "CREATE_AND_UPDATE"
	ImportStrategyDelete          ImportStrategy = "DELETE"
)

// Valid reports whether s is one of the strategies accepted by DHIS2.
func (s ImportStrategy) Valid() bool {
	switch s {
	case ImportStrategyCreate, ImportStrategyUpdate, ImportStrategyCreateAndUpdate, ImportStrategyDelete:
		return true
	}

	return false
}

// ImportStatusSuccess is the only import status treated as success.
const ImportStatusSuccess = "SUCCESS"

// ImportOptions are the query parameters of a dataValueSets import.
type ImportOptions struct {
	Strategy       ImportStrategy
	DryRun         bool
	SkipValidation bool
}

// ImportCount holds per-outcome counts of an import summary.
type ImportCount struct {
	Imported int `json:"imported"`
	Updated  int `json:"updated"`
	Ignored  int `json:"ignored"`
	Deleted  int `json:"deleted"`
}

// Add returns the field-wise sum of c and other.
func (c ImportCount) Add(other ImportCount) ImportCount {
	return ImportCount{
		Imported: c.Imported + other.Imported,
		Updated:  c.Updated + other.Updated,
		Ignored:  c.Ignored + other.Ignored,
		Deleted:  c.Deleted + other.Deleted,
	}
}

// Total returns the number of values the destination accounted for.
func (c ImportCount) Total() int {
	return c.Imported + c.Updated + c.Ignored + c.Deleted
}

// ImportSummary is the structured response of a dataValueSets import.
type ImportSummary struct {
	Status      string      `json:"status"`
	Description string      `json:"description,omitempty"`
	ImportCount ImportCount `json:"importCount"`
}

// Succeeded reports whether the destination accepted the batch.
func (s ImportSummary) Succeeded() bool {
	return s.Status == ImportStatusSuccess
}

// Me is the subset of /api/me used to check access before pushing.
type Me struct {
	Username string `json:"username"`
	Update   bool   `json:"update"`
	Write    bool   `json:"write"`
}
