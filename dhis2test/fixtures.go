package dhis2test

import (
	"fmt"
	"time"

	"github.com/helix-tools/dhis2-pipelines/types"
)

// GenerateTestID generates a unique test run identifier.
func GenerateTestID() string {
	return fmt.Sprintf("int-%s-%d", time.Now().Format("20060102150405"), time.Now().UnixMilli()%10000)
}

// NewTestValue returns a value for the configured write target. The value
// is derived from the clock so consecutive runs write different numbers.
func (c TestConfig) NewTestValue() types.DataValue {
	return types.DataValue{
		DataElement: c.DataElement,
		Period:      c.Period,
		OrgUnit:     c.OrgUnit,
		Value:       types.Float64Ptr(float64(time.Now().UnixMilli()%1000 + 1)),
	}
}
