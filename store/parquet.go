package store

import (
	"fmt"
	"io"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/helix-tools/dhis2-pipelines/types"
)

// DataValueRow is the flat columnar layout of a data value.
type DataValueRow struct {
	DataElement          string    `parquet:"data_element"`
	Period               string    `parquet:"period"`
	OrgUnit              string    `parquet:"organisation_unit"`
	CategoryOptionCombo  string    `parquet:"category_option_combo"`
	AttributeOptionCombo string    `parquet:"attribute_option_combo"`
	Value                *float64  `parquet:"value,optional"`
	LastUpdated          time.Time `parquet:"last_updated,timestamp(millisecond)"`
}

// EnrichedRow is a data value with its metadata columns.
type EnrichedRow struct {
	DataElement          string    `parquet:"data_element"`
	Period               string    `parquet:"period"`
	OrgUnit              string    `parquet:"organisation_unit"`
	CategoryOptionCombo  string    `parquet:"category_option_combo"`
	AttributeOptionCombo string    `parquet:"attribute_option_combo"`
	Value                *float64  `parquet:"value,optional"`
	LastUpdated          time.Time `parquet:"last_updated,timestamp(millisecond)"`

	OrgUnitName     *string `parquet:"organisation_unit_name,optional"`
	OrgUnitLevel    *int32  `parquet:"level,optional"`
	OrgUnitPath     *string `parquet:"path,optional"`
	DataElementName *string `parquet:"data_element_name,optional"`
}

func toRow(v types.DataValue) DataValueRow {
	return DataValueRow{
		DataElement:          v.DataElement,
		Period:               v.Period,
		OrgUnit:              v.OrgUnit,
		CategoryOptionCombo:  v.CategoryOptionCombo,
		AttributeOptionCombo: v.AttributeOptionCombo,
		Value:                v.Value,
		LastUpdated:          v.LastUpdated.UTC(),
	}
}

func (r DataValueRow) dataValue() types.DataValue {
	return types.DataValue{
		DataElement:          r.DataElement,
		Period:               r.Period,
		OrgUnit:              r.OrgUnit,
		CategoryOptionCombo:  r.CategoryOptionCombo,
		AttributeOptionCombo: r.AttributeOptionCombo,
		Value:                r.Value,
		LastUpdated:          r.LastUpdated.UTC(),
	}
}

// WriteRows replaces path with a parquet file holding rows.
func WriteRows[T any](path string, rows []T) error {
	return WriteFile(path, func(w io.Writer) error {
		if err := parquet.Write(w, rows); err != nil {
			return fmt.Errorf("failed to write parquet %s: %w", path, err)
		}
		return nil
	})
}

// ReadRows reads every row of the parquet file at path.
func ReadRows[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, fmt.Errorf("failed to read parquet %s: %w", path, err)
	}

	return rows, nil
}

// WriteDataValues persists values as the full state of a dataset.
func WriteDataValues(path string, values []types.DataValue) error {
	rows := make([]DataValueRow, len(values))
	for i, v := range values {
		rows[i] = toRow(v)
	}

	return WriteRows(path, rows)
}

// ReadDataValues loads values written by WriteDataValues.
func ReadDataValues(path string) ([]types.DataValue, error) {
	rows, err := ReadRows[DataValueRow](path)
	if err != nil {
		return nil, err
	}

	values := make([]types.DataValue, len(rows))
	for i, r := range rows {
		values[i] = r.dataValue()
	}

	return values, nil
}

// WriteEnriched persists enriched values.
func WriteEnriched(path string, values []types.EnrichedValue) error {
	rows := make([]EnrichedRow, len(values))
	for i, v := range values {
		base := toRow(v.DataValue)
		row := EnrichedRow{
			DataElement:          base.DataElement,
			Period:               base.Period,
			OrgUnit:              base.OrgUnit,
			CategoryOptionCombo:  base.CategoryOptionCombo,
			AttributeOptionCombo: base.AttributeOptionCombo,
			Value:                base.Value,
			LastUpdated:          base.LastUpdated,
			OrgUnitName:          v.OrgUnitName,
			OrgUnitPath:          v.OrgUnitPath,
			DataElementName:      v.DataElementName,
		}
		if v.OrgUnitLevel != nil {
			level := int32(*v.OrgUnitLevel)
			row.OrgUnitLevel = &level
		}

		rows[i] = row
	}

	return WriteRows(path, rows)
}

// ReadEnriched loads values written by WriteEnriched.
func ReadEnriched(path string) ([]types.EnrichedValue, error) {
	rows, err := ReadRows[EnrichedRow](path)
	if err != nil {
		return nil, err
	}

	values := make([]types.EnrichedValue, len(rows))
	for i, r := range rows {
		base := DataValueRow{
			DataElement:          r.DataElement,
			Period:               r.Period,
			OrgUnit:              r.OrgUnit,
			CategoryOptionCombo:  r.CategoryOptionCombo,
			AttributeOptionCombo: r.AttributeOptionCombo,
			Value:                r.Value,
			LastUpdated:          r.LastUpdated,
		}
		v := types.EnrichedValue{
			DataValue:       base.dataValue(),
			OrgUnitName:     r.OrgUnitName,
			OrgUnitPath:     r.OrgUnitPath,
			DataElementName: r.DataElementName,
		}
		if r.OrgUnitLevel != nil {
			v.OrgUnitLevel = types.IntPtr(int(*r.OrgUnitLevel))
		}

		values[i] = v
	}

	return values, nil
}
