package dhis2

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/helix-tools/dhis2-pipelines/types"
)

// Me returns the authenticated user and its data access flags.
func (c *Client) Me(ctx context.Context) (*types.Me, error) {
	var resp struct {
		Username        string `json:"username"`
		UserCredentials struct {
			Username string `json:"username"`
		} `json:"userCredentials"`
		Access struct {
			Update bool `json:"update"`
			Write  bool `json:"write"`
		} `json:"access"`
	}

	query := url.Values{"fields": {"username,userCredentials[username],access"}}
	if err := c.Get(ctx, "me", query, &resp); err != nil {
		return nil, fmt.Errorf("failed to get current user: %w", err)
	}

	me := &types.Me{
		Username: resp.UserCredentials.Username,
		Update:   resp.Access.Update,
		Write:    resp.Access.Write,
	}

	if me.Username == "" {
		me.Username = resp.Username
	}

	return me, nil
}

// OrganisationUnits returns all organisation units matching the optional
// metadata filters (e.g. "level:le:4"). A unit whose path does not match its
// level fails the whole call.
func (c *Client) OrganisationUnits(ctx context.Context, filters ...string) ([]types.OrgUnit, error) {
	var resp struct {
		OrganisationUnits []struct {
			ID       string          `json:"id"`
			Name     string          `json:"name"`
			Level    int             `json:"level"`
			Path     string          `json:"path"`
			Geometry json.RawMessage `json:"geometry"`
		} `json:"organisationUnits"`
	}

	query := metadataQuery("id,name,level,path,geometry", filters)
	if err := c.Get(ctx, "organisationUnits", query, &resp); err != nil {
		return nil, fmt.Errorf("failed to get organisation units: %w", err)
	}

	units := make([]types.OrgUnit, 0, len(resp.OrganisationUnits))
	for _, ou := range resp.OrganisationUnits {
		unit := types.OrgUnit{
			ID:    ou.ID,
			Name:  ou.Name,
			Level: ou.Level,
			Path:  ou.Path,
		}

		if len(ou.Geometry) > 0 && string(ou.Geometry) != "null" {
			unit.Geometry = string(ou.Geometry)
		}

		if err := unit.Validate(); err != nil {
			return nil, fmt.Errorf("inconsistent organisation unit: %w", err)
		}

		units = append(units, unit)
	}

	return units, nil
}

// OrganisationUnitLevels returns the named levels of the hierarchy.
func (c *Client) OrganisationUnitLevels(ctx context.Context) ([]types.OrgUnitLevel, error) {
	var resp struct {
		OrganisationUnitLevels []types.OrgUnitLevel `json:"organisationUnitLevels"`
	}

	if err := c.Get(ctx, "organisationUnitLevels", metadataQuery("id,name,level", nil), &resp); err != nil {
		return nil, fmt.Errorf("failed to get organisation unit levels: %w", err)
	}

	return resp.OrganisationUnitLevels, nil
}

// DataElements returns all data elements matching the optional filters.
func (c *Client) DataElements(ctx context.Context, filters ...string) ([]types.DataElement, error) {
	var resp struct {
		DataElements []types.DataElement `json:"dataElements"`
	}

	if err := c.Get(ctx, "dataElements", metadataQuery("id,name,valueType", filters), &resp); err != nil {
		return nil, fmt.Errorf("failed to get data elements: %w", err)
	}

	return resp.DataElements, nil
}

// CategoryOptionCombos returns all category option combos matching the
// optional filters.
func (c *Client) CategoryOptionCombos(ctx context.Context, filters ...string) ([]types.CategoryOptionCombo, error) {
	var resp struct {
		CategoryOptionCombos []types.CategoryOptionCombo `json:"categoryOptionCombos"`
	}

	if err := c.Get(ctx, "categoryOptionCombos", metadataQuery("id,name", filters), &resp); err != nil {
		return nil, fmt.Errorf("failed to get category option combos: %w", err)
	}

	return resp.CategoryOptionCombos, nil
}

func metadataQuery(fields string, filters []string) url.Values {
	query := url.Values{
		"fields": {fields},
		"paging": {"false"},
	}

	for _, f := range filters {
		query.Add("filter", f)
	}

	return query
}
