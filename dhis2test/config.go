// Package dhis2test provides integration test utilities for DHIS2
// instances.
//
// It includes configuration loading from the environment, credentials
// resolution through SSM, fixtures and a cleanup registry that removes the
// data values a test pushed.
package dhis2test

import (
	"context"
	"os"
	"testing"

	"github.com/helix-tools/dhis2-pipelines/config"
	"github.com/helix-tools/dhis2-pipelines/dhis2"
)

// DefaultBaseURL is the public DHIS2 demo instance.
const DefaultBaseURL = "https://play.im.dhis2.org/stable-2-41-1"

// connectionName is the connection the test configuration is exposed under.
const connectionName = "dhis2-test"

// TestConfig holds configuration for integration tests.
type TestConfig struct {
	// BaseURL is the instance URL without the /api suffix.
	BaseURL string

	Username string
	Password string
	Token    string

	// PasswordParameter names an SSM parameter holding the password.
	PasswordParameter string

	// Region and Profile select the AWS account of PasswordParameter.
	Region  string
	Profile string

	// OrgUnit, DataElement and Period locate a cell tests may write to.
	OrgUnit     string
	DataElement string
	Period      string
}

// LoadTestConfig loads test configuration from environment variables:
//   - DHIS2_TEST_BASE_URL: instance URL (default: the public demo)
//   - DHIS2_TEST_USERNAME, DHIS2_TEST_PASSWORD or DHIS2_TEST_TOKEN
//   - DHIS2_TEST_PASSWORD_PARAMETER: SSM parameter of the password
//   - DHIS2_TEST_ORG_UNIT, DHIS2_TEST_DATA_ELEMENT, DHIS2_TEST_PERIOD: write target
func LoadTestConfig(t *testing.T) TestConfig {
	t.Helper()

	return TestConfig{
		BaseURL:           getEnvOrDefault("DHIS2_TEST_BASE_URL", DefaultBaseURL),
		Username:          os.Getenv("DHIS2_TEST_USERNAME"),
		Password:          os.Getenv("DHIS2_TEST_PASSWORD"),
		Token:             os.Getenv("DHIS2_TEST_TOKEN"),
		PasswordParameter: os.Getenv("DHIS2_TEST_PASSWORD_PARAMETER"),
		Region:            os.Getenv(config.EnvRegion),
		Profile:           os.Getenv(config.EnvProfile),
		OrgUnit:           os.Getenv("DHIS2_TEST_ORG_UNIT"),
		DataElement:       os.Getenv("DHIS2_TEST_DATA_ELEMENT"),
		Period:            os.Getenv("DHIS2_TEST_PERIOD"),
	}
}

// RequireCredentials skips the test unless credentials are set.
func (c TestConfig) RequireCredentials(t *testing.T) {
	t.Helper()

	if c.Token != "" {
		return
	}

	if c.Username == "" {
		t.Skip("DHIS2_TEST_USERNAME not set")
	}

	if c.Password == "" && c.PasswordParameter == "" {
		t.Skip("DHIS2_TEST_PASSWORD not set")
	}
}

// RequireWriteTarget skips the test unless a writable cell is configured.
func (c TestConfig) RequireWriteTarget(t *testing.T) {
	t.Helper()

	c.RequireCredentials(t)

	if c.OrgUnit == "" {
		t.Skip("DHIS2_TEST_ORG_UNIT not set")
	}

	if c.DataElement == "" {
		t.Skip("DHIS2_TEST_DATA_ELEMENT not set")
	}

	if c.Period == "" {
		t.Skip("DHIS2_TEST_PERIOD not set")
	}
}

// Config returns a pipelines configuration with the test instance as its
// only connection. The password is read from SSM when only its parameter is
// set.
func (c TestConfig) Config(ctx context.Context, workspace string) (*config.Config, error) {
	cfg, err := config.Default()
	if err != nil {
		return nil, err
	}

	cfg.Workspace = workspace
	cfg.AWS.Region = c.Region
	cfg.AWS.Profile = c.Profile
	cfg.Connections = map[string]config.Connection{
		connectionName: {
			URL:               c.BaseURL,
			Username:          c.Username,
			Password:          c.Password,
			Token:             c.Token,
			PasswordParameter: c.PasswordParameter,
		},
	}

	if cfg.NeedsSecrets() {
		if err := cfg.ResolveSecretsFromSSM(ctx); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Client returns a client for the test instance, failing the test on error.
func (c TestConfig) Client(t *testing.T) *dhis2.Client {
	t.Helper()

	cfg, err := c.Config(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("failed to load test configuration: %v", err)
	}

	client, err := cfg.Client(connectionName)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	return client
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}

	return defaultValue
}
