// Package config loads the settings of the DHIS2 pipelines.
//
// Settings come from three layers: the defaults embedded in the binary, an
// optional user YAML file decoded on top of them, and environment variables.
// Connection credentials can also be read from AWS SSM Parameter Store.
package config

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/helix-tools/dhis2-pipelines/dhis2"
	"github.com/helix-tools/dhis2-pipelines/store"
	"github.com/helix-tools/dhis2-pipelines/types"
)

//go:embed defaults.yaml
var defaults []byte

// Environment variables read by Load.
const (
	EnvWorkspace = "PIPELINES_WORKSPACE"
	EnvConfig    = "PIPELINES_CONFIG"
	EnvRunLog    = "PIPELINES_RUN_LOG"
	EnvQueueURL  = "PIPELINES_QUEUE_URL"
	EnvBucket    = "PIPELINES_BUCKET"
	EnvRegion    = "AWS_REGION"
	EnvProfile   = "AWS_PROFILE"
)

// Error reports an invalid setting.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Message)
}

func errorf(field, format string, args ...any) *Error {
	return &Error{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Config holds every setting of the pipelines.
type Config struct {
	// Workspace is the directory all relative paths are resolved against.
	Workspace string `yaml:"workspace"`

	// RunLog is the SQLite file of the run ledger.
	RunLog string `yaml:"run_log"`

	Papermill   PapermillConfig       `yaml:"papermill"`
	AWS         AWSConfig             `yaml:"aws"`
	Artifacts   store.ArtifactConfig  `yaml:"artifacts"`
	Notify      NotifyConfig          `yaml:"notify"`
	Connections map[string]Connection `yaml:"connections"`
	Pipelines   Pipelines             `yaml:"pipelines"`
}

// PapermillConfig configures the notebook runner.
type PapermillConfig struct {
	Binary string `yaml:"binary"`
	Kernel string `yaml:"kernel"`
}

// AWSConfig selects the AWS account used for artifacts, events and secrets.
type AWSConfig struct {
	Region  string `yaml:"region"`
	Profile string `yaml:"profile"`
}

// NotifyConfig configures run events. Events are disabled without a queue.
type NotifyConfig struct {
	QueueURL string `yaml:"queue_url"`
}

// Connection describes a DHIS2 instance.
type Connection struct {
	URL      string        `yaml:"url"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Token    string        `yaml:"token"`
	Timeout  time.Duration `yaml:"timeout"`

	// PasswordParameter and TokenParameter name SSM parameters holding the
	// secret when it is not set directly.
	PasswordParameter string `yaml:"password_parameter"`
	TokenParameter    string `yaml:"token_parameter"`
}

// Pipelines holds the per-pipeline settings.
type Pipelines struct {
	Microstratification Microstratification `yaml:"microstratification"`
	Completeness        Completeness        `yaml:"endos_redop_completeness"`
	Climate             Climate             `yaml:"climate"`
	TLOH                Spreadsheet         `yaml:"tloh"`
	TLOHCompleteness    Spreadsheet         `yaml:"tloh_completeness"`
	Bulletin            Bulletin            `yaml:"bulletin"`
	SNT                 SNT                 `yaml:"snt"`
}

// Microstratification configures the incremental data values extract.
type Microstratification struct {
	Connection      string   `yaml:"connection"`
	DataElements    []string `yaml:"data_elements"`
	OrgUnits        []string `yaml:"org_units"`
	StartDate       string   `yaml:"start_date"`
	Output          string   `yaml:"output"`
	MaxDataElements int      `yaml:"max_data_elements"`
	MaxOrgUnits     int      `yaml:"max_org_units"`
	Children        bool     `yaml:"children"`
}

// Completeness configures the ENDOS to REDOP completeness sync.
type Completeness struct {
	Source             string            `yaml:"source"`
	Destination        string            `yaml:"destination"`
	OutputDir          string            `yaml:"output_dir"`
	Dataset            string            `yaml:"dataset"`
	Metrics            []string          `yaml:"metrics"`
	Levels             []int             `yaml:"levels"`
	StartPeriod        string            `yaml:"start_period"`
	LookbackDays       int               `yaml:"lookback_days"`
	DistrictLevel      int               `yaml:"district_level"`
	DistrictPrefix     string            `yaml:"district_prefix"`
	DestinationDataset string            `yaml:"destination_dataset"`
	DestinationRoot    string            `yaml:"destination_root"`
	DestinationSince   string            `yaml:"destination_since"`
	Strategy           string            `yaml:"strategy"`
	DataElements       map[string]string `yaml:"data_elements"`
}

// Climate configures the push of weekly climate indicators.
type Climate struct {
	Connection           string            `yaml:"connection"`
	OutputDir            string            `yaml:"output_dir"`
	CategoryOptionCombo  string            `yaml:"category_option_combo"`
	AttributeOptionCombo string            `yaml:"attribute_option_combo"`
	Decimals             int               `yaml:"decimals"`
	Strategy             string            `yaml:"strategy"`
	Variables            []ClimateVariable `yaml:"variables"`
}

// ClimateVariable maps a weekly parquet file to a data element.
type ClimateVariable struct {
	Name        string `yaml:"name"`
	DataElement string `yaml:"data_element"`
	File        string `yaml:"file"`
}

// Spreadsheet configures a pipeline reading weekly TLOH workbooks.
type Spreadsheet struct {
	Connection           string            `yaml:"connection"`
	DataDir              string            `yaml:"data_dir"`
	FilePrefix           string            `yaml:"file_prefix"`
	WeekPattern          string            `yaml:"week_pattern"`
	YearPattern          string            `yaml:"year_pattern"`
	SkipRows             int               `yaml:"skip_rows"`
	OrgUnitLevel         int               `yaml:"org_unit_level"`
	NamePrefix           string            `yaml:"name_prefix"`
	CategoryOptionCombo  string            `yaml:"category_option_combo"`
	AttributeOptionCombo string            `yaml:"attribute_option_combo"`
	Strategy             string            `yaml:"strategy"`
	SkipValidation       bool              `yaml:"skip_validation"`
	District             Column            `yaml:"district"`
	Columns              []Column          `yaml:"columns"`
	NameMapping          map[string]string `yaml:"name_mapping"`
}

// Column locates a sheet column. A column with a Header is the
// Occurrence-th (from zero) column carrying that header; otherwise it is the
// column at Index.
type Column struct {
	Name        string `yaml:"name"`
	Header      string `yaml:"header"`
	Occurrence  int    `yaml:"occurrence"`
	Index       int    `yaml:"index"`
	DataElement string `yaml:"data_element"`
}

// Bulletin configures the weekly bulletin extract and report.
type Bulletin struct {
	Connection             string   `yaml:"connection"`
	OutputDir              string   `yaml:"output_dir"`
	MaxOrgUnitLevel        int      `yaml:"max_org_unit_level"`
	DistrictLevel          int      `yaml:"district_level"`
	DistrictPrefix         string   `yaml:"district_prefix"`
	RegionLevel            int      `yaml:"region_level"`
	ProvinceLevel          int      `yaml:"province_level"`
	TLOHStart              string   `yaml:"tloh_start"`
	PopulationStart        string   `yaml:"population_start"`
	Notebook               string   `yaml:"notebook"`
	Report                 string   `yaml:"report"`
	TLOHDataElements       []string `yaml:"tloh_data_elements"`
	PopulationDataElements []string `yaml:"population_data_elements"`
}

// SNT configures the subnational tailoring pipelines.
type SNT struct {
	Root                string   `yaml:"root"`
	ConfigFile          string   `yaml:"config_file"`
	PipelinesDir        string   `yaml:"pipelines_dir"`
	MaxDataElements     int      `yaml:"max_data_elements"`
	MaxPeriods          int      `yaml:"max_periods"`
	DistrictPrefix      string   `yaml:"district_prefix"`
	OutliersMethods     []string `yaml:"outliers_methods"`
	ImputationProcesses []string `yaml:"imputation_processes"`
}

// Default returns the embedded defaults.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(defaults, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode default configuration: %w", err)
	}

	return cfg, nil
}

// Load reads the configuration. An empty path falls back to the file named
// by PIPELINES_CONFIG, and to the defaults alone when that is unset too.
func Load(path string) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}

	if path == "" {
		path = os.Getenv(EnvConfig)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Workspace = getEnvOrDefault(EnvWorkspace, c.Workspace)
	c.RunLog = getEnvOrDefault(EnvRunLog, c.RunLog)
	c.Notify.QueueURL = getEnvOrDefault(EnvQueueURL, c.Notify.QueueURL)
	c.Artifacts.Bucket = getEnvOrDefault(EnvBucket, c.Artifacts.Bucket)
	c.AWS.Region = getEnvOrDefault(EnvRegion, c.AWS.Region)
	c.AWS.Profile = getEnvOrDefault(EnvProfile, c.AWS.Profile)

	for name, conn := range c.Connections {
		prefix := EnvPrefix(name)
		conn.URL = getEnvOrDefault(prefix+"URL", conn.URL)
		conn.Username = getEnvOrDefault(prefix+"USERNAME", conn.Username)
		conn.Password = getEnvOrDefault(prefix+"PASSWORD", conn.Password)
		conn.Token = getEnvOrDefault(prefix+"TOKEN", conn.Token)
		c.Connections[name] = conn
	}
}

var nonAlnum = regexp.MustCompile(`[^A-Z0-9]+`)

// EnvPrefix returns the prefix of the environment variables overriding a
// connection: "redop-mdr" is configured by DHIS2_REDOP_MDR_URL and so on.
func EnvPrefix(connection string) string {
	return "DHIS2_" + nonAlnum.ReplaceAllString(strings.ToUpper(connection), "_") + "_"
}

// Validate checks the settings that do not depend on pipeline parameters.
func (c *Config) Validate() error {
	if c.Workspace == "" {
		return errorf("workspace", "must not be empty")
	}

	for name := range c.Connections {
		if name != strings.ToLower(name) {
			return errorf("connections."+name, "connection names must be lower case")
		}
	}

	p := c.Pipelines

	strategies := map[string]string{
		"pipelines.endos_redop_completeness.strategy": p.Completeness.Strategy,
		"pipelines.climate.strategy":                  p.Climate.Strategy,
		"pipelines.tloh.strategy":                     p.TLOH.Strategy,
		"pipelines.tloh_completeness.strategy":        p.TLOHCompleteness.Strategy,
	}
	for field, s := range strategies {
		if !types.ImportStrategy(s).Valid() {
			return errorf(field, "unknown import strategy %q", s)
		}
	}

	if _, err := time.Parse(time.DateOnly, p.Microstratification.StartDate); err != nil {
		return errorf("pipelines.microstratification.start_date", "%v", err)
	}

	if _, err := time.Parse(time.DateOnly, p.Completeness.DestinationSince); err != nil {
		return errorf("pipelines.endos_redop_completeness.destination_since", "%v", err)
	}

	for _, m := range p.Completeness.Metrics {
		if _, ok := p.Completeness.DataElements[strings.ToLower(m)]; !ok {
			return errorf("pipelines.endos_redop_completeness.data_elements", "no data element for metric %s", m)
		}
	}

	for i, v := range p.Climate.Variables {
		if v.Name == "" || v.DataElement == "" || v.File == "" {
			return errorf(fmt.Sprintf("pipelines.climate.variables[%d]", i), "name, data_element and file are required")
		}
	}

	sheets := map[string]Spreadsheet{"pipelines.tloh": p.TLOH, "pipelines.tloh_completeness": p.TLOHCompleteness}
	for field, s := range sheets {
		if err := s.validate(field); err != nil {
			return err
		}
	}

	return nil
}

func (s Spreadsheet) validate(field string) error {
	for name, pattern := range map[string]string{"week_pattern": s.WeekPattern, "year_pattern": s.YearPattern} {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return errorf(field+"."+name, "%v", err)
		}

		if re.NumSubexp() < 1 {
			return errorf(field+"."+name, "pattern %q has no capture group", pattern)
		}
	}

	if len(s.Columns) == 0 {
		return errorf(field+".columns", "at least one column is required")
	}

	for i, col := range s.Columns {
		if col.DataElement == "" {
			return errorf(fmt.Sprintf("%s.columns[%d]", field, i), "data_element is required")
		}
	}

	return nil
}

// Path resolves p against the workspace. Absolute paths are returned as is.
func (c *Config) Path(p string) string {
	if filepath.IsAbs(p) {
		return p
	}

	return filepath.Join(c.Workspace, p)
}

// Connection returns the named connection. Names are case insensitive.
func (c *Config) Connection(name string) (Connection, error) {
	conn, ok := c.Connections[strings.ToLower(name)]
	if !ok {
		return Connection{}, errorf("connections", "unknown connection %q", name)
	}

	if conn.URL == "" {
		return Connection{}, errorf("connections."+strings.ToLower(name)+".url",
			"not set (use %sURL)", EnvPrefix(name))
	}

	return conn, nil
}

// Client returns a DHIS2 client for the named connection.
func (c *Config) Client(name string) (*dhis2.Client, error) {
	conn, err := c.Connection(name)
	if err != nil {
		return nil, err
	}

	client, err := dhis2.NewClient(dhis2.Config{
		BaseURL:  conn.URL,
		Username: conn.Username,
		Password: conn.Password,
		Token:    conn.Token,
		Timeout:  conn.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connection %s: %w", name, err)
	}

	return client, nil
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}

	return defaultValue
}

// Save writes c as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// ResolveSecrets fills connection secrets from SSM. Secrets already set are
// left untouched.
func (c *Config) ResolveSecrets(ctx context.Context, client SSMAPI) error {
	for name, conn := range c.Connections {
		if conn.Password == "" && conn.PasswordParameter != "" {
			value, err := getParameter(ctx, client, conn.PasswordParameter)
			if err != nil {
				return fmt.Errorf("failed to get password of connection %s from SSM: %w", name, err)
			}
			conn.Password = value
		}

		if conn.Token == "" && conn.TokenParameter != "" {
			value, err := getParameter(ctx, client, conn.TokenParameter)
			if err != nil {
				return fmt.Errorf("failed to get token of connection %s from SSM: %w", name, err)
			}
			conn.Token = value
		}

		c.Connections[name] = conn
	}

	return nil
}

// NeedsSecrets reports whether any connection reads a secret from SSM.
func (c *Config) NeedsSecrets() bool {
	for _, conn := range c.Connections {
		if (conn.Password == "" && conn.PasswordParameter != "") || (conn.Token == "" && conn.TokenParameter != "") {
			return true
		}
	}

	return false
}
