package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models deployproof.yml.
type Config struct {
	Project struct {
		ID string `yaml:"id"`
	} `yaml:"project"`
	Screening struct {
		InvalidStatuses []string `yaml:"invalid_statuses"`
	} `yaml:"screening"`
	Validation   ValidatorConfig      `yaml:"validation"`
	Components   ComponentQueryConfig `yaml:"components"`
	FileMappings map[string]string    `yaml:"file_mappings"`
	Resolver     ResolverConfig       `yaml:"resolver"`
	VCS          VCSConfig            `yaml:"vcs"`
	Session      struct {
		Access []string `yaml:"access"`
	} `yaml:"session"`
	Engine struct {
		RequestTimeout time.Duration `yaml:"request_timeout"`
	} `yaml:"engine"`
	Database DatabaseConfig  `yaml:"database"`
	Archive  ArchiveConfig   `yaml:"archive"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type ResolverConfig struct {
	MaxConcurrency int           `yaml:"max_concurrency"`
	BatchSize      int           `yaml:"batch_size"`
	QueryTimeout   time.Duration `yaml:"query_timeout"`
}

type VCSConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Workspace  string        `yaml:"workspace"`
	Repository string        `yaml:"repository"`
	Username   string        `yaml:"username"`
	Timeout    time.Duration `yaml:"timeout"`
	CacheSize  int           `yaml:"cache_size"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type ArchiveConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Region   string `yaml:"region"`
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	UseSSL   bool   `yaml:"use_ssl"`
}

type WebhookConfig struct {
	URL      string   `yaml:"url"`
	Events   []string `yaml:"events"`
	Verdicts []string `yaml:"verdicts"`
	Secret   string   `yaml:"secret"`
	Enabled  *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with dp config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "deployproof.yml")
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the compiled-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Validate checks structure only; absent sections fall back to defaults at use time.
func (c *Config) Validate() error {
	for level, names := range c.Validation.Levels {
		if level == "" {
			return fmt.Errorf("validation.levels contains empty level name")
		}
		for _, n := range names {
			if n == "" {
				return fmt.Errorf("level %s has empty validator name", level)
			}
		}
	}
	for name, v := range c.Validation.Validators {
		switch v.FailureMode {
		case "", FailureCritical, FailureWarning:
		default:
			return fmt.Errorf("validator %s has invalid failure_mode %q", name, v.FailureMode)
		}
	}
	for typ, q := range c.Components {
		switch q.Strategy {
		case StrategyStandard, StrategyTooling, StrategyBundle:
		default:
			return fmt.Errorf("component type %s has invalid strategy %q", typ, q.Strategy)
		}
		if q.Object == "" {
			return fmt.Errorf("component type %s requires object", typ)
		}
		if q.Extract != "" {
			if _, err := regexp.Compile(q.Extract); err != nil {
				return fmt.Errorf("component type %s extract pattern: %w", typ, err)
			}
		}
		for _, p := range q.Remove {
			if _, err := regexp.Compile(p); err != nil {
				return fmt.Errorf("component type %s remove pattern: %w", typ, err)
			}
		}
	}
	switch c.Database.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres")
	}
	if c.Resolver.MaxConcurrency < 0 || c.Resolver.BatchSize < 0 {
		return fmt.Errorf("resolver limits must not be negative")
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("archive.bucket is required when archive is enabled")
	}
	return nil
}

// InvalidStatuses returns the configured invalid story statuses or the built-in set.
func (c *Config) InvalidStatuses() []string {
	if c == nil || len(c.Screening.InvalidStatuses) == 0 {
		return Default().Screening.InvalidStatuses
	}
	return c.Screening.InvalidStatuses
}

// ResolverSettings fills unset resolver limits from the defaults.
func (c *Config) ResolverSettings() ResolverConfig {
	def := Default().Resolver
	if c == nil {
		return def
	}
	out := c.Resolver
	if out.MaxConcurrency == 0 {
		out.MaxConcurrency = def.MaxConcurrency
	}
	if out.BatchSize == 0 {
		out.BatchSize = def.BatchSize
	}
	if out.QueryTimeout == 0 {
		out.QueryTimeout = def.QueryTimeout
	}
	return out
}

// RequestTimeout returns the engine deadline applied to every proof request.
func (c *Config) RequestTimeout() time.Duration {
	if c == nil || c.Engine.RequestTimeout <= 0 {
		return Default().Engine.RequestTimeout
	}
	return c.Engine.RequestTimeout
}

// GrantedAccess returns the data-source capabilities of this session, or
// the built-in set when none are configured.
func (c *Config) GrantedAccess() []string {
	if c == nil || c.Session.Access == nil {
		return Default().Session.Access
	}
	return c.Session.Access
}

// Mappings returns the file path rules per component type.
func (c *Config) Mappings() map[string]string {
	if c == nil || len(c.FileMappings) == 0 {
		return Default().FileMappings
	}
	return c.FileMappings
}

const defaultTemplate = `project:
  id: deployproof

screening:
  invalid_statuses: [Cancelled, Rejected, Draft, Approval Failed]

validation:
  default_level: standard
  critical: [commit_exists, component_exists]
  levels:
    basic: [component_exists]
    standard: [commit_exists, component_exists, component_timestamp, file_mapping]
    high: [commit_exists, component_exists, component_timestamp, file_mapping, files_in_commit, copado_deployment_record, salesforce_deployment_record]
    maximum: [commit_exists, component_exists, component_timestamp, file_mapping, files_in_commit, copado_deployment_record, salesforce_deployment_record, commit_contents, metadata_content_match]
  validators:
    commit_exists:
      access: [vcs]
      failure_mode: critical
    files_in_commit:
      access: [vcs]
    component_exists:
      access: [metadata]
      failure_mode: critical
    component_timestamp:
      access: [vcs, metadata]
    copado_deployment_record:
      access: [copado]
    salesforce_deployment_record:
      access: [tooling]
    file_mapping:
      access: []
    commit_contents:
      access: [vcs]
      options:
        include_diff: true
        max_diff_lines: 40
        max_files: 10
        exclude_patterns: ['\.xml$', '(^|/)package\.json$']
    metadata_content_match:
      access: [tooling]

components:
  ApexClass:
    strategy: tooling
    object: ApexClass
    compare_field: Name
  ApexTrigger:
    strategy: tooling
    object: ApexTrigger
    compare_field: Name
  ApexPage:
    strategy: tooling
    object: ApexPage
    compare_field: Name
  CustomField:
    strategy: tooling
    object: CustomField
    compare_field: FullName
  Flow:
    strategy: tooling
    object: FlowDefinition
    compare_field: DeveloperName
  LightningComponentBundle:
    strategy: bundle
    object: LightningComponentBundle
    compare_field: DeveloperName
  AuraDefinitionBundle:
    strategy: bundle
    object: AuraDefinitionBundle
    compare_field: DeveloperName
  DataRaptor:
    strategy: standard
    object: vlocity_cmt__DRBundle__c
    compare_field: Name
    url_decode: true
  IntegrationProcedure:
    strategy: standard
    object: vlocity_cmt__OmniScript__c
    compare_field: vlocity_cmt__ProcedureKey__c
    url_decode: true
    remove: ['_[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$']
  OmniScript:
    strategy: standard
    object: vlocity_cmt__OmniScript__c
    compare_field: Name
    url_decode: true
    remove: ['_[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$']
  Product2:
    strategy: standard
    object: Product2
    compare_field: ProductCode
    url_decode: true
    extract: '\(([^()]+)\)\s*$'
  VlocityUITemplate:
    strategy: standard
    object: vlocity_cmt__VlocityUITemplate__c
    compare_field: Name
  PermissionSet:
    strategy: standard
    object: PermissionSet
    compare_field: Name

file_mappings:
  ApexClass: force-app/main/default/classes/{name}.cls
  ApexTrigger: force-app/main/default/triggers/{name}.trigger
  ApexPage: force-app/main/default/pages/{name}.page
  CustomField: force-app/main/default/objects/{object}/fields/{field}.field-meta.xml
  Flow: force-app/main/default/flows/{name}.flow-meta.xml
  LightningComponentBundle: force-app/main/default/lwc/{name}/
  AuraDefinitionBundle: force-app/main/default/aura/{name}/
  PermissionSet: force-app/main/default/permissionsets/{name}.permissionset-meta.xml
  DataRaptor: vlocity/DataRaptor/{name}/
  IntegrationProcedure: vlocity/IntegrationProcedure/{name}/
  OmniScript: vlocity/OmniScript/{name}/
  Product2: vlocity/Product2/{name}/
  VlocityUITemplate: vlocity/VlocityUITemplate/{name}/

resolver:
  max_concurrency: 4
  batch_size: 100
  query_timeout: 30s

vcs:
  base_url: https://api.bitbucket.org/2.0
  timeout: 20s
  cache_size: 512

session:
  access: [vcs, metadata, tooling, copado]

engine:
  request_timeout: 2m

database:
  driver: sqlite
`
