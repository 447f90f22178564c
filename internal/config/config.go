package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"codeforge/internal/domain"
)

// Config models codeforge.yml.
type Config struct {
	Workspace struct {
		ID string `yaml:"id"`
	} `yaml:"workspace"`
	Ingestion struct {
		WorkDir             string   `yaml:"work_dir"`
		CloneTimeoutMinutes int      `yaml:"clone_timeout_minutes"`
		PullTimeoutMinutes  int      `yaml:"pull_timeout_minutes"`
		MaxFileSizeBytes    int64    `yaml:"max_file_size_bytes"`
		Exclude             []string `yaml:"exclude"`
	} `yaml:"ingestion"`
	Transformations struct {
		OversightDefaults map[string]string `yaml:"oversight_defaults"`
		AllowAutonomous   bool              `yaml:"allow_autonomous"`
	} `yaml:"transformations"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate with cf config init", path)
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Workspace.ID == "" {
		return fmt.Errorf("config.workspace.id is required")
	}
	if c.Ingestion.WorkDir == "" {
		return fmt.Errorf("config.ingestion.work_dir is required")
	}
	if c.Ingestion.CloneTimeoutMinutes <= 0 {
		return fmt.Errorf("config.ingestion.clone_timeout_minutes must be positive")
	}
	if c.Ingestion.PullTimeoutMinutes <= 0 {
		return fmt.Errorf("config.ingestion.pull_timeout_minutes must be positive")
	}
	if c.Ingestion.PullTimeoutMinutes > c.Ingestion.CloneTimeoutMinutes {
		return fmt.Errorf("config.ingestion.pull_timeout_minutes must not exceed clone_timeout_minutes")
	}
	if c.Ingestion.MaxFileSizeBytes <= 0 {
		return fmt.Errorf("config.ingestion.max_file_size_bytes must be positive")
	}
	for typ, level := range c.Transformations.OversightDefaults {
		if !domain.TransformationType(typ).Valid() {
			return fmt.Errorf("oversight default for unknown transformation type %s", typ)
		}
		if !domain.OversightLevel(level).Valid() {
			return fmt.Errorf("oversight default %s for type %s is not a valid level", level, typ)
		}
	}
	return nil
}

// CloneTimeout returns the clone timeout as a duration.
func (c *Config) CloneTimeout() time.Duration {
	return time.Duration(c.Ingestion.CloneTimeoutMinutes) * time.Minute
}

// PullTimeout returns the pull timeout as a duration.
func (c *Config) PullTimeout() time.Duration {
	return time.Duration(c.Ingestion.PullTimeoutMinutes) * time.Minute
}

// OversightFor returns the configured default oversight level for a
// transformation type, falling back to review.
func (c *Config) OversightFor(t domain.TransformationType) domain.OversightLevel {
	if level, ok := c.Transformations.OversightDefaults[string(t)]; ok {
		return domain.OversightLevel(level)
	}
	return domain.OversightReview
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "codeforge.yml")
}

// Default returns the default Config struct for a workspace.
func Default(workspaceID string) *Config {
	var cfg Config
	cfg.Workspace.ID = workspaceID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, workspaceID))).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(workspaceID string) string {
	return fmt.Sprintf(defaultTemplate, workspaceID)
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

const defaultTemplate = `workspace:
  id: %s

ingestion:
  work_dir: .codeforge/repos
  clone_timeout_minutes: 10
  pull_timeout_minutes: 3
  max_file_size_bytes: 1048576
  exclude: []

transformations:
  allow_autonomous: true
  oversight_defaults:
    refactor: review
    migrate: review
    consolidate: review
    security_fix: collaborate
    dependency_update: notify
    dead_code_removal: review
    infrastructure: manual
`
