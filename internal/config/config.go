package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"gateflow/internal/domain"
	"gateflow/internal/engine/auth"
)

// Config models gateflow.yml.
type Config struct {
	Roles struct {
		Admin         []string `yaml:"admin"`
		Manager       []string `yaml:"manager"`
		User          []string `yaml:"user"`
		AnyRoleIsUser bool     `yaml:"any_role_is_user"`
	} `yaml:"roles"`
	Timeouts struct {
		Start        time.Duration `yaml:"start"`
		Verification time.Duration `yaml:"verification"`
		Finalization time.Duration `yaml:"finalization"`
	} `yaml:"timeouts"`
	Features struct {
		ThreadCreation   bool `yaml:"thread_creation"`
		ChannelCreation  bool `yaml:"channel_creation"`
		RoleVerification bool `yaml:"role_verification"`
	} `yaml:"features"`
	Limits struct {
		Cooldown      time.Duration `yaml:"cooldown"`
		MaxConcurrent int           `yaml:"max_concurrent"`
	} `yaml:"limits"`
	Channels struct {
		Prefix            string        `yaml:"prefix"`
		CategoryID        string        `yaml:"category_id"`
		ThreadAutoArchive time.Duration `yaml:"thread_auto_archive"`
	} `yaml:"channels"`
	Workflow struct {
		Type          string        `yaml:"type"`
		Retention     time.Duration `yaml:"retention"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
	} `yaml:"workflow"`
}

const (
	// MinTimeout is the floor applied to every stage timeout.
	MinTimeout     = 60 * time.Second
	FileName       = "gateflow.yml"
	maxNameLength  = 100
	fallbackPrefix = "workflow-"
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with gf config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Normalize clamps out-of-range values to their floors and fills empty strings.
func (c *Config) Normalize() {
	for _, d := range []*time.Duration{&c.Timeouts.Start, &c.Timeouts.Verification, &c.Timeouts.Finalization} {
		if *d < MinTimeout {
			*d = MinTimeout
		}
	}
	if c.Limits.MaxConcurrent < 1 {
		c.Limits.MaxConcurrent = 1
	}
	if c.Limits.Cooldown < 0 {
		c.Limits.Cooldown = 0
	}
	if c.Channels.Prefix == "" {
		c.Channels.Prefix = fallbackPrefix
	}
	if c.Channels.ThreadAutoArchive <= 0 {
		c.Channels.ThreadAutoArchive = time.Hour
	}
	if c.Workflow.Type == "" {
		c.Workflow.Type = "general"
	}
	if c.Workflow.Retention <= 0 {
		c.Workflow.Retention = time.Hour
	}
	if c.Workflow.SweepInterval <= 0 {
		c.Workflow.SweepInterval = time.Second
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Roles.Admin)+len(c.Roles.Manager) == 0 {
		return fmt.Errorf("config.roles requires at least one admin or manager role")
	}
	seen := map[string]string{}
	for tier, names := range map[string][]string{
		domain.TierAdmin:   c.Roles.Admin,
		domain.TierManager: c.Roles.Manager,
		domain.TierUser:    c.Roles.User,
	} {
		for _, n := range names {
			if strings.TrimSpace(n) == "" {
				return fmt.Errorf("config.roles.%s has empty role name", tier)
			}
			if other, ok := seen[n]; ok && other != tier {
				return fmt.Errorf("role %q listed in both %s and %s tiers", n, other, tier)
			}
			seen[n] = tier
		}
	}
	if len(c.Channels.Prefix) > maxNameLength/2 {
		return fmt.Errorf("config.channels.prefix must be at most %d characters", maxNameLength/2)
	}
	if c.Workflow.Retention < c.Workflow.SweepInterval {
		return fmt.Errorf("config.workflow.retention must not be shorter than sweep_interval")
	}
	return nil
}

// Tiers returns the evaluator tiers configured for every guild.
func (c *Config) Tiers() auth.Tiers {
	return auth.Tiers{
		Admin:         append([]string(nil), c.Roles.Admin...),
		Manager:       append([]string(nil), c.Roles.Manager...),
		User:          append([]string(nil), c.Roles.User...),
		AnyRoleIsUser: c.Roles.AnyRoleIsUser,
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	cfg.Normalize()
	return &cfg
}

// FromYAML parses, normalizes and validates config from raw YAML bytes.
// Keys missing from data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	out := *c
	out.Roles.Admin = append([]string(nil), c.Roles.Admin...)
	out.Roles.Manager = append([]string(nil), c.Roles.Manager...)
	out.Roles.User = append([]string(nil), c.Roles.User...)
	return &out
}

const defaultTemplate = `roles:
  admin: ["Workflow Admin", "Admin", "Administrator", "Owner"]
  manager: ["Workflow Manager", "Manager", "Moderator", "Staff", "Mod"]
  user: ["Workflow User", "Member", "Verified", "User"]
  any_role_is_user: false

timeouts:
  start: 300s
  verification: 600s
  finalization: 300s

features:
  thread_creation: true
  channel_creation: true
  role_verification: true

limits:
  cooldown: 30s
  max_concurrent: 10

channels:
  prefix: "workflow-"
  category_id: ""
  thread_auto_archive: 60m

workflow:
  type: general
  retention: 1h
  sweep_interval: 1s
`
