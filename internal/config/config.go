package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"planline/internal/domain"
	"planline/internal/plan"
)

// Config models planline.yml.
type Config struct {
	Plan struct {
		ID       string `yaml:"id"`
		Strategy string `yaml:"strategy"`
	} `yaml:"plan"`
	Rules    domain.Rules    `yaml:"rules"`
	Seed     SeedConfig      `yaml:"seed"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type SeedConfig struct {
	Milestones  int   `yaml:"milestones"`
	SpacingDays int   `yaml:"spacing_days"`
	Optional    []int `yaml:"optional"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with pl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Plan.ID == "" {
		return fmt.Errorf("config.plan.id is required")
	}
	if _, err := domain.ParseStrategy(c.Plan.Strategy); err != nil {
		return fmt.Errorf("config.plan.strategy: %w", err)
	}
	if c.Rules.MilestoneUnlocked == nil {
		return fmt.Errorf("config.rules.milestone_unlocked is required")
	}
	if c.Seed.Milestones < 1 {
		return fmt.Errorf("config.seed.milestones must be at least 1")
	}
	if c.Seed.SpacingDays < 1 {
		return fmt.Errorf("config.seed.spacing_days must be at least 1")
	}
	for _, n := range c.Seed.Optional {
		if n < 1 || n > c.Seed.Milestones {
			return fmt.Errorf("config.seed.optional references milestone %d outside 1..%d", n, c.Seed.Milestones)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Strategy returns the configured default strategy.
func (c *Config) Strategy() domain.Strategy {
	s, err := domain.ParseStrategy(c.Plan.Strategy)
	if err != nil {
		return domain.DefaultStrategy
	}
	return s
}

// Fixture returns the seed used by init and reset.
func (c *Config) Fixture() plan.Fixture {
	return plan.Fixture{
		Count:       c.Seed.Milestones,
		SpacingDays: c.Seed.SpacingDays,
		Optional:    append([]int(nil), c.Seed.Optional...),
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "planline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(planID string) string {
	return fmt.Sprintf(defaultTemplate, planID)
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

// Default returns the default Config struct for a plan.
func Default(planID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(planID))).Decode(&cfg)
	return &cfg
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

// RulesFromYAML parses a standalone rules document, as used by
// pl rules import. Unlike FromYAML it does not require milestone_unlocked.
func RulesFromYAML(data []byte) (domain.Rules, error) {
	var rules domain.Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return domain.Rules{}, fmt.Errorf("invalid rules yaml: %w", err)
	}
	return rules, nil
}

// RulesYAML renders rules the way planline.yml spells them.
func RulesYAML(rules domain.Rules) ([]byte, error) {
	return yaml.Marshal(rules)
}

const defaultTemplate = `plan:
  id: %s
  strategy: by_completion_only

rules:
  plan_status:
    enabled: true
  milestone_unlocked:
    enabled: true
    days: 3
    apply_to_chapters: true
    apply_to_sessions: false
    ignore_optional: true
    furthest_only: true
  session_reminder:
    enabled: true
    days: 2

seed:
  milestones: 5
  spacing_days: 7
  optional: [2]

webhooks: []
`
