package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const totalBudget = 100

// Config models agora.yml.
type Config struct {
	Marketplace struct {
		// DeadlineWindow is how long contracts stay open for submissions,
		// offset from goal-creation time.
		DeadlineWindow time.Duration  `yaml:"deadline_window"`
		Contracts      []ContractSpec `yaml:"contracts"`
	} `yaml:"marketplace"`
	Judge struct {
		Policy string `yaml:"policy"` // scorer or llm
		Model  string `yaml:"model"`
	} `yaml:"judge"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// ContractSpec is one slot in the fixed contract set created per goal.
type ContractSpec struct {
	Type   string `yaml:"type"`
	Title  string `yaml:"title"`
	Budget int    `yaml:"budget"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

var validContractTypes = map[string]bool{
	"IMAGE":    true,
	"TEXT":     true,
	"RESEARCH": true,
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Marketplace.DeadlineWindow <= 0 {
		return fmt.Errorf("marketplace.deadline_window must be positive")
	}
	if len(c.Marketplace.Contracts) == 0 {
		return fmt.Errorf("marketplace.contracts must define at least one contract")
	}
	budget := 0
	for i, spec := range c.Marketplace.Contracts {
		if !validContractTypes[spec.Type] {
			return fmt.Errorf("marketplace.contracts[%d] has unknown type %q", i, spec.Type)
		}
		if spec.Title == "" {
			return fmt.Errorf("marketplace.contracts[%d] is missing a title", i)
		}
		if spec.Budget < 0 {
			return fmt.Errorf("marketplace.contracts[%d] has negative budget", i)
		}
		budget += spec.Budget
	}
	if budget > totalBudget {
		return fmt.Errorf("contract budgets sum to %d, exceeding the %d-credit pool", budget, totalBudget)
	}
	switch c.Judge.Policy {
	case "", "scorer", "llm":
	default:
		return fmt.Errorf("judge.policy must be scorer or llm, got %q", c.Judge.Policy)
	}
	if c.Judge.Policy == "llm" && c.Judge.Model == "" {
		return fmt.Errorf("judge.model is required when judge.policy is llm")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "agora.yml")
}

// Load reads config from the workspace, falling back to defaults when the
// file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
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
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template invalid: %v", err))
	}
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

// GenerateDefault returns the default config YAML for agora.yml.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `marketplace:
  deadline_window: 2m
  contracts:
    - type: IMAGE
      title: "Generate a visual asset"
      budget: 60
    - type: TEXT
      title: "Write the copy"
      budget: 40

judge:
  policy: scorer

server:
  addr: ":8080"
  base_path: /v0
`
