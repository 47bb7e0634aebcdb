// ABOUTME: Process configuration: data dir, listen address, and per-workspace pipeline settings.
// ABOUTME: Loaded once at startup from YAML, with environment variables taking precedence.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/2389-research/growpad/pipeline"
)

// GuardrailsConfig is the YAML shape of a workspace's guardrails.
// Unset fields fall back to the pipeline defaults.
type GuardrailsConfig struct {
	MaxRetries     *int     `yaml:"max_retries"`
	Mode           string   `yaml:"mode"`
	ForbiddenPaths []string `yaml:"forbidden_paths"`
}

// WorkspaceConfig describes one team workspace runs belong to.
type WorkspaceConfig struct {
	ID              string           `yaml:"id"`
	TeamName        string           `yaml:"team_name"`
	RepoURL         string           `yaml:"repo_url"`
	Branch          string           `yaml:"branch"`
	RepoDir         string           `yaml:"repo_dir"`
	ApprovalEnabled bool             `yaml:"approval_enabled"`
	Approvers       []string         `yaml:"approvers"`
	VerifyCommand   string           `yaml:"verify_command"`
	Guardrails      GuardrailsConfig `yaml:"guardrails"`
}

// Config is the top-level process configuration.
type Config struct {
	DataDir    string            `yaml:"data_dir"`
	Listen     string            `yaml:"listen"`
	Workspaces []WorkspaceConfig `yaml:"workspaces"`
}

// Load reads configuration from path (optional), then applies environment
// overrides GROWPAD_DATA_DIR and GROWPAD_LISTEN. A missing file is fine when
// path is empty; a named file that cannot be read is an error.
func Load(path string) (*Config, error) {
	cfg := &Config{
		DataDir: "data",
		Listen:  ":8484",
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	if v := os.Getenv("GROWPAD_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("GROWPAD_LISTEN"); v != "" {
		cfg.Listen = v
	}

	if len(cfg.Workspaces) == 0 {
		cfg.Workspaces = []WorkspaceConfig{{ID: "default", TeamName: "default"}}
	}

	for i := range cfg.Workspaces {
		if cfg.Workspaces[i].ID == "" {
			return nil, fmt.Errorf("workspace %d has no id", i)
		}
		if err := validateMode(cfg.Workspaces[i].Guardrails.Mode); err != nil {
			return nil, fmt.Errorf("workspace %q: %w", cfg.Workspaces[i].ID, err)
		}
	}
	return cfg, nil
}

func validateMode(mode string) error {
	switch pipeline.GuardrailMode(mode) {
	case "", pipeline.ModeReadOnly, pipeline.ModePR:
		return nil
	default:
		return fmt.Errorf("unknown guardrail mode %q", mode)
	}
}

// Workspace returns the workspace with the given ID. An empty ID selects the
// first configured workspace.
func (c *Config) Workspace(id string) (*WorkspaceConfig, bool) {
	if id == "" {
		return &c.Workspaces[0], true
	}
	for i := range c.Workspaces {
		if c.Workspaces[i].ID == id {
			return &c.Workspaces[i], true
		}
	}
	return nil, false
}

// PipelineGuardrails converts the YAML guardrails into the run-time form,
// filling unset fields from the pipeline defaults.
func (w *WorkspaceConfig) PipelineGuardrails() pipeline.Guardrails {
	g := pipeline.DefaultGuardrails()
	if w.Guardrails.MaxRetries != nil {
		g.MaxRetries = *w.Guardrails.MaxRetries
	}
	if w.Guardrails.Mode != "" {
		g.Mode = pipeline.GuardrailMode(w.Guardrails.Mode)
	}
	if w.Guardrails.ForbiddenPaths != nil {
		g.ForbiddenPaths = w.Guardrails.ForbiddenPaths
	}
	return g
}
