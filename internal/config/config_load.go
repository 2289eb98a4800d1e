package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const DefaultAgentID = "default"

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Workspace:              "~/.agentrun/workspace",
				RestrictToWorkspace:    true,
				Provider:               "anthropic",
				Model:                  "claude-sonnet-4-5-20250929",
				MaxTokens:              8192,
				Temperature:            0.7,
				MaxToolIterations:      20,
				ContextWindow:          200000,
				CompactionThreshold:    0.8,
				CompactionHardLimit:    0.98,
				Subagents: &SubagentsConfig{
					MaxConcurrent:       20,
					MaxSpawnDepth:       3,
					MaxChildrenPerAgent: 5,
					ArchiveAfterMinutes: 60,
				},
				Compaction: &CompactionConfig{
					ReserveTokensFloor: 20000,
					MaxHistoryShare:    0.8,
					AtLimitShare:       0.98,
				},
			},
		},
		Tools: ToolsConfig{
			ExecApproval: ExecApprovalCfg{
				Security: "full",
				Ask:      "off",
			},
		},
		Sessions: SessionsConfig{
			Storage: "~/.agentrun/sessions",
		},
		Database: DatabaseConfig{
			Mode:       "sqlite",
			SqlitePath: "~/.agentrun/agentrun.db",
		},
		Work: WorkConfig{
			QueueMode:            "poll",
			MaxConcurrentTasks:   5,
			PollingIntervalMs:    2000,
			MaxIterationsPerTask: 20,
			TurnTimeoutMs:        300000,
			HookTimeoutMs:        30000,
			CollectWindowMs:      500,
			MaxRetries:           3,
			VerifyTimeoutMs:      30000,
			VerifyKillGraceMs:    5000,
		},
	}
}

// Load reads config from a JSON file, then overlays env vars.
// The file format is plain JSON — settings-file parsing mechanics (JSON5,
// comments, includes) are an external collaborator's concern, not the
// runtime core's.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("AGENTRUN_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("AGENTRUN_ANTHROPIC_BASE_URL", &c.Providers.Anthropic.APIBase)
	envStr("AGENTRUN_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("AGENTRUN_OPENROUTER_API_KEY", &c.Providers.OpenRouter.APIKey)

	envStr("AGENTRUN_PROVIDER", &c.Agents.Defaults.Provider)
	envStr("AGENTRUN_MODEL", &c.Agents.Defaults.Model)
	envStr("AGENTRUN_WORKSPACE", &c.Agents.Defaults.Workspace)
	envStr("AGENTRUN_SESSIONS_STORAGE", &c.Sessions.Storage)

	envStr("AGENTRUN_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("AGENTRUN_DB_MODE", &c.Database.Mode)
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a SHA-256 hash of the config for optimistic concurrency.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// WorkspacePath returns the expanded workspace path.
func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Agents.Defaults.Workspace)
}

// ResolveAgent returns the effective config for a given agent ID,
// merging defaults with per-agent overrides.
func (c *Config) ResolveAgent(agentID string) AgentDefaults {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d := c.Agents.Defaults
	if spec, ok := c.Agents.List[agentID]; ok {
		if spec.Provider != "" {
			d.Provider = spec.Provider
		}
		if spec.Model != "" {
			d.Model = spec.Model
		}
		if spec.MaxTokens > 0 {
			d.MaxTokens = spec.MaxTokens
		}
		if spec.Temperature > 0 {
			d.Temperature = spec.Temperature
		}
		if spec.MaxToolIterations > 0 {
			d.MaxToolIterations = spec.MaxToolIterations
		}
		if spec.ContextWindow > 0 {
			d.ContextWindow = spec.ContextWindow
		}
		if spec.Workspace != "" {
			d.Workspace = spec.Workspace
		}
		if spec.AgentType != "" {
			d.AgentType = spec.AgentType
		}
	}

	return d
}

// ResolveDefaultAgentID returns the ID of the agent marked as default,
// or DefaultAgentID if none is explicitly marked.
func (c *Config) ResolveDefaultAgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for id, spec := range c.Agents.List {
		if spec.Default {
			return id
		}
	}
	return DefaultAgentID
}

// ResolveDisplayName returns the display name for an agent.
func (c *Config) ResolveDisplayName(agentID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if spec, ok := c.Agents.List[agentID]; ok && spec.DisplayName != "" {
		return spec.DisplayName
	}
	return agentID
}

// ApplyEnvOverrides re-applies environment variable overrides onto the config.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnvOverrides()
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
