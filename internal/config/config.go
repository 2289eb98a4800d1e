// Package config defines the root configuration for the agent runtime.
package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the agent runtime.
type Config struct {
	Agents    AgentsConfig    `json:"agents"`
	Providers ProvidersConfig `json:"providers"`
	Tools     ToolsConfig     `json:"tools"`
	Sessions  SessionsConfig  `json:"sessions"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Work      WorkConfig      `json:"work,omitempty"`
	mu        sync.RWMutex
}

// DatabaseConfig configures the durable store backend.
// PostgresDSN is NEVER read from the config file (secret) — only from env AGENTRUN_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`              // from env AGENTRUN_POSTGRES_DSN only
	Mode        string `json:"mode,omitempty"` // "sqlite" (default) or "postgres"
	SqlitePath  string `json:"sqlite_path,omitempty"`
}

// IsPostgres returns true if the runtime should use the Postgres store backend.
func (c *Config) IsPostgres() bool {
	return c.Database.Mode == "postgres" && c.Database.PostgresDSN != ""
}

// AgentsConfig contains agent defaults and per-agent overrides.
type AgentsConfig struct {
	Defaults AgentDefaults        `json:"defaults"`
	List     map[string]AgentSpec `json:"list,omitempty"`
}

// AgentDefaults are default settings for all agents.
type AgentDefaults struct {
	Workspace              string           `json:"workspace"`
	RestrictToWorkspace    bool             `json:"restrict_to_workspace"`
	Provider               string           `json:"provider"`
	Model                  string           `json:"model"`
	MaxTokens              int              `json:"max_tokens"`
	Temperature            float64          `json:"temperature"`
	MaxToolIterations      int              `json:"max_tool_iterations"`
	ContextWindow          int              `json:"context_window"`
	EffectiveContextWindow int              `json:"effective_context_window,omitempty"` // not read by the agent loop
	CompactionThreshold    float64          `json:"compaction_threshold,omitempty"`      // not read; the trigger is Compaction.MaxHistoryShare (default 0.8)
	CompactionHardLimit    float64          `json:"compaction_hard_limit,omitempty"`     // not read; the hard stop is Compaction.AtLimitShare (default 0.98)
	AgentType              string           `json:"agent_type,omitempty"`                // "open" (default) or "predefined"
	Subagents              *SubagentsConfig `json:"subagents,omitempty"`
	Compaction             *CompactionConfig `json:"compaction,omitempty"`
	ContextPruning         *ContextPruningConfig `json:"contextPruning,omitempty"`
}

// CompactionConfig configures session compaction behaviour. Compaction
// triggers when estimated history tokens U exceed contextWindow*MaxHistoryShare
// (W*T); if U instead reaches contextWindow*AtLimitShare before a compaction
// completes, the loop hard-stops the turn rather than sending an
// over-budget request to the provider.
type CompactionConfig struct {
	ReserveTokensFloor int     `json:"reserveTokensFloor,omitempty"` // min reserve tokens (default 20000)
	MaxHistoryShare    float64 `json:"maxHistoryShare,omitempty"`    // trigger threshold T (default 0.8)
	AtLimitShare       float64 `json:"atLimitShare,omitempty"`       // hard-stop threshold (default 0.98)
}

// ContextPruningConfig controls in-memory trimming of old tool results before
// they're sent to the provider, independent of compaction (which rewrites the
// durable session history). Pruning only affects what's sent on this call.
type ContextPruningConfig struct {
	Enabled          bool `json:"enabled,omitempty"`
	MaxToolResultAge int  `json:"maxToolResultAge,omitempty"` // messages-ago beyond which a tool result is truncated
	MaxToolResultLen int  `json:"maxToolResultLen,omitempty"` // chars a pruned tool result is truncated to (default 500)
}

// SubagentsConfig configures the subagent system.
// All fields optional — zero values mean "use default".
type SubagentsConfig struct {
	MaxConcurrent       int    `json:"maxConcurrent,omitempty"`       // default 8
	MaxSpawnDepth       int    `json:"maxSpawnDepth,omitempty"`       // default 3, range 1-5
	MaxChildrenPerAgent int    `json:"maxChildrenPerAgent,omitempty"` // default 5, range 1-20
	ArchiveAfterMinutes int    `json:"archiveAfterMinutes,omitempty"` // default 60
	Model               string `json:"model,omitempty"`               // model override for subagents
}

// AgentSpec is the per-agent configuration override.
// All fields optional — zero values mean "inherit from defaults".
type AgentSpec struct {
	DisplayName       string                     `json:"displayName,omitempty"`
	Provider          string                     `json:"provider,omitempty"`
	Model             string                     `json:"model,omitempty"`
	MaxTokens         int                        `json:"max_tokens,omitempty"`
	Temperature       float64                    `json:"temperature,omitempty"`
	MaxToolIterations int                        `json:"max_tool_iterations,omitempty"`
	ContextWindow     int                        `json:"context_window,omitempty"`
	AgentType         string                     `json:"agent_type,omitempty"` // "open" or "predefined"
	Tools             *ToolPolicySpec            `json:"tools,omitempty"`      // per-agent tool policy
	Workspace         string                     `json:"workspace,omitempty"`
	Default           bool                       `json:"default,omitempty"`
	Delegates         map[string]DelegateLinkSpec `json:"delegates,omitempty"` // target agent key -> link config
}

// DelegateLinkSpec authorizes this agent to delegate to a named target agent.
// Presence of an entry is the authorization; MaxConcurrent caps in-flight
// delegated runs to that target from this source.
type DelegateLinkSpec struct {
	MaxConcurrent int `json:"max_concurrent,omitempty"` // 0 = use the delegate manager's default
}

// ProvidersConfig maps provider name to its config.
type ProvidersConfig struct {
	Anthropic  ProviderConfig `json:"anthropic"`
	OpenAI     ProviderConfig `json:"openai"`
	OpenRouter ProviderConfig `json:"openrouter"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key"`
	APIBase string `json:"api_base,omitempty"`
}

// HasAnyProvider returns true if at least one provider has an API key configured.
func (c *Config) HasAnyProvider() bool {
	p := c.Providers
	return p.Anthropic.APIKey != "" || p.OpenAI.APIKey != "" || p.OpenRouter.APIKey != ""
}

// ToolsConfig controls tool availability and policy.
type ToolsConfig struct {
	Profile          string                     `json:"profile,omitempty"`             // global profile: "minimal", "coding", "full"
	Allow            []string                   `json:"allow,omitempty"`                // global allow list (tool names or "group:xxx")
	Deny             []string                   `json:"deny,omitempty"`                // global deny list
	AlsoAllow        []string                   `json:"alsoAllow,omitempty"`            // additive: adds without removing existing
	ByProvider       map[string]*ToolPolicySpec `json:"byProvider,omitempty"`           // per-provider overrides
	ExecApproval     ExecApprovalCfg            `json:"execApproval,omitempty"`         // exec command approval settings
	RateLimitPerHour int                        `json:"rate_limit_per_hour,omitempty"`  // max tool executions per hour per session (0 = disabled)
	ScrubCredentials *bool                      `json:"scrub_credentials,omitempty"`    // auto-redact API keys/tokens in tool output (default true)
}

// ExecApprovalCfg configures command execution approval.
type ExecApprovalCfg struct {
	Security  string   `json:"security,omitempty"`  // "deny", "allowlist", "full" (default "full")
	Ask       string   `json:"ask,omitempty"`       // "off", "on-miss", "always" (default "off")
	Allowlist []string `json:"allowlist,omitempty"` // glob patterns for allowed commands
}

// ToolPolicySpec defines a tool policy at any level (global, per-agent, per-provider).
type ToolPolicySpec struct {
	Profile    string                     `json:"profile,omitempty"`
	Allow      []string                   `json:"allow,omitempty"`
	Deny       []string                   `json:"deny,omitempty"`
	AlsoAllow  []string                   `json:"alsoAllow,omitempty"`
	ByProvider map[string]*ToolPolicySpec `json:"byProvider,omitempty"`
}

// SessionsConfig controls session storage behavior.
type SessionsConfig struct {
	Storage string `json:"storage"` // directory for session files, or sqlite DSN
	Scope   string `json:"scope,omitempty"`
}

// WorkConfig controls the Work Loop (C9) and its cron collaborator.
type WorkConfig struct {
	QueueMode              string `json:"queue_mode,omitempty"`                 // not read; the Work Loop always polls
	MaxConcurrentTasks     int    `json:"max_concurrent_tasks,omitempty"`       // default 5
	PollingIntervalMs      int    `json:"polling_interval_ms,omitempty"`        // default 2000
	BudgetMaxTasksPerHour  int    `json:"budget_max_tasks_per_hour,omitempty"`  // default 0 (disabled)
	MaxIterationsPerTask   int    `json:"max_iterations_per_task,omitempty"`    // default 20; not read: a task runs under its agent's MaxToolIterations
	TurnTimeoutMs          int    `json:"turn_timeout_ms,omitempty"`            // default 300000
	HookTimeoutMs          int    `json:"hook_timeout_ms,omitempty"`            // default 30000
	CollectWindowMs        int    `json:"collect_window_ms,omitempty"`          // default 500
	HeartbeatIntervalMs    int    `json:"heartbeat_interval_ms,omitempty"`      // default 0 (disabled)
	HeartbeatEnabled       bool   `json:"heartbeat_enabled,omitempty"`
	MaxRetries             int    `json:"max_retries,omitempty"` // default 3
	VerifyCommand          string `json:"verify_command,omitempty"`
	VerifyTimeoutMs        int    `json:"verify_timeout_ms,omitempty"`      // default 30000
	VerifyKillGraceMs      int    `json:"verify_kill_grace_ms,omitempty"`   // default 5000

	Schedules []ScheduleSpec `json:"schedules,omitempty"`
}

// ScheduleSpec declaratively configures one Schedule entry for the Work
// Loop's cron collaborator: when due, it creates a pending task from the
// Subject/Description/Agent/VerifyCommand fields.
type ScheduleSpec struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`       // "cron", "every", or "at"
	Expression    string `json:"expression"` // cron expr, Go duration, or RFC3339 timestamp
	Enabled       bool   `json:"enabled"`
	Subject       string `json:"subject"`
	Description   string `json:"description,omitempty"`
	Agent         string `json:"agent,omitempty"`
	VerifyCommand string `json:"verify_command,omitempty"`
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agents = src.Agents
	c.Providers = src.Providers
	c.Tools = src.Tools
	c.Sessions = src.Sessions
	c.Database = src.Database
	c.Work = src.Work
}
