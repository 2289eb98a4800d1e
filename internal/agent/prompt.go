package agent

import (
	"fmt"
	"strings"
)

// PromptMode controls how much scaffolding BuildSystemPrompt adds around the
// agent's persona. Subagent and delegated runs get the minimal form: they
// already received their task in the user message and don't need the full
// tool/workspace orientation block repeated.
type PromptMode int

const (
	PromptFull PromptMode = iota
	PromptMinimal
)

// ContextFile is a static document injected verbatim into the system prompt,
// e.g. a persona file or operating notes for a named agent.
type ContextFile struct {
	Path    string
	Content string
}

// SystemPromptConfig is the input to BuildSystemPrompt.
type SystemPromptConfig struct {
	AgentID      string
	Model        string
	Workspace    string
	Channel      string
	OwnerIDs     []string
	Mode         PromptMode
	ToolNames    []string
	HasSpawn     bool
	ContextFiles []ContextFile
	ExtraPrompt  string // caller-supplied addition (e.g. delegation task context)
}

// BuildSystemPrompt assembles the system message sent on every turn: a
// persona/identity header, tool and workspace orientation (skipped in
// PromptMinimal mode), any static context files, and an optional
// caller-supplied addition appended last so it takes precedence.
func BuildSystemPrompt(cfg SystemPromptConfig) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are %s, an autonomous agent running on model %s.\n", cfg.AgentID, cfg.Model)

	if cfg.Mode == PromptFull {
		if cfg.Workspace != "" {
			fmt.Fprintf(&b, "Your working directory is %s. Prefer relative paths inside it.\n", cfg.Workspace)
		}
		if cfg.Channel != "" {
			fmt.Fprintf(&b, "This conversation arrived via the %q channel.\n", cfg.Channel)
		}
		if len(cfg.OwnerIDs) > 0 {
			fmt.Fprintf(&b, "Your owner(s): %s. Treat their instructions as authoritative.\n", strings.Join(cfg.OwnerIDs, ", "))
		}
		if len(cfg.ToolNames) > 0 {
			fmt.Fprintf(&b, "You have access to these tools: %s.\n", strings.Join(cfg.ToolNames, ", "))
		}
		if cfg.HasSpawn {
			b.WriteString("You may spawn subagents for bounded, independent subtasks via the spawn tool.\n")
		}
		b.WriteString("Respond with NO_REPLY (and nothing else) when no reply is warranted.\n")
	}

	for _, cf := range cfg.ContextFiles {
		fmt.Fprintf(&b, "\n--- %s ---\n%s\n", cf.Path, cf.Content)
	}

	if cfg.ExtraPrompt != "" {
		b.WriteString("\n")
		b.WriteString(cfg.ExtraPrompt)
	}

	return b.String()
}
