package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentrun/internal/agent"
	"github.com/nextlevelbuilder/agentrun/internal/bus"
	"github.com/nextlevelbuilder/agentrun/internal/config"
	"github.com/nextlevelbuilder/agentrun/internal/tools"
)

func runCmd() *cobra.Command {
	var agentKey string
	var sessionKey string
	var stream bool

	cmd := &cobra.Command{
		Use:   "run <message>",
		Short: "Run a single message through an agent and print the response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(agentKey, sessionKey, args[0], stream)
		},
	}

	cmd.Flags().StringVar(&agentKey, "agent", config.DefaultAgentID, "agent key from the agents.list config section")
	cmd.Flags().StringVar(&sessionKey, "session", "", "session key (default: agent's shared main session)")
	cmd.Flags().BoolVar(&stream, "stream", false, "stream response chunks to stdout as they arrive")

	return cmd
}

func runOnce(agentKey, sessionKey, message string, stream bool) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var onEvent func(agent.AgentEvent)
	if stream {
		onEvent = func(ev agent.AgentEvent) {
			if ev.Type != agent.EventChatChunk {
				return
			}
			if payload, ok := ev.Payload.(map[string]string); ok {
				fmt.Print(payload["content"])
			}
		}
	}

	_, loop, err := buildAgentLoop(cfg, agentKey, nil, onEvent)
	if err != nil {
		return err
	}

	if sessionKey == "" {
		sessionKey = fmt.Sprintf("agent:%s:cli", agentKey)
	}

	result, err := loop.Run(context.Background(), agent.RunRequest{
		SessionKey: sessionKey,
		Message:    message,
		Channel:    "cli",
		ChatID:     "cli",
		PeerKind:   "direct",
		RunID:      uuid.NewString(),
		Stream:     stream,
	})
	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}

	if !stream {
		fmt.Println(result.Content)
	} else {
		fmt.Println()
	}
	return nil
}

// buildAgentLoop constructs a fully-wired *agent.Loop for the named agent
// key, layering its config.AgentSpec override on top of cfg.Agents.Defaults.
// registry is optional: pass a non-nil *agent.Registry to enable delegation.
// The subagent tools are wired here via wireSubagents. onEvent is optional:
// pass nil to run silently.
func buildAgentLoop(cfg *config.Config, agentKey string, registry *agent.Registry, onEvent func(agent.AgentEvent)) (config.AgentSpec, *agent.Loop, error) {
	defaults := cfg.Agents.Defaults
	spec := cfg.Agents.List[agentKey]

	provider := firstNonEmpty(spec.Provider, defaults.Provider)
	model := firstNonEmpty(spec.Model, defaults.Model)
	workspace := firstNonEmpty(spec.Workspace, defaults.Workspace)
	workspace = expandHome(workspace)
	contextWindow := firstNonZero(spec.ContextWindow, defaults.ContextWindow)
	maxIterations := firstNonZero(spec.MaxToolIterations, defaults.MaxToolIterations)

	p, err := buildProvider(cfg, provider)
	if err != nil {
		return spec, nil, err
	}

	msgBus := bus.New()
	sessionStore := buildSessionStore(cfg)
	toolRegistry := buildToolRegistry(msgBus, workspace, defaults.RestrictToWorkspace)
	wireSubagents(toolRegistry, p, workspace, defaults.RestrictToWorkspace, sessionStore, msgBus, defaults, model)
	policy := tools.NewPolicyEngine(&cfg.Tools)

	loop := agent.NewLoop(agent.LoopConfig{
		ID:                agentKey,
		Provider:          p,
		Model:             model,
		ContextWindow:     contextWindow,
		MaxIterations:     maxIterations,
		Workspace:         workspace,
		Bus:               msgBus,
		Sessions:          sessionStore,
		Tools:             toolRegistry,
		ToolPolicy:        policy,
		AgentToolPolicy:   spec.Tools,
		CompactionCfg:     defaults.Compaction,
		ContextPruningCfg: defaults.ContextPruning,
		OnEvent:           onEvent,
	})

	if registry != nil {
		registry.Add(agentKey, spec, loop)
	}

	return spec, loop, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonZero(vals ...int) int {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}

func expandHome(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err == nil {
			return home + path[1:]
		}
	}
	return path
}
