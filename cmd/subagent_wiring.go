package cmd

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentrun/internal/agent"
	"github.com/nextlevelbuilder/agentrun/internal/bus"
	"github.com/nextlevelbuilder/agentrun/internal/config"
	"github.com/nextlevelbuilder/agentrun/internal/providers"
	"github.com/nextlevelbuilder/agentrun/internal/store"
	"github.com/nextlevelbuilder/agentrun/internal/tools"
)

// newSubagentLoopRunner builds the SubagentLoopRunner that backs
// SubagentManager: every call constructs a fresh nested *agent.Loop, scoped
// to the task's restricted tool whitelist, and drives one Run to completion
// (or the context deadline SubagentManager races it against). This is the
// concrete AgentRegistry.spawnSubagent -> AgenticLoop.run mechanism the
// subagent package is written against.
func newSubagentLoopRunner(
	provider providers.Provider,
	workspace string,
	restrict bool,
	sessionStore store.SessionStore,
	msgBus *bus.Bus,
	defaults config.AgentDefaults,
) tools.SubagentLoopRunner {
	return func(ctx context.Context, task string, loopCfg tools.SubagentLoopConfig) (*tools.SubagentLoopResult, error) {
		subRegistry := buildToolRegistry(msgBus, workspace, restrict)
		subRegistry.SetWhitelist(loopCfg.AllowedTools)

		onEvent := func(ev agent.AgentEvent) {
			if loopCfg.OnStream == nil {
				return
			}
			payload, ok := ev.Payload.(map[string]string)
			if !ok {
				return
			}
			switch ev.Type {
			case agent.EventChatChunk:
				loopCfg.OnStream("content", payload["content"])
			case agent.EventChatThinking:
				loopCfg.OnStream("thinking", payload["content"])
			}
		}

		nested := agent.NewLoop(agent.LoopConfig{
			ID:                "subagent",
			Provider:          provider,
			Model:             loopCfg.Model,
			MaxIterations:     loopCfg.MaxIterations,
			Workspace:         workspace,
			Bus:               msgBus,
			Sessions:          sessionStore,
			Tools:             subRegistry,
			CompactionCfg:     defaults.Compaction,
			ContextPruningCfg: defaults.ContextPruning,
			OnEvent:           onEvent,
		})
		// NewLoop widens the whitelist to every registered tool when no
		// ToolPolicy is given; re-narrow it to the subagent's allowed set.
		subRegistry.SetWhitelist(loopCfg.AllowedTools)

		sessionKey := loopCfg.ResumeSession
		if sessionKey == "" {
			sessionKey = fmt.Sprintf("subagent:%s", uuid.NewString())
		}

		result, err := nested.Run(ctx, agent.RunRequest{
			SessionKey:        sessionKey,
			Message:           task,
			Channel:           "subagent",
			ChatID:            sessionKey,
			PeerKind:          "direct",
			RunID:             uuid.NewString(),
			ExtraSystemPrompt: loopCfg.SystemPrompt,
			Minimal:           true,
			Stream:            loopCfg.OnStream != nil,
		})
		if err != nil {
			return nil, err
		}

		return &tools.SubagentLoopResult{
			Content:    result.Content,
			Iterations: result.Iterations,
			SessionKey: sessionKey,
		}, nil
	}
}

// wireSubagents attaches sessions_spawn/subagents to toolRegistry, backed by
// a SubagentManager whose nested runs go through newSubagentLoopRunner.
func wireSubagents(
	toolRegistry *tools.Registry,
	provider providers.Provider,
	workspace string,
	restrict bool,
	sessionStore store.SessionStore,
	msgBus *bus.Bus,
	defaults config.AgentDefaults,
	model string,
) *tools.SubagentManager {
	runner := newSubagentLoopRunner(provider, workspace, restrict, sessionStore, msgBus, defaults)

	createTools := func() *tools.Registry {
		return buildToolRegistry(msgBus, workspace, restrict)
	}

	subCfg := tools.DefaultSubagentConfig()
	if s := defaults.Subagents; s != nil {
		if s.MaxConcurrent > 0 {
			subCfg.MaxConcurrent = s.MaxConcurrent
		}
		if s.MaxSpawnDepth > 0 {
			subCfg.MaxSpawnDepth = s.MaxSpawnDepth
		}
		if s.MaxChildrenPerAgent > 0 {
			subCfg.MaxChildrenPerAgent = s.MaxChildrenPerAgent
		}
		if s.ArchiveAfterMinutes > 0 {
			subCfg.ArchiveAfterMinutes = s.ArchiveAfterMinutes
		}
		if s.Model != "" {
			subCfg.Model = s.Model
		}
	}

	manager := tools.NewSubagentManager(runner, createTools, model, msgBus, subCfg)

	toolRegistry.Register(tools.NewSessionsSpawnTool(manager))
	toolRegistry.Register(tools.NewSubagentsStatusTool(manager))

	return manager
}
