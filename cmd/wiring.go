package cmd

import (
	"fmt"

	"github.com/nextlevelbuilder/agentrun/internal/bus"
	"github.com/nextlevelbuilder/agentrun/internal/config"
	"github.com/nextlevelbuilder/agentrun/internal/providers"
	"github.com/nextlevelbuilder/agentrun/internal/sessions"
	"github.com/nextlevelbuilder/agentrun/internal/store"
	storefile "github.com/nextlevelbuilder/agentrun/internal/store/file"
	_ "github.com/nextlevelbuilder/agentrun/internal/store/sqlite" // registers the embedded sqlite task store opener
	"github.com/nextlevelbuilder/agentrun/internal/tools"
)

// buildProvider constructs the LLM provider named by providerName from cfg.
func buildProvider(cfg *config.Config, providerName string) (providers.Provider, error) {
	switch providerName {
	case "", "anthropic":
		pc := cfg.Providers.Anthropic
		if pc.APIKey == "" {
			return nil, fmt.Errorf("anthropic provider selected but AGENTRUN_ANTHROPIC_API_KEY is not set")
		}
		var opts []providers.AnthropicOption
		if pc.APIBase != "" {
			opts = append(opts, providers.WithAnthropicBaseURL(pc.APIBase))
		}
		return providers.NewAnthropicProvider(pc.APIKey, opts...), nil
	case "openai":
		pc := cfg.Providers.OpenAI
		if pc.APIKey == "" {
			return nil, fmt.Errorf("openai provider selected but AGENTRUN_OPENAI_API_KEY is not set")
		}
		return providers.NewOpenAIProvider("openai", pc.APIKey, pc.APIBase, cfg.Agents.Defaults.Model), nil
	case "openrouter":
		pc := cfg.Providers.OpenRouter
		if pc.APIKey == "" {
			return nil, fmt.Errorf("openrouter provider selected but AGENTRUN_OPENROUTER_API_KEY is not set")
		}
		apiBase := pc.APIBase
		if apiBase == "" {
			apiBase = "https://openrouter.ai/api/v1"
		}
		return providers.NewOpenAIProvider("openrouter", pc.APIKey, apiBase, cfg.Agents.Defaults.Model), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", providerName)
	}
}

// buildToolRegistry registers the core, non-networked-channel tool set: file
// reads and shell exec scoped to workspace, web fetch/search, and session
// introspection. Callers that want sessions_spawn/subagents wired in on top
// of this call wireSubagents; delegation similarly needs a DelegateManager
// set up by the caller.
func buildToolRegistry(msgBus *bus.Bus, workspace string, restrict bool) *tools.Registry {
	reg := tools.NewRegistry(msgBus)

	reg.Register(tools.NewReadFileTool(workspace, restrict))
	reg.Register(tools.NewExecTool(workspace, restrict))
	reg.Register(tools.NewWebFetchTool(tools.WebFetchConfig{}))
	reg.Register(tools.NewWebSearchTool(tools.WebSearchConfig{DDGEnabled: true}))
	reg.Register(tools.NewSessionStatusTool())
	reg.Register(tools.NewSessionsHistoryTool())

	return reg
}

// buildSessionStore constructs the session backend from cfg.Sessions.
func buildSessionStore(cfg *config.Config) store.SessionStore {
	mgr := sessions.NewManager(cfg.Sessions.Storage)
	return storefile.NewFileSessionStore(mgr)
}

// buildTaskStore constructs the task backend from cfg.Database.
func buildTaskStore(cfg *config.Config) (store.TaskStore, error) {
	stores, err := store.NewStores(store.StoreConfig{
		Driver:      cfg.Database.Mode,
		SQLitePath:  cfg.Database.SqlitePath,
		PostgresDSN: cfg.Database.PostgresDSN,
	})
	if err != nil {
		return nil, err
	}
	return stores.Tasks, nil
}
