package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/nextlevelbuilder/agentrun/internal/config"
	"github.com/nextlevelbuilder/agentrun/internal/tools"
)

// Registry is the config-driven named agent catalog: one *Loop per agent
// key, built from config.AgentsConfig at startup. It implements
// tools.LinkResolver so the delegate manager can authorize cross-agent
// delegation without reaching into agent internals, and it supplies the
// tools.AgentRunFunc callback that runs a delegated request against the
// target's own Loop.
type Registry struct {
	mu    sync.RWMutex
	loops map[string]*Loop
	specs map[string]config.AgentSpec
}

// NewRegistry creates an empty registry. Populate it with Add before wiring
// a DelegateManager against it.
func NewRegistry() *Registry {
	return &Registry{
		loops: make(map[string]*Loop),
		specs: make(map[string]config.AgentSpec),
	}
}

// Add registers a named agent's Loop and its config spec (the spec carries
// the Delegates authorization map ResolveLink consults).
func (r *Registry) Add(agentKey string, spec config.AgentSpec, loop *Loop) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loops[agentKey] = loop
	r.specs[agentKey] = spec
}

// Get returns the named agent's Loop, if registered.
func (r *Registry) Get(agentKey string) (*Loop, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.loops[agentKey]
	return l, ok
}

// List returns all registered agent keys.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.loops))
	for k := range r.loops {
		keys = append(keys, k)
	}
	return keys
}

// Exists implements tools.LinkResolver.
func (r *Registry) Exists(agentKey string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.loops[agentKey]
	return ok
}

// ResolveLink implements tools.LinkResolver: a source agent may delegate to
// a target only if its config lists the target under Delegates, and the
// target must actually be registered.
func (r *Registry) ResolveLink(sourceAgentKey, targetAgentKey string) (tools.DelegateLink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.loops[targetAgentKey]; !ok {
		return tools.DelegateLink{}, false
	}

	sourceSpec, ok := r.specs[sourceAgentKey]
	if !ok {
		return tools.DelegateLink{}, false
	}
	link, ok := sourceSpec.Delegates[targetAgentKey]
	if !ok {
		return tools.DelegateLink{}, false
	}

	return tools.DelegateLink{MaxConcurrent: link.MaxConcurrent}, true
}

// RunAgent implements tools.AgentRunFunc: it looks up the target agent's
// Loop and runs the delegated request against it in minimal prompt mode
// (the delegator already supplied task context via ExtraSystemPrompt).
func (r *Registry) RunAgent(ctx context.Context, agentKey string, req tools.DelegateRunRequest) (*tools.DelegateRunResult, error) {
	loop, ok := r.Get(agentKey)
	if !ok {
		return nil, fmt.Errorf("delegate target agent %q not registered", agentKey)
	}

	result, err := loop.Run(ctx, RunRequest{
		SessionKey:        req.SessionKey,
		Message:           req.Message,
		UserID:            req.UserID,
		RunID:             req.RunID,
		ExtraSystemPrompt: req.ExtraSystemPrompt,
		Minimal:           true,
	})
	if err != nil {
		return nil, err
	}

	return &tools.DelegateRunResult{Content: result.Content, Iterations: result.Iterations}, nil
}
