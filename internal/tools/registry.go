package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/agentrun/internal/bus"
	"github.com/nextlevelbuilder/agentrun/internal/providers"
)

// Tool is the interface every tool body (exec, read_file, web_fetch, the
// sessions_* family, delegate, ...) implements.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
	// IsConcurrencySafe reports whether this tool may run concurrently with
	// other invocations of itself and of other unsafe tools. Tools that
	// mutate shared state (files, sessions, subagents) must return false so
	// ExecuteAll serializes them by target path.
	IsConcurrencySafe() bool
}

// ToProviderDef converts a registered Tool into the wire schema an LLM
// provider needs to offer it as a callable function.
func ToProviderDef(t Tool) providers.ToolDefinition {
	return providers.ToolDefinition{
		Type: "function",
		Function: providers.ToolFunctionSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		},
	}
}

// Registry is the set of tools available to one agentic loop run. It's
// built fresh per agent (and per subagent, with a restricted tool set) —
// cheap to construct, so no registry is ever shared across concurrent
// loops with different policies.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]Tool
	bus       *bus.Bus
	whitelist map[string]bool // nil = unrestricted (every registered tool allowed)
}

// NewRegistry creates an empty registry. Register tools onto it with
// Register before use.
func NewRegistry(msgBus *bus.Bus) *Registry {
	return &Registry{
		tools: make(map[string]Tool),
		bus:   msgBus,
	}
}

// Register adds or replaces a tool under its own Name().
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Unregister removes a tool by name, used by subagent deny-lists to strip
// tools a child agent must not see.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns the tool registered under name, resolving aliases.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[resolveAlias(name)]
	return t, ok
}

// List returns every registered tool name, sorted for deterministic policy
// evaluation and testing.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProviderDefs returns the wire schema for every registered tool, the set
// handed to Provider.Chat as the available function list.
func (r *Registry) ProviderDefs() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]providers.ToolDefinition, 0, len(r.tools))
	for _, name := range r.sortedNamesLocked() {
		defs = append(defs, ToProviderDef(r.tools[name]))
	}
	return defs
}

func (r *Registry) sortedNamesLocked() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs one tool call by name and returns its result. Unknown tools
// produce an error Result rather than panicking — a bad tool name from the
// LLM is routine, not exceptional.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) *Result {
	tool, ok := r.Get(name)
	if !ok {
		return ErrorResult("unknown tool: " + name)
	}

	r.emit(bus.EventToolCall, name, args)
	result := tool.Execute(ctx, args)
	r.emit(bus.EventToolResult, name, map[string]interface{}{"is_error": result.IsError})

	return result
}

// ExecuteWithContext is Execute plus the channel/chat/session scoping the
// agentic loop carries per call — it's injected into ctx so tool bodies
// read it via the ToolXFromCtx accessors instead of needing it threaded
// through every Execute signature.
func (r *Registry) ExecuteWithContext(
	ctx context.Context,
	name string,
	args map[string]interface{},
	channel, chatID, peerKind, sessionKey string,
	asyncCB AsyncCallback,
) *Result {
	ctx = WithToolChannel(ctx, channel)
	ctx = WithToolChatID(ctx, chatID)
	ctx = WithToolPeerKind(ctx, peerKind)
	ctx = WithToolSandboxKey(ctx, sessionKey)
	if asyncCB != nil {
		ctx = WithToolAsyncCB(ctx, asyncCB)
	}
	return r.Execute(ctx, name, args)
}

// SetWhitelist restricts the registry to exactly the given tool names. An
// empty list is still a restriction (nothing allowed); pass nil to lift the
// restriction entirely and fall back to "every registered tool allowed".
func (r *Registry) SetWhitelist(names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if names == nil {
		r.whitelist = nil
		return
	}
	r.whitelist = make(map[string]bool, len(names))
	for _, n := range names {
		r.whitelist[resolveAlias(n)] = true
	}
}

// Allow adds name to the whitelist. A no-op while the registry is
// unrestricted (there is nothing to add to).
func (r *Registry) Allow(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.whitelist == nil {
		return
	}
	r.whitelist[resolveAlias(name)] = true
}

// Disallow removes name from the whitelist, first materializing an
// unrestricted registry's implicit "everything" whitelist so the removal has
// something to act on.
func (r *Registry) Disallow(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.whitelist == nil {
		r.whitelist = make(map[string]bool, len(r.tools))
		for n := range r.tools {
			r.whitelist[n] = true
		}
	}
	delete(r.whitelist, resolveAlias(name))
}

func (r *Registry) isAllowed(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.whitelist == nil {
		return true
	}
	return r.whitelist[resolveAlias(name)]
}

// ToolUse is one tool invocation requested by the model, as handed to
// ExecuteAll.
type ToolUse struct {
	ID   string
	Name string
	Args map[string]interface{}
}

// ToolUseResult pairs a ToolUse back up with its Result after ExecuteAll's
// concurrent dispatch.
type ToolUseResult struct {
	ID     string
	Name   string
	Result *Result
}

// targetPath extracts the tool-specific field ExecuteAll uses to group
// unsafe tool uses for serialization: Write's "path", Edit's "file_path". A
// tool with no such mapping serializes under the __unknown__ sentinel —
// conservative, but safe.
func targetPath(name string, args map[string]interface{}) string {
	switch resolveAlias(name) {
	case "write":
		if p, ok := args["path"].(string); ok && p != "" {
			return p
		}
	case "edit":
		if p, ok := args["file_path"].(string); ok && p != "" {
			return p
		}
	}
	return "__unknown__"
}

// ExecuteAll runs a batch of tool uses under the whitelist/concurrency
// protocol:
//  1. reject: every use whose name isn't on the whitelist gets an immediate
//     error record and never executes.
//  2. group: the rest split into concurrency-safe (run independently) and
//     unsafe (grouped by targetPath; each group runs its members
//     sequentially, in input order).
//  3. dispatch: every safe use and every unsafe group runs as its own
//     concurrent activity; ExecuteAll waits for all of them.
//
// Results are returned in the same order as uses, regardless of dispatch
// order.
func (r *Registry) ExecuteAll(
	ctx context.Context,
	uses []ToolUse,
	channel, chatID, peerKind, sessionKey string,
	asyncCB AsyncCallback,
) []ToolUseResult {
	results := make([]*Result, len(uses))

	type job struct {
		idx int
		use ToolUse
	}

	var safeJobs []job
	var groups [][]job
	groupIdx := make(map[string]int)

	for i, use := range uses {
		if !r.isAllowed(use.Name) {
			results[i] = ErrorResult(fmt.Sprintf("Error: Tool '%s' is not allowed for this agent", use.Name))
			continue
		}

		tool, ok := r.Get(use.Name)
		if !ok {
			results[i] = ErrorResult("unknown tool: " + use.Name)
			continue
		}

		j := job{idx: i, use: use}
		if tool.IsConcurrencySafe() {
			safeJobs = append(safeJobs, j)
			continue
		}

		target := targetPath(use.Name, use.Args)
		gi, ok := groupIdx[target]
		if !ok {
			gi = len(groups)
			groupIdx[target] = gi
			groups = append(groups, nil)
		}
		groups[gi] = append(groups[gi], j)
	}

	runOne := func(j job) {
		results[j.idx] = r.ExecuteWithContext(ctx, j.use.Name, j.use.Args, channel, chatID, peerKind, sessionKey, asyncCB)
	}

	var wg sync.WaitGroup
	for _, j := range safeJobs {
		wg.Add(1)
		go func(j job) {
			defer wg.Done()
			runOne(j)
		}(j)
	}
	for _, group := range groups {
		wg.Add(1)
		go func(group []job) {
			defer wg.Done()
			for _, j := range group {
				runOne(j)
			}
		}(group)
	}
	wg.Wait()

	out := make([]ToolUseResult, len(uses))
	for i, use := range uses {
		res := results[i]
		if res == nil {
			res = ErrorResult("No result")
		}
		out[i] = ToolUseResult{ID: use.ID, Name: use.Name, Result: res}
	}
	return out
}

func (r *Registry) emit(eventName, toolName string, payload interface{}) {
	if r.bus == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("tool event handler panicked", "event", eventName, "tool", toolName, "recover", rec)
		}
	}()
	r.bus.Emit(bus.Event{Name: eventName, Payload: payload})
}
