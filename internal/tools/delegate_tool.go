package tools

import (
	"context"
)

// DelegateTool is the thin Tool wrapper around DelegateManager, letting an
// agent hand a task to another named agent in its delegation graph.
type DelegateTool struct {
	manager  *DelegateManager
	agentKey string // this agent's own key, used as the delegation source
}

func NewDelegateTool(manager *DelegateManager, agentKey string) *DelegateTool {
	return &DelegateTool{manager: manager, agentKey: agentKey}
}

func (t *DelegateTool) Name() string { return "delegate" }

// IsConcurrencySafe is false: delegate spawns/drives a subagent run.
func (t *DelegateTool) IsConcurrencySafe() bool { return false }
func (t *DelegateTool) Description() string {
	return "Delegate a task to another agent. Use mode=sync to wait for the result, or mode=async to continue working and be notified when it's done."
}

func (t *DelegateTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"target_agent": map[string]interface{}{
				"type":        "string",
				"description": "Key of the agent to delegate to",
			},
			"task": map[string]interface{}{
				"type":        "string",
				"description": "The task to delegate",
			},
			"context": map[string]interface{}{
				"type":        "string",
				"description": "Optional additional context for the target agent",
			},
			"mode": map[string]interface{}{
				"type":        "string",
				"description": "\"sync\" (default, wait for result) or \"async\" (continue, get notified later)",
			},
		},
		"required": []string{"target_agent", "task"},
	}
}

func (t *DelegateTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.manager == nil {
		return ErrorResult("delegate manager not available")
	}

	target, _ := args["target_agent"].(string)
	task, _ := args["task"].(string)
	if target == "" || task == "" {
		return ErrorResult("target_agent and task are required")
	}
	extraContext, _ := args["context"].(string)
	mode, _ := args["mode"].(string)
	if mode == "" {
		mode = "sync"
	}

	userID := ToolChatIDFromCtx(ctx) // best-effort: scope delegation by calling session
	opts := DelegateOpts{TargetAgentKey: target, Task: task, Context: extraContext, Mode: mode}

	if mode == "async" {
		result, err := t.manager.DelegateAsync(ctx, t.agentKey, userID, opts)
		if err != nil {
			return ErrorResult(err.Error())
		}
		return SilentResult("Delegation started (id=" + result.DelegationID + "). You'll be notified when it completes.")
	}

	result, err := t.manager.Delegate(ctx, t.agentKey, userID, opts)
	if err != nil {
		return ErrorResult(err.Error())
	}
	return NewResult(result.Content)
}
