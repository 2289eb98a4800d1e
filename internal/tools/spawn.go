package tools

import (
	"context"
	"encoding/json"
)

// SessionsSpawnTool is the thin Tool wrapper around SubagentManager.Spawn.
// It lets an agent delegate a task to an ephemeral child running in the
// background, with results announced back via the event bus once done.
type SessionsSpawnTool struct {
	manager *SubagentManager
	depth   int // this agent's own spawn depth, read from context at call time if unset
}

func NewSessionsSpawnTool(manager *SubagentManager) *SessionsSpawnTool {
	return &SessionsSpawnTool{manager: manager}
}

func (t *SessionsSpawnTool) Name() string { return "sessions_spawn" }
func (t *SessionsSpawnTool) Description() string {
	return "Spawn a subagent to work on a task in the background. Results are announced back to this session when the subagent finishes."
}

// IsConcurrencySafe is false: spawning mutates the subagent manager's
// active-run state.
func (t *SessionsSpawnTool) IsConcurrencySafe() bool { return false }

func (t *SessionsSpawnTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task": map[string]interface{}{
				"type":        "string",
				"description": "The task for the subagent to complete",
			},
			"label": map[string]interface{}{
				"type":        "string",
				"description": "Short label for the subagent (for tracking)",
			},
			"model": map[string]interface{}{
				"type":        "string",
				"description": "Model override for this subagent: \"inherit\" (default), or an alias (\"sonnet\", \"opus\", \"haiku\")",
			},
			"timeout_seconds": map[string]interface{}{
				"type":        "number",
				"description": "Max seconds before the subagent is cancelled (default 300)",
			},
		},
		"required": []string{"task"},
	}
}

func (t *SessionsSpawnTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.manager == nil {
		return ErrorResult("subagent manager not available")
	}

	task, _ := args["task"].(string)
	if task == "" {
		return ErrorResult("task is required")
	}
	label, _ := args["label"].(string)
	model, _ := args["model"].(string)

	timeoutMs := 0
	if v, ok := args["timeout_seconds"].(float64); ok && v > 0 {
		timeoutMs = int(v * 1000)
	}

	parentID := ToolSandboxKeyFromCtx(ctx) // sandbox key doubles as the parent session key
	chatID := ToolChatIDFromCtx(ctx)

	msg, err := t.manager.Spawn(ctx, parentID, t.depth, task, label, model, timeoutMs, chatID, "", nil)
	if err != nil {
		return ErrorResult(err.Error())
	}
	return SilentResult(msg)
}

// SubagentsStatusTool reports the number of subagents currently running for
// the calling session.
type SubagentsStatusTool struct {
	manager *SubagentManager
}

func NewSubagentsStatusTool(manager *SubagentManager) *SubagentsStatusTool {
	return &SubagentsStatusTool{manager: manager}
}

func (t *SubagentsStatusTool) Name() string        { return "subagents" }
func (t *SubagentsStatusTool) Description() string { return "Show how many subagents are currently running for this session." }

// IsConcurrencySafe is true: a read-only count.
func (t *SubagentsStatusTool) IsConcurrencySafe() bool { return true }

func (t *SubagentsStatusTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *SubagentsStatusTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.manager == nil {
		return ErrorResult("subagent manager not available")
	}
	parentID := ToolSandboxKeyFromCtx(ctx)
	running := t.manager.CountRunningForParent(parentID)
	out, _ := json.Marshal(map[string]int{"running": running})
	return SilentResult(string(out))
}
