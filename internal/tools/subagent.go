// Package tools provides the subagent system for spawning child agent instances.
//
// Subagents run in background goroutines with restricted tool access:
//   - Depth limit: configurable MaxSpawnDepth (default 3)
//   - Max children per parent: configurable (default 5)
//   - Auto-archive after configurable TTL (default 60 min)
//   - Tool deny lists: SubagentDenyAlways + SubagentDenyLeaf at max depth
//   - Results announced back to the parent session via the event bus
//
// A subagent is a nested run of the real agentic loop (the same state
// machine that drives the top-level agent), not a separate hand-rolled
// mechanism: SubagentManager never talks to a provider or a tool registry
// directly. It resolves the model, builds a restricted tool whitelist and a
// loop config, and hands both to the injected SubagentLoopRunner, which the
// cmd layer wires to an *agent.Loop — AgentRegistry.spawnSubagent ->
// AgenticLoop.run, per spec.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentrun/internal/bus"
)

// SubagentConfig configures the subagent system.
type SubagentConfig struct {
	MaxConcurrent       int    // max concurrent subagents (default 8)
	MaxSpawnDepth       int    // max nesting depth (default 3)
	MaxChildrenPerAgent int    // max children per parent (default 5)
	ArchiveAfterMinutes int    // auto-archive completed tasks (default 60)
	Model               string // model override for subagents (empty = inherit)
}

// Subagent task status constants.
const (
	TaskStatusRunning   = "running"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
	TaskStatusTimeout   = "timeout"
	TaskStatusCancelled = "cancelled"
)

// defaultSubagentTimeoutMs is spawnSubagent's timeoutMs default (5 minutes).
const defaultSubagentTimeoutMs = 5 * 60 * 1000

// defaultSubagentMaxIterations is the nested loop's maxIterations default.
const defaultSubagentMaxIterations = 50

// SubagentTask tracks a running or completed subagent.
type SubagentTask struct {
	ID             string `json:"id"`
	ParentID       string `json:"parentId"`
	Task           string `json:"task"`
	Label          string `json:"label"`
	Status         string `json:"status"` // "running", "completed", "failed", "timeout", "cancelled"
	Result         string `json:"result,omitempty"`
	Depth          int    `json:"depth"`
	Model          string `json:"model,omitempty"` // model override for this subagent
	TimeoutMs      int    `json:"timeoutMs"`
	OriginChatID   string `json:"originChatId,omitempty"`
	OriginUserID   string `json:"originUserId,omitempty"` // parent's userID, propagated for scoping
	SessionKey     string `json:"sessionKey,omitempty"`   // resume handle for a completed run
	CreatedAt      int64  `json:"createdAt"`
	CompletedAt    int64  `json:"completedAt,omitempty"`

	cancelFunc context.CancelFunc `json:"-"` // per-task context cancel
}

// SubagentLoopConfig mirrors the nested loop config spawnSubagent builds per
// spec §4.6: tools filtered to the agent's allowed set, maxIterations=50,
// timeoutMs from the spawn call, an on-stream handler translating loop
// chunks into subagent:stream events.
type SubagentLoopConfig struct {
	AllowedTools  []string // tool names this run's registry whitelist is restricted to
	MaxIterations int
	TimeoutMs     int
	Model         string
	SystemPrompt  string
	ResumeSession string // non-empty to resume rather than start fresh
	OnStream      func(chunkType, chunk string)
}

// SubagentLoopResult is what a nested loop run reports back.
type SubagentLoopResult struct {
	Content    string
	Iterations int
	SessionKey string // for a later resume
}

// SubagentLoopRunner builds and drives one nested agentic-loop run for a
// subagent task. Injected from the cmd layer (which owns *agent.Loop
// construction) to avoid a tools -> agent import cycle; the real mechanism
// behind it is AgentRegistry.spawnSubagent -> AgenticLoop.run.
type SubagentLoopRunner func(ctx context.Context, task string, cfg SubagentLoopConfig) (*SubagentLoopResult, error)

// modelAliases maps spawnSubagent's named model discriminators to canonical
// model ids. Unknown aliases (and "inherit") fall back to the surrounding
// model.
var modelAliases = map[string]string{
	"sonnet": "claude-sonnet-4-20250514",
	"opus":   "claude-opus-4-20250514",
	"haiku":  "claude-haiku-4-20250514",
}

// resolveModel implements spawnSubagent's model discriminator: "inherit"
// resolves to the surrounding model; a known alias resolves to its canonical
// id; anything else (including empty) also falls back to the surrounding
// model.
func resolveModel(requested, surrounding string) string {
	if requested == "" || requested == "inherit" {
		return surrounding
	}
	if canonical, ok := modelAliases[requested]; ok {
		return canonical
	}
	return surrounding
}

// SubagentManager manages the lifecycle of spawned subagents.
type SubagentManager struct {
	mu               sync.RWMutex
	tasks            map[string]*SubagentTask
	config           SubagentConfig
	runLoop          SubagentLoopRunner
	surroundingModel string
	msgBus           *bus.Bus

	// createTools enumerates the built-in tool names available to a
	// subagent's nested loop; applyDenyList filters it down to the allowed
	// set handed to SubagentLoopConfig.AllowedTools. The returned registry
	// itself is never executed against here — execution happens inside the
	// nested loop the runner builds.
	createTools func() *Registry
}

// NewSubagentManager creates a new subagent manager.
func NewSubagentManager(
	runLoop SubagentLoopRunner,
	createTools func() *Registry,
	surroundingModel string,
	msgBus *bus.Bus,
	cfg SubagentConfig,
) *SubagentManager {
	return &SubagentManager{
		tasks:            make(map[string]*SubagentTask),
		config:           cfg,
		runLoop:          runLoop,
		surroundingModel: surroundingModel,
		msgBus:           msgBus,
		createTools:      createTools,
	}
}

// CountRunningForParent returns the number of running tasks for a parent.
func (sm *SubagentManager) CountRunningForParent(parentID string) int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	count := 0
	for _, t := range sm.tasks {
		if t.ParentID == parentID && t.Status == TaskStatusRunning {
			count++
		}
	}
	return count
}

// SubagentDenyAlways is the list of tools always denied to subagents.
var SubagentDenyAlways = []string{
	"session_status",
	"sessions_send",
	"delegate",
}

// SubagentDenyLeaf is the additional deny list for subagents at max depth.
var SubagentDenyLeaf = []string{
	"sessions_list",
	"sessions_history",
	"sessions_spawn",
	"spawn",
	"subagent",
}

// Spawn creates a new subagent task that runs asynchronously.
// Returns immediately with a status message. The subagent runs in a goroutine.
func (sm *SubagentManager) Spawn(
	ctx context.Context,
	parentID string,
	depth int,
	task, label, modelOverride string,
	timeoutMs int,
	chatID, userID string,
	callback AsyncCallback,
) (string, error) {
	sm.mu.Lock()

	if depth >= sm.config.MaxSpawnDepth {
		sm.mu.Unlock()
		return "", fmt.Errorf("Maximum subagent nesting depth (%d) exceeded", sm.config.MaxSpawnDepth)
	}

	running := 0
	for _, t := range sm.tasks {
		if t.Status == TaskStatusRunning {
			running++
		}
	}
	if running >= sm.config.MaxConcurrent {
		sm.mu.Unlock()
		return "", fmt.Errorf("max concurrent subagents reached (%d/%d)", running, sm.config.MaxConcurrent)
	}

	childCount := 0
	for _, t := range sm.tasks {
		if t.ParentID == parentID {
			childCount++
		}
	}
	if childCount >= sm.config.MaxChildrenPerAgent {
		sm.mu.Unlock()
		return "", fmt.Errorf("max children per agent reached (%d/%d)", childCount, sm.config.MaxChildrenPerAgent)
	}

	if timeoutMs <= 0 {
		timeoutMs = defaultSubagentTimeoutMs
	}

	id := generateSubagentID()
	if label == "" {
		label = truncateLabel(task, 50)
	}

	subTask := &SubagentTask{
		ID:           id,
		ParentID:     parentID,
		Task:         task,
		Label:        label,
		Status:       TaskStatusRunning,
		Depth:        depth + 1,
		Model:        modelOverride,
		TimeoutMs:    timeoutMs,
		OriginChatID: chatID,
		OriginUserID: userID,
		CreatedAt:    time.Now().UnixMilli(),
	}
	taskCtx, taskCancel := context.WithCancel(ctx)
	subTask.cancelFunc = taskCancel

	sm.tasks[id] = subTask
	sm.mu.Unlock()

	slog.Info("subagent spawned", "id", id, "parent", parentID, "depth", subTask.Depth, "label", label)
	sm.emit(bus.EventSubagentSpawn, subTask)

	go sm.runTask(taskCtx, subTask, callback)

	return fmt.Sprintf("Spawned subagent '%s' (id=%s, depth=%d) for task: %s",
		label, id, subTask.Depth, truncateLabel(task, 100)), nil
}

func (sm *SubagentManager) emit(name string, task *SubagentTask) {
	if sm.msgBus == nil {
		return
	}
	sm.msgBus.Emit(bus.Event{Name: name, Payload: task})
}

func generateSubagentID() string {
	return uuid.NewString()[:8]
}

func truncateLabel(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
