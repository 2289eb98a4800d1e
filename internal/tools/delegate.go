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

const defaultMaxDelegationLoad = 5

// DelegationTask tracks an active delegation for concurrency control and cancellation.
type DelegationTask struct {
	ID             string     `json:"id"`
	SourceAgentKey string     `json:"source_agent_key"`
	TargetAgentKey string     `json:"target_agent_key"`
	UserID         string     `json:"user_id"`
	Task           string     `json:"task"`
	Status         string     `json:"status"` // "running", "completed", "failed", "cancelled"
	Mode           string     `json:"mode"`   // "sync" or "async"
	SessionKey     string     `json:"session_key"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`

	// Origin metadata for async announce routing
	OriginChatID string `json:"-"`

	cancelFunc context.CancelFunc `json:"-"`
}

// DelegateOpts configures a single delegation call.
type DelegateOpts struct {
	TargetAgentKey string
	Task           string
	Context        string // optional extra context
	Mode           string // "sync" (default) or "async"
}

// DelegateRunRequest is the request passed to the AgentRunFunc callback.
// Mirrors agent.RunRequest without importing the agent package (avoids import cycle).
type DelegateRunRequest struct {
	SessionKey        string
	Message           string
	UserID            string
	RunID             string
	ExtraSystemPrompt string
}

// DelegateRunResult is the result from AgentRunFunc.
type DelegateRunResult struct {
	Content    string
	Iterations int
}

// AgentRunFunc runs an agent by key with the given request.
// This callback is injected from the cmd layer to avoid a tools→agent import cycle.
type AgentRunFunc func(ctx context.Context, agentKey string, req DelegateRunRequest) (*DelegateRunResult, error)

// DelegateResult is the outcome of a delegation.
type DelegateResult struct {
	Content      string
	Iterations   int
	DelegationID string // for async: the delegation ID to track/cancel
}

// DelegateLink describes an authorized source→target delegation relationship.
type DelegateLink struct {
	MaxConcurrent int // 0 = use defaultMaxDelegationLoad
}

// LinkResolver authorizes delegation links and target capacity. Implemented
// by the agent registry, which owns the named agent catalog.
type LinkResolver interface {
	ResolveLink(sourceAgentKey, targetAgentKey string) (DelegateLink, bool)
	Exists(agentKey string) bool
}

// DelegateManager manages inter-agent delegation lifecycle.
// Similar to SubagentManager but delegates to fully-configured named agents.
type DelegateManager struct {
	runAgent AgentRunFunc
	links    LinkResolver
	msgBus   *bus.Bus

	active sync.Map // delegationID → *DelegationTask
}

// NewDelegateManager creates a new delegation manager.
func NewDelegateManager(runAgent AgentRunFunc, links LinkResolver, msgBus *bus.Bus) *DelegateManager {
	return &DelegateManager{
		runAgent: runAgent,
		links:    links,
		msgBus:   msgBus,
	}
}

// Delegate executes a synchronous delegation to another agent.
func (dm *DelegateManager) Delegate(ctx context.Context, sourceAgentKey, userID string, opts DelegateOpts) (*DelegateResult, error) {
	task, err := dm.prepareDelegation(ctx, sourceAgentKey, userID, opts, "sync")
	if err != nil {
		return nil, err
	}

	dm.active.Store(task.ID, task)
	defer func() {
		now := time.Now()
		task.CompletedAt = &now
		dm.active.Delete(task.ID)
	}()

	message := buildDelegateMessage(opts)
	dm.emitEvent("delegation.started", task)
	slog.Info("delegation started", "id", task.ID, "target", opts.TargetAgentKey, "mode", "sync")

	startTime := time.Now()
	result, err := dm.runAgent(ctx, opts.TargetAgentKey, dm.buildRunRequest(task, message))
	_ = time.Since(startTime)
	if err != nil {
		task.Status = "failed"
		dm.emitEvent("delegation.failed", task)
		return nil, fmt.Errorf("delegation to %q failed: %w", opts.TargetAgentKey, err)
	}

	task.Status = "completed"
	dm.emitEvent("delegation.completed", task)
	slog.Info("delegation completed", "id", task.ID, "target", opts.TargetAgentKey, "iterations", result.Iterations)

	return &DelegateResult{Content: result.Content, Iterations: result.Iterations, DelegationID: task.ID}, nil
}

// DelegateAsync spawns a delegation in the background and announces the result back.
func (dm *DelegateManager) DelegateAsync(ctx context.Context, sourceAgentKey, userID string, opts DelegateOpts) (*DelegateResult, error) {
	task, err := dm.prepareDelegation(ctx, sourceAgentKey, userID, opts, "async")
	if err != nil {
		return nil, err
	}

	taskCtx, taskCancel := context.WithCancel(context.Background())
	task.cancelFunc = taskCancel
	dm.active.Store(task.ID, task)

	message := buildDelegateMessage(opts)
	dm.emitEvent("delegation.started", task)
	slog.Info("delegation started (async)", "id", task.ID, "target", opts.TargetAgentKey)

	runReq := dm.buildRunRequest(task, message)

	go func() {
		defer func() {
			now := time.Now()
			task.CompletedAt = &now
			dm.active.Delete(task.ID)
		}()

		elapsedStart := time.Now()
		result, runErr := dm.runAgent(taskCtx, opts.TargetAgentKey, runReq)
		elapsed := time.Since(elapsedStart)

		if dm.msgBus != nil && task.OriginChatID != "" {
			dm.msgBus.Emit(bus.Event{
				Name: bus.EventSessionInbound,
				Payload: bus.SessionInbound{
					SessionKey: task.OriginChatID,
					SenderID:   fmt.Sprintf("delegate:%s", task.ID),
					Content:    formatDelegateAnnounce(task, result, runErr, elapsed),
				},
			})
		}

		if runErr != nil {
			task.Status = "failed"
			dm.emitEvent("delegation.failed", task)
		} else {
			task.Status = "completed"
			dm.emitEvent("delegation.completed", task)
		}
		slog.Info("delegation finished (async)", "id", task.ID, "target", task.TargetAgentKey, "status", task.Status)
	}()

	return &DelegateResult{DelegationID: task.ID}, nil
}

// --- internal helpers ---

func (dm *DelegateManager) prepareDelegation(ctx context.Context, sourceAgentKey, userID string, opts DelegateOpts, mode string) (*DelegationTask, error) {
	if sourceAgentKey == "" {
		return nil, fmt.Errorf("delegation requires a resolvable source agent")
	}
	if !dm.links.Exists(opts.TargetAgentKey) {
		return nil, fmt.Errorf("target agent %q not found", opts.TargetAgentKey)
	}

	link, ok := dm.links.ResolveLink(sourceAgentKey, opts.TargetAgentKey)
	if !ok {
		return nil, fmt.Errorf("no delegation link from this agent to %q. Available targets are listed in AGENTS.md", opts.TargetAgentKey)
	}

	maxConcurrent := link.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxDelegationLoad
	}
	linkCount := dm.ActiveCountForLink(sourceAgentKey, opts.TargetAgentKey)
	if linkCount >= maxConcurrent {
		return nil, fmt.Errorf("delegation link to %q is at capacity (%d/%d active). Try again later or handle the task yourself",
			opts.TargetAgentKey, linkCount, maxConcurrent)
	}

	targetCount := dm.ActiveCountForTarget(opts.TargetAgentKey)
	if targetCount >= defaultMaxDelegationLoad {
		return nil, fmt.Errorf("agent %q is at capacity (%d/%d active delegations). Either wait and retry, use a different agent, or handle the task yourself",
			opts.TargetAgentKey, targetCount, defaultMaxDelegationLoad)
	}

	chatID := ToolChatIDFromCtx(ctx)

	delegationID := uuid.NewString()[:12]
	task := &DelegationTask{
		ID:             delegationID,
		SourceAgentKey: sourceAgentKey,
		TargetAgentKey: opts.TargetAgentKey,
		UserID:         userID,
		Task:           opts.Task,
		Status:         "running",
		Mode:           mode,
		SessionKey:     fmt.Sprintf("delegate:%s:%s:%s", sourceAgentKey, opts.TargetAgentKey, delegationID),
		CreatedAt:      time.Now(),
		OriginChatID:   chatID,
	}

	return task, nil
}

func buildDelegateMessage(opts DelegateOpts) string {
	if opts.Context != "" {
		return fmt.Sprintf("[Additional Context]\n%s\n\n[Task]\n%s", opts.Context, opts.Task)
	}
	return opts.Task
}

func (dm *DelegateManager) buildRunRequest(task *DelegationTask, message string) DelegateRunRequest {
	return DelegateRunRequest{
		SessionKey: task.SessionKey,
		Message:    message,
		UserID:     task.UserID,
		RunID:      fmt.Sprintf("delegate-%s", task.ID),
		ExtraSystemPrompt: "[Delegation Context]\nYou are handling a delegated task from another agent.\n" +
			"- Focus exclusively on the delegated task below.\n" +
			"- Your complete response will be returned to the requesting agent.\n" +
			"- Do NOT try to communicate with the end user directly.\n" +
			"- Be concise and deliver actionable results.",
	}
}
