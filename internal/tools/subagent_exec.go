package tools

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/agentrun/internal/bus"
)

// runTask drives one subagent's nested loop run to completion (or timeout)
// and announces the result to the originating session.
func (sm *SubagentManager) runTask(ctx context.Context, task *SubagentTask, callback AsyncCallback) {
	iterations := sm.executeTask(ctx, task)

	if sm.msgBus != nil && task.OriginChatID != "" {
		elapsed := time.Since(time.UnixMilli(task.CreatedAt))
		remainingActive := sm.CountRunningForParent(task.ParentID)

		sm.msgBus.Emit(bus.Event{
			Name: bus.EventSessionInbound,
			Payload: bus.SessionInbound{
				SessionKey: task.OriginChatID,
				SenderID:   fmt.Sprintf("subagent:%s", task.ID),
				Content:    formatSubagentAnnounce(task, elapsed, iterations, remainingActive),
			},
		})
	}

	if callback != nil {
		result := NewResult(fmt.Sprintf("Subagent '%s' completed in %d iterations.\n\nResult:\n%s",
			task.Label, iterations, task.Result))
		callback(ctx, result)
	}
}

func formatSubagentAnnounce(task *SubagentTask, elapsed time.Duration, iterations, remainingActive int) string {
	status := "completed"
	switch task.Status {
	case TaskStatusFailed:
		status = "failed"
	case TaskStatusTimeout:
		status = "timed out"
	case TaskStatusCancelled:
		status = "cancelled"
	}

	msg := fmt.Sprintf(
		"[System Message] Subagent '%s' (%s) %s in %s, %d iterations.\n\nResult:\n%s",
		task.Label, task.ID, status, elapsed.Round(time.Millisecond), iterations, task.Result)

	if remainingActive > 0 {
		msg += fmt.Sprintf("\n\n(%d other subagent(s) still running.)", remainingActive)
	}

	msg += "\n\nConvert the result above into your normal assistant voice and send that user-facing update now. " +
		"Keep internal details private. Reply ONLY: NO_REPLY if this exact result was already delivered to the user."

	return msg
}

// executeTask resolves the subagent's model and allowed tools, races the
// injected runLoop against task.TimeoutMs, and finalizes the terminal
// status. Returns the iteration count reported by the nested loop (0 if it
// never got to run one).
func (sm *SubagentManager) executeTask(ctx context.Context, task *SubagentTask) int {
	defer func() {
		sm.mu.Lock()
		task.CompletedAt = time.Now().UnixMilli()
		sm.mu.Unlock()

		if sm.config.ArchiveAfterMinutes > 0 {
			go sm.scheduleArchive(task.ID, time.Duration(sm.config.ArchiveAfterMinutes)*time.Minute)
		}
	}()

	if ctx.Err() != nil {
		sm.finalize(task, TaskStatusCancelled, "", "cancelled before execution")
		return 0
	}

	model := resolveModel(task.Model, sm.resolvedSurroundingModel())

	allowed := sm.allowedToolNames(task.Depth)
	systemPrompt := sm.buildSubagentSystemPrompt(task)

	loopCfg := SubagentLoopConfig{
		AllowedTools:  allowed,
		MaxIterations: defaultSubagentMaxIterations,
		TimeoutMs:     task.TimeoutMs,
		Model:         model,
		SystemPrompt:  systemPrompt,
		OnStream: func(chunkType, chunk string) {
			sm.emitStream(task.ID, chunkType, chunk)
		},
	}

	timeout := time.Duration(task.TimeoutMs) * time.Millisecond
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type runOutcome struct {
		result *SubagentLoopResult
		err    error
	}
	done := make(chan runOutcome, 1)

	go func() {
		result, err := sm.runLoop(runCtx, task.Task, loopCfg)
		done <- runOutcome{result: result, err: err}
	}()

	select {
	case outcome := <-done:
		if outcome.err != nil {
			if runCtx.Err() == context.DeadlineExceeded {
				sm.finalize(task, TaskStatusTimeout, "", fmt.Sprintf("subagent timed out after %s", timeout))
				return 0
			}
			sm.finalize(task, TaskStatusFailed, "", fmt.Sprintf("subagent run failed: %v", outcome.err))
			return 0
		}
		task.SessionKey = outcome.result.SessionKey
		content := outcome.result.Content
		if content == "" {
			content = "Task completed but no final response was generated."
		}
		sm.finalize(task, TaskStatusCompleted, content, "")
		return outcome.result.Iterations
	case <-runCtx.Done():
		sm.finalize(task, TaskStatusTimeout, "", fmt.Sprintf("subagent timed out after %s", timeout))
		return 0
	}
}

// finalize writes the terminal status, emits subagent:complete or
// subagent:timeout (a failed run is logged but does not emit a completion,
// matching spawnSubagent's finalizeSubagent contract), and records the
// result text.
func (sm *SubagentManager) finalize(task *SubagentTask, status, result, logMsg string) {
	sm.mu.Lock()
	task.Status = status
	if result != "" {
		task.Result = result
	} else {
		task.Result = logMsg
	}
	sm.mu.Unlock()

	switch status {
	case TaskStatusCompleted:
		slog.Info("subagent completed", "id", task.ID)
		sm.emit(bus.EventSubagentComplete, task)
	case TaskStatusTimeout:
		slog.Warn("subagent timed out", "id", task.ID, "message", logMsg)
		sm.emit(bus.EventSubagentTimeout, task)
	case TaskStatusFailed:
		slog.Warn("subagent failed", "id", task.ID, "message", logMsg)
	case TaskStatusCancelled:
		slog.Warn("subagent cancelled", "id", task.ID, "message", logMsg)
	}
}

func (sm *SubagentManager) emitStream(subagentID, chunkType, chunk string) {
	if sm.msgBus == nil {
		return
	}
	sm.msgBus.Emit(bus.Event{
		Name: bus.EventSubagentStream,
		Payload: map[string]string{
			"subagentId": subagentID,
			"type":       chunkType,
			"chunk":      chunk,
		},
	})
}

func (sm *SubagentManager) resolvedSurroundingModel() string {
	if sm.config.Model != "" {
		return sm.config.Model
	}
	return sm.surroundingModel
}

// allowedToolNames filters the built-in tool set by the subagent deny
// lists for the given spawn depth.
func (sm *SubagentManager) allowedToolNames(depth int) []string {
	reg := sm.createTools()
	sm.applyDenyList(reg, depth)
	return reg.List()
}

// scheduleArchive removes a completed task from memory after the configured TTL.
func (sm *SubagentManager) scheduleArchive(taskID string, after time.Duration) {
	timer := time.NewTimer(after)
	defer timer.Stop()
	<-timer.C

	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.tasks, taskID)
}
