package tools

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentrun/internal/bus"
)

func TestResolveModel(t *testing.T) {
	tests := []struct {
		name       string
		requested  string
		surrounding string
		want       string
	}{
		{"empty falls back to surrounding", "", "claude-sonnet-4-20250514", "claude-sonnet-4-20250514"},
		{"inherit falls back to surrounding", "inherit", "claude-opus-4-20250514", "claude-opus-4-20250514"},
		{"known alias resolves to canonical id", "sonnet", "claude-opus-4-20250514", "claude-sonnet-4-20250514"},
		{"opus alias", "opus", "claude-haiku-4-20250514", "claude-opus-4-20250514"},
		{"haiku alias", "haiku", "claude-opus-4-20250514", "claude-haiku-4-20250514"},
		{"unknown alias falls back to surrounding", "gpt-5", "claude-sonnet-4-20250514", "claude-sonnet-4-20250514"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolveModel(tt.requested, tt.surrounding); got != tt.want {
				t.Errorf("resolveModel(%q, %q) = %q, want %q", tt.requested, tt.surrounding, got, tt.want)
			}
		})
	}
}

func newTestManager(runLoop SubagentLoopRunner, msgBus *bus.Bus, cfg SubagentConfig) *SubagentManager {
	createTools := func() *Registry { return NewRegistry(nil) }
	return NewSubagentManager(runLoop, createTools, "claude-sonnet-4-20250514", msgBus, cfg)
}

func TestSpawn_RejectsAtMaxDepth(t *testing.T) {
	cfg := DefaultSubagentConfig()
	cfg.MaxSpawnDepth = 2

	sm := newTestManager(func(ctx context.Context, task string, loopCfg SubagentLoopConfig) (*SubagentLoopResult, error) {
		return &SubagentLoopResult{Content: "done"}, nil
	}, nil, cfg)

	_, err := sm.Spawn(context.Background(), "parent", 2, "do work", "", "", 0, "chat", "", nil)
	if err == nil {
		t.Fatal("expected an error at max spawn depth")
	}
	want := fmt.Sprintf("Maximum subagent nesting depth (%d) exceeded", cfg.MaxSpawnDepth)
	if err.Error() != want {
		t.Fatalf("error = %q, want %q", err.Error(), want)
	}
}

func TestSpawn_EmitsSpawnAndCompleteEvents(t *testing.T) {
	msgBus := bus.New()
	cfg := DefaultSubagentConfig()

	var mu sync.Mutex
	var seen []string
	done := make(chan struct{})
	msgBus.On(bus.EventSubagentSpawn, func(bus.Event) {
		mu.Lock()
		seen = append(seen, bus.EventSubagentSpawn)
		mu.Unlock()
	})
	msgBus.On(bus.EventSubagentComplete, func(bus.Event) {
		mu.Lock()
		seen = append(seen, bus.EventSubagentComplete)
		mu.Unlock()
		close(done)
	})

	sm := newTestManager(func(ctx context.Context, task string, loopCfg SubagentLoopConfig) (*SubagentLoopResult, error) {
		return &SubagentLoopResult{Content: "result text", Iterations: 3, SessionKey: "sess-1"}, nil
	}, msgBus, cfg)

	_, err := sm.Spawn(context.Background(), "parent", 0, "do work", "label", "", 0, "chat", "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subagent:complete")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != bus.EventSubagentSpawn || seen[1] != bus.EventSubagentComplete {
		t.Fatalf("expected [spawn, complete] event order, got %v", seen)
	}
}

func TestExecuteTask_TimesOutAndEmitsTimeoutEvent(t *testing.T) {
	msgBus := bus.New()
	cfg := DefaultSubagentConfig()

	timedOut := make(chan struct{})
	msgBus.On(bus.EventSubagentTimeout, func(bus.Event) { close(timedOut) })
	msgBus.On(bus.EventSubagentComplete, func(bus.Event) {
		t.Error("a timed-out run must not emit subagent:complete")
	})

	blockUntilCancelled := func(ctx context.Context, task string, loopCfg SubagentLoopConfig) (*SubagentLoopResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	sm := newTestManager(blockUntilCancelled, msgBus, cfg)

	task := &SubagentTask{
		ID:        "t1",
		ParentID:  "parent",
		Task:      "do work",
		Status:    TaskStatusRunning,
		TimeoutMs: 20,
		CreatedAt: time.Now().UnixMilli(),
	}

	iterations := sm.executeTask(context.Background(), task)
	if iterations != 0 {
		t.Fatalf("expected 0 iterations on timeout, got %d", iterations)
	}
	if task.Status != TaskStatusTimeout {
		t.Fatalf("task.Status = %q, want %q", task.Status, TaskStatusTimeout)
	}

	select {
	case <-timedOut:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subagent:timeout event")
	}
}

func TestExecuteTask_FailureDoesNotEmitCompletion(t *testing.T) {
	msgBus := bus.New()
	cfg := DefaultSubagentConfig()

	msgBus.On(bus.EventSubagentComplete, func(bus.Event) {
		t.Error("a failed run must not emit subagent:complete")
	})
	msgBus.On(bus.EventSubagentTimeout, func(bus.Event) {
		t.Error("a failed run must not emit subagent:timeout")
	})

	sm := newTestManager(func(ctx context.Context, task string, loopCfg SubagentLoopConfig) (*SubagentLoopResult, error) {
		return nil, fmt.Errorf("boom")
	}, msgBus, cfg)

	task := &SubagentTask{
		ID:        "t2",
		ParentID:  "parent",
		Task:      "do work",
		Status:    TaskStatusRunning,
		TimeoutMs: 5000,
		CreatedAt: time.Now().UnixMilli(),
	}

	sm.executeTask(context.Background(), task)
	if task.Status != TaskStatusFailed {
		t.Fatalf("task.Status = %q, want %q", task.Status, TaskStatusFailed)
	}
}
