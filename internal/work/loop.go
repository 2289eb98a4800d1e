// Package work implements the Work Loop: a timer-driven poller that claims
// available tasks from a store.TaskStore, dispatches each to a named agent's
// Loop under a concurrency cap and sliding-window hourly budget, and routes
// the outcome back into the task store via complete/fail.
package work

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentrun/internal/agent"
	"github.com/nextlevelbuilder/agentrun/internal/bus"
	"github.com/nextlevelbuilder/agentrun/internal/sessions"
	"github.com/nextlevelbuilder/agentrun/internal/store"
)

const ownerWorkLoop = "work-loop"

// Config configures a Loop.
type Config struct {
	Tasks    store.TaskStore
	Registry *agent.Registry
	Bus      *bus.Bus

	// DefaultAgent is the agent key used for a task that doesn't name one
	// in its Metadata["agent"].
	DefaultAgent string

	MaxConcurrentTasks    int
	PollingInterval       time.Duration
	BudgetMaxTasksPerHour int
	DefaultTimeBudget     time.Duration // used when a task sets no TimeBudgetMs
}

// Loop is the Work Loop: one poller instance per task store.
type Loop struct {
	cfg    Config
	budget *budgetTracker

	mu      sync.Mutex
	running map[string]context.CancelFunc // taskID -> cancel (interrupt)
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

func NewLoop(cfg Config) *Loop {
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 3
	}
	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = 2 * time.Second
	}
	if cfg.DefaultTimeBudget <= 0 {
		cfg.DefaultTimeBudget = 5 * time.Minute
	}
	if cfg.DefaultAgent == "" {
		cfg.DefaultAgent = "default"
	}

	return &Loop{
		cfg:     cfg,
		budget:  newBudgetTracker(cfg.BudgetMaxTasksPerHour),
		running: make(map[string]context.CancelFunc),
	}
}

func (l *Loop) emit(name string, payload interface{}) {
	if l.cfg.Bus != nil {
		l.cfg.Bus.Emit(bus.Event{Name: name, Payload: payload})
	}
}

// Start begins the polling loop: an immediate poll followed by one poll per
// PollingInterval, until Stop is called.
func (l *Loop) Start() {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.stopCh = make(chan struct{})
	l.mu.Unlock()

	l.emit(bus.EventWorkStarted, nil)

	l.wg.Add(1)
	go l.run()
}

func (l *Loop) run() {
	defer l.wg.Done()

	l.poll()

	ticker := time.NewTicker(l.cfg.PollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.poll()
		}
	}
}

// Stop clears the timer, interrupts every running task's context, waits for
// the runs to return, and then resets every task that was running back to
// pending with its owner cleared (best-effort), including tasks the
// interrupted run already marked failed.
func (l *Loop) Stop(reason string) {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return
	}
	l.started = false
	close(l.stopCh)

	cancels := make([]context.CancelFunc, 0, len(l.running))
	taskIDs := make([]string, 0, len(l.running))
	for id, cancel := range l.running {
		cancels = append(cancels, cancel)
		taskIDs = append(taskIDs, id)
	}
	l.running = make(map[string]context.CancelFunc)
	l.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	l.wg.Wait()

	for _, id := range taskIDs {
		if _, _, err := l.cfg.Tasks.Update(id, store.TaskUpdate{
			Status:     statusPtr(store.TaskPending),
			ClearOwner: true,
		}); err != nil {
			slog.Warn("work loop: failed to reset interrupted task to pending", "task", id, "error", err)
		}
	}

	l.emit(bus.EventWorkStopped, map[string]string{"reason": reason})
}

func (l *Loop) runningCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.running)
}

// poll performs one scheduling tick: budget check, free-slot computation,
// available-task lookup, and dispatch of up to `free` tasks.
func (l *Loop) poll() {
	now := time.Now()

	if !l.budget.canDispatch(now) {
		l.emit(bus.EventWorkBudgetExhausted, nil)
		return
	}

	running := l.runningCount()
	free := l.cfg.MaxConcurrentTasks - running
	if free <= 0 {
		l.emit(bus.EventWorkPoll, map[string]int{"available": 0, "running": running})
		return
	}

	available, err := l.cfg.Tasks.Available(ownerWorkLoop)
	if err != nil {
		slog.Error("work loop: failed to list available tasks", "error", err)
		return
	}

	l.emit(bus.EventWorkPoll, map[string]int{"available": len(available), "running": running})

	for i := 0; i < len(available) && i < free; i++ {
		if !l.budget.canDispatch(time.Now()) {
			l.emit(bus.EventWorkBudgetExhausted, nil)
			break
		}
		l.dispatch(available[i])
	}
}

// dispatch claims the task and, on success, starts its agent run
// asynchronously; the poller never blocks on task execution.
func (l *Loop) dispatch(task store.TaskData) {
	claimed, err := l.cfg.Tasks.Claim(task.ID, ownerWorkLoop)
	if err != nil {
		// Lost the race to another poller/instance: drop silently.
		slog.Debug("work loop: claim lost", "task", task.ID, "error", err)
		return
	}
	l.emit(bus.EventTaskClaimed, map[string]string{"id": claimed.ID})

	agentKey := claimed.Metadata["agent"]
	if agentKey == "" {
		agentKey = l.cfg.DefaultAgent
	}
	loop, ok := l.cfg.Registry.Get(agentKey)
	if !ok {
		_, _ = l.cfg.Tasks.Fail(claimed.ID, fmt.Sprintf("no such agent %q registered for task dispatch", agentKey))
		l.emit(bus.EventWorkTaskCompleted, map[string]interface{}{"id": claimed.ID, "success": false})
		return
	}

	timeBudget := l.cfg.DefaultTimeBudget
	if claimed.TimeBudgetMs > 0 {
		timeBudget = time.Duration(claimed.TimeBudgetMs) * time.Millisecond
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeBudget)

	l.mu.Lock()
	l.running[claimed.ID] = cancel
	l.mu.Unlock()

	l.budget.record(time.Now())
	l.emit(bus.EventWorkTaskDispatched, map[string]string{"id": claimed.ID, "agent": agentKey})

	l.wg.Add(1)
	go l.runTask(ctx, cancel, loop, agentKey, *claimed)
}

func (l *Loop) runTask(ctx context.Context, cancel context.CancelFunc, loop *agent.Loop, agentKey string, task store.TaskData) {
	defer l.wg.Done()
	defer func() {
		cancel()
		l.mu.Lock()
		delete(l.running, task.ID)
		l.mu.Unlock()
	}()

	start := time.Now()
	message := buildTaskPrompt(task)
	sessionKey := sessions.BuildTaskSessionKey(agentKey, task.ID)

	_, runErr := loop.Run(ctx, agent.RunRequest{
		SessionKey: sessionKey,
		Message:    message,
		RunID:      uuid.NewString(),
		Minimal:    true,
	})

	durationMs := time.Since(start).Milliseconds()

	if runErr != nil {
		failed, failErr := l.cfg.Tasks.Fail(task.ID, runErr.Error())
		if failErr != nil {
			slog.Error("work loop: failed to mark task failed", "task", task.ID, "error", failErr)
		} else {
			l.emit(bus.EventTaskFailed, failed)
		}
		l.emit(bus.EventWorkTaskCompleted, map[string]interface{}{"id": task.ID, "success": false, "durationMs": durationMs})
		return
	}

	completed, completeErr := l.cfg.Tasks.Complete(task.ID)
	if completeErr != nil {
		slog.Error("work loop: failed to mark task completed", "task", task.ID, "error", completeErr)
	} else {
		// The Task Verifier subscribes to this event to run task.VerifyCommand.
		l.emit(bus.EventTaskCompleted, completed)
	}
	l.emit(bus.EventWorkTaskCompleted, map[string]interface{}{"id": task.ID, "success": true, "durationMs": durationMs})
}

// buildTaskPrompt builds a retry-aware prompt: on a retried task, the prior
// failure context is surfaced so the agent tries a different approach.
func buildTaskPrompt(task store.TaskData) string {
	if task.FailureContext != "" && task.RetryCount > 0 {
		return fmt.Sprintf("Previous attempt failed: %s. This is attempt %d. Try a different approach.\n\n%s",
			task.FailureContext, task.RetryCount+1, task.Description)
	}
	return task.Description
}

func statusPtr(s store.TaskStatus) *store.TaskStatus { return &s }
