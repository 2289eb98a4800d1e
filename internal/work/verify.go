package work

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/agentrun/internal/bus"
	"github.com/nextlevelbuilder/agentrun/internal/store"
)

const verifyOutputLimit = 2000

// VerifierConfig configures a Verifier.
type VerifierConfig struct {
	Tasks      store.TaskStore
	Bus        *bus.Bus
	Timeout    time.Duration // default 30s
	KillGrace  time.Duration // default 5s
	MaxRetries int           // default 3
}

// Verifier subscribes to task:completed and, for any completed task naming a
// VerifyCommand, shells it out and routes the outcome back into the task
// store: pass marks verifyPassed, failure routes into the bounded retry
// pipeline via TaskStore.Retry.
type Verifier struct {
	cfg VerifierConfig
}

func NewVerifier(cfg VerifierConfig) *Verifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Verifier{cfg: cfg}
}

// Subscribe registers the verifier's task:completed handler on msgBus.
func (v *Verifier) Subscribe(msgBus *bus.Bus) {
	msgBus.On(bus.EventTaskCompleted, func(ev bus.Event) {
		task, ok := ev.Payload.(*store.TaskData)
		if !ok || task == nil {
			return
		}
		v.handleCompleted(*task)
	})
}

func (v *Verifier) handleCompleted(task store.TaskData) {
	if task.VerifyCommand == "" {
		return
	}

	output, exitCode := v.run(task.VerifyCommand)

	if exitCode == 0 {
		if _, _, err := v.cfg.Tasks.Update(task.ID, store.TaskUpdate{
			MetadataMerge: map[string]string{"verifyPassed": "true"},
		}); err != nil {
			slog.Error("verifier: failed to record verifyPassed", "task", task.ID, "error", err)
		}
		v.emit(bus.EventTaskVerificationPassed, map[string]string{"id": task.ID})
		return
	}

	msg := fmt.Sprintf("Verification failed (exit %d): %s", exitCode, output)
	if _, err := v.cfg.Tasks.Fail(task.ID, msg); err != nil {
		slog.Error("verifier: failed to mark task failed", "task", task.ID, "error", err)
	}
	v.emit(bus.EventTaskVerificationFailed, map[string]interface{}{
		"id": task.ID, "attempt": task.RetryCount + 1, "output": output,
	})

	if task.RetryCount < v.cfg.MaxRetries {
		if _, err := v.cfg.Tasks.Retry(task.ID); err != nil {
			slog.Error("verifier: failed to retry task", "task", task.ID, "error", err)
		}
	}
}

func (v *Verifier) emit(name string, payload interface{}) {
	if v.cfg.Bus != nil {
		v.cfg.Bus.Emit(bus.Event{Name: name, Payload: payload})
	}
}

// run shells out command, enforcing a timeout via SIGTERM followed by
// SIGKILL after a grace window (mirrors internal/tools/shell.go's ExecTool).
// Returns combined, trimmed output truncated to verifyOutputLimit and an
// exit code (124 on timeout).
func (v *Verifier) run(command string) (string, int) {
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = v.cfg.KillGrace

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	timer := time.AfterFunc(v.cfg.Timeout, cancel)
	defer timer.Stop()

	err := cmd.Run()
	output := strings.TrimSpace(buf.String())
	if len(output) > verifyOutputLimit {
		output = output[:verifyOutputLimit]
	}

	if err == nil {
		return output, 0
	}

	if runCtx.Err() != nil {
		if output == "" {
			output = "command timed out"
		}
		return output, 124
	}

	if exitErr, ok := err.(*exec.ExitError); ok {
		return output, exitErr.ExitCode()
	}

	if output == "" {
		output = err.Error()
	}
	return output, 1
}
