package work

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/agentrun/internal/store"
)

// ScheduleKind is the Schedule entry's trigger type (spec.md's "Schedule
// entry," used by the Work Loop's cron collaborator).
type ScheduleKind string

const (
	ScheduleAt    ScheduleKind = "at"
	ScheduleEvery ScheduleKind = "every"
	ScheduleCron  ScheduleKind = "cron"
)

// Schedule is a named, recurring (or one-shot) task template: when due, the
// cron collaborator synthesizes a pending task from it.
type Schedule struct {
	ID         string
	Kind       ScheduleKind
	Expression string // cron expr for ScheduleCron; Go duration string for ScheduleEvery; RFC3339 for ScheduleAt
	Enabled    bool

	Subject       string
	Description   string
	AgentKey      string
	VerifyCommand string

	nextRunAt time.Time
}

// CronService computes next-run timestamps for Schedule entries (cron
// expressions via gronx; "every" via a parsed duration; "at" fires once)
// and, when a tick finds an entry due, creates a pending task from its
// template. It is an optional collaborator the Work Loop's poller picks up
// tasks from like any other task source — it does not dispatch tasks itself.
type CronService struct {
	mu        sync.Mutex
	schedules map[string]*Schedule
	tasks     store.TaskStore

	stopCh  chan struct{}
	started bool
}

func NewCronService(tasks store.TaskStore) *CronService {
	return &CronService{
		schedules: make(map[string]*Schedule),
		tasks:     tasks,
	}
}

// Add registers a schedule and computes its first next-run timestamp.
func (cs *CronService) Add(s *Schedule) error {
	if err := cs.computeNextRun(s, time.Now()); err != nil {
		return fmt.Errorf("schedule %s: %w", s.ID, err)
	}
	cs.mu.Lock()
	cs.schedules[s.ID] = s
	cs.mu.Unlock()
	return nil
}

// Remove deletes a schedule by id.
func (cs *CronService) Remove(id string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	delete(cs.schedules, id)
}

func (cs *CronService) computeNextRun(s *Schedule, after time.Time) error {
	switch s.Kind {
	case ScheduleCron:
		if !gronx.IsValid(s.Expression) {
			return fmt.Errorf("invalid cron expression %q", s.Expression)
		}
		next, err := gronx.NextTickAfter(s.Expression, after, false)
		if err != nil {
			return err
		}
		s.nextRunAt = next
	case ScheduleEvery:
		d, err := time.ParseDuration(s.Expression)
		if err != nil {
			return fmt.Errorf("invalid interval %q: %w", s.Expression, err)
		}
		s.nextRunAt = after.Add(d)
	case ScheduleAt:
		t, err := time.Parse(time.RFC3339, s.Expression)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", s.Expression, err)
		}
		s.nextRunAt = t
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// Start begins a background ticker that checks for due schedules once per
// interval and synthesizes a pending task for each.
func (cs *CronService) Start(interval time.Duration) {
	cs.mu.Lock()
	if cs.started {
		cs.mu.Unlock()
		return
	}
	cs.started = true
	cs.stopCh = make(chan struct{})
	cs.mu.Unlock()

	go cs.run(interval)
}

func (cs *CronService) run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-cs.stopCh:
			return
		case <-ticker.C:
			cs.tick(time.Now())
		}
	}
}

func (cs *CronService) tick(now time.Time) {
	cs.mu.Lock()
	due := make([]*Schedule, 0)
	for _, s := range cs.schedules {
		if s.Enabled && !s.nextRunAt.IsZero() && !s.nextRunAt.After(now) {
			due = append(due, s)
		}
	}
	cs.mu.Unlock()

	for _, s := range due {
		cs.fire(s, now)
	}
}

func (cs *CronService) fire(s *Schedule, now time.Time) {
	task := &store.TaskData{
		Subject:       s.Subject,
		Description:   s.Description,
		Status:        store.TaskPending,
		VerifyCommand: s.VerifyCommand,
		Metadata:      map[string]string{"agent": s.AgentKey, "schedule": s.ID},
	}
	if _, err := cs.tasks.Create(task); err != nil {
		slog.Error("cron: failed to create task from schedule", "schedule", s.ID, "error", err)
		return
	}
	slog.Info("cron: fired schedule", "schedule", s.ID, "subject", s.Subject)

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if s.Kind == ScheduleAt {
		delete(cs.schedules, s.ID)
		return
	}
	if err := cs.computeNextRun(s, now); err != nil {
		slog.Error("cron: failed to compute next run", "schedule", s.ID, "error", err)
		delete(cs.schedules, s.ID)
	}
}

// Stop halts the background ticker.
func (cs *CronService) Stop() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if !cs.started {
		return
	}
	cs.started = false
	close(cs.stopCh)
}
