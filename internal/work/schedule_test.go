package work

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentrun/internal/store"
)

// fakeTaskStore is a minimal in-memory store.TaskStore for exercising the
// Work Loop's collaborators without a real sqlite/pg backend.
type fakeTaskStore struct {
	mu      sync.Mutex
	tasks   map[string]*store.TaskData
	nextID  int
	created []string
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{tasks: make(map[string]*store.TaskData)}
}

func (f *fakeTaskStore) Create(task *store.TaskData) (*store.TaskData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	t := *task
	t.ID = fmt.Sprintf("t%d", f.nextID)
	f.tasks[t.ID] = &t
	f.created = append(f.created, t.ID)
	return &t, nil
}

func (f *fakeTaskStore) Get(id string) (*store.TaskData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s not found", id)
	}
	cp := *t
	return &cp, nil
}

func (f *fakeTaskStore) Update(id string, diff store.TaskUpdate) (*store.TaskData, []store.TaskChange, error) {
	return nil, nil, fmt.Errorf("not implemented")
}

func (f *fakeTaskStore) Claim(id, owner string) (*store.TaskData, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeTaskStore) Complete(id string) (*store.TaskData, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeTaskStore) Fail(id, failureContext string) (*store.TaskData, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeTaskStore) Retry(id string) (*store.TaskData, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeTaskStore) Delete(id string) error {
	return fmt.Errorf("not implemented")
}

func (f *fakeTaskStore) Available(owner string) ([]store.TaskData, error) {
	return nil, nil
}

func (f *fakeTaskStore) List(statusFilter store.TaskStatus, limit, offset int) ([]store.TaskData, int, error) {
	return nil, 0, nil
}

func TestCronService_EveryFiresAndReschedules(t *testing.T) {
	ts := newFakeTaskStore()
	cs := NewCronService(ts)

	s := &Schedule{
		ID:         "heartbeat",
		Kind:       ScheduleEvery,
		Expression: "10ms",
		Enabled:    true,
		Subject:    "heartbeat",
	}
	if err := cs.Add(s); err != nil {
		t.Fatalf("Add: %v", err)
	}

	first := time.Now().Add(20 * time.Millisecond)
	cs.tick(first)

	ts.mu.Lock()
	created := len(ts.created)
	ts.mu.Unlock()
	if created != 1 {
		t.Fatalf("expected 1 task created, got %d", created)
	}

	cs.mu.Lock()
	next := cs.schedules["heartbeat"].nextRunAt
	cs.mu.Unlock()
	if !next.After(first) {
		t.Fatalf("expected next run to be rescheduled after firing, got %v vs %v", next, first)
	}
}

func TestCronService_AtFiresOnceThenRemoved(t *testing.T) {
	ts := newFakeTaskStore()
	cs := NewCronService(ts)

	due := time.Now().Add(-time.Minute)
	s := &Schedule{
		ID:         "one-shot",
		Kind:       ScheduleAt,
		Expression: due.Format(time.RFC3339),
		Enabled:    true,
		Subject:    "one shot",
	}
	if err := cs.Add(s); err != nil {
		t.Fatalf("Add: %v", err)
	}

	cs.tick(time.Now())

	ts.mu.Lock()
	created := len(ts.created)
	ts.mu.Unlock()
	if created != 1 {
		t.Fatalf("expected 1 task created, got %d", created)
	}

	cs.mu.Lock()
	_, exists := cs.schedules["one-shot"]
	cs.mu.Unlock()
	if exists {
		t.Fatalf("expected one-shot schedule to be removed after firing")
	}
}

func TestCronService_InvalidCronExpressionRejected(t *testing.T) {
	ts := newFakeTaskStore()
	cs := NewCronService(ts)

	s := &Schedule{
		ID:         "bad",
		Kind:       ScheduleCron,
		Expression: "not a cron expression",
		Enabled:    true,
	}
	if err := cs.Add(s); err == nil {
		t.Fatalf("expected Add to reject an invalid cron expression")
	}
}

func TestCronService_DisabledScheduleNeverFires(t *testing.T) {
	ts := newFakeTaskStore()
	cs := NewCronService(ts)

	s := &Schedule{
		ID:         "off",
		Kind:       ScheduleEvery,
		Expression: "1ms",
		Enabled:    false,
	}
	if err := cs.Add(s); err != nil {
		t.Fatalf("Add: %v", err)
	}

	cs.tick(time.Now().Add(time.Hour))

	ts.mu.Lock()
	created := len(ts.created)
	ts.mu.Unlock()
	if created != 0 {
		t.Fatalf("expected disabled schedule to never fire, got %d created", created)
	}
}
