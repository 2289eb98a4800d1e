package store

import "github.com/nextlevelbuilder/agentrun/internal/bus"

// busTaskStore wraps a TaskStore to emit task:created/task:updated/
// task:blocked/task:unblocked on the bus. The underlying sqlite/pg stores
// stay bus-agnostic (no import cycle, testable without a bus); wiring a
// bus onto one is the caller's choice, made once at construction time.
type busTaskStore struct {
	inner TaskStore
	bus   *bus.Bus
}

// NewBusTaskStore wraps inner so Create and Update also emit on b; Claim,
// Complete, Fail, Retry and Delete pass through without emitting.
func NewBusTaskStore(inner TaskStore, b *bus.Bus) TaskStore {
	return &busTaskStore{inner: inner, bus: b}
}

func (s *busTaskStore) Create(task *TaskData) (*TaskData, error) {
	created, err := s.inner.Create(task)
	if err != nil {
		return nil, err
	}
	s.bus.Emit(bus.Event{Name: bus.EventTaskCreated, Payload: created})
	if len(created.BlockedBy) > 0 {
		s.bus.Emit(bus.Event{Name: bus.EventTaskBlocked, Payload: created})
	}
	return created, nil
}

func (s *busTaskStore) Get(id string) (*TaskData, error) {
	return s.inner.Get(id)
}

func (s *busTaskStore) Update(id string, diff TaskUpdate) (*TaskData, []TaskChange, error) {
	t, changes, err := s.inner.Update(id, diff)
	if err != nil || len(changes) == 0 {
		return t, changes, err
	}

	s.bus.Emit(bus.Event{Name: bus.EventTaskUpdated, Payload: map[string]interface{}{
		"task":    t,
		"changes": changes,
	}})

	for _, c := range changes {
		if c != "blockedBy" {
			continue
		}
		if len(t.BlockedBy) > 0 {
			s.bus.Emit(bus.Event{Name: bus.EventTaskBlocked, Payload: t})
		} else {
			s.bus.Emit(bus.Event{Name: bus.EventTaskUnblocked, Payload: t})
		}
	}

	return t, changes, nil
}

func (s *busTaskStore) Claim(id, owner string) (*TaskData, error) {
	return s.inner.Claim(id, owner)
}

func (s *busTaskStore) Complete(id string) (*TaskData, error) {
	return s.inner.Complete(id)
}

func (s *busTaskStore) Fail(id, failureContext string) (*TaskData, error) {
	return s.inner.Fail(id, failureContext)
}

func (s *busTaskStore) Retry(id string) (*TaskData, error) {
	return s.inner.Retry(id)
}

func (s *busTaskStore) Delete(id string) error {
	return s.inner.Delete(id)
}

func (s *busTaskStore) Available(owner string) ([]TaskData, error) {
	return s.inner.Available(owner)
}

func (s *busTaskStore) List(statusFilter TaskStatus, limit, offset int) ([]TaskData, int, error) {
	return s.inner.List(statusFilter, limit, offset)
}
