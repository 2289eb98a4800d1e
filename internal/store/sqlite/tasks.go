// Package sqlite is the default embedded task store, backed by
// modernc.org/sqlite. It is the standalone counterpart to
// internal/store/pg's Postgres-backed TaskStore for multi-process
// deployments.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/agentrun/internal/store"
)

func init() {
	store.RegisterSQLiteTaskStoreOpener(func(path string) (store.TaskStore, error) {
		return Open(path)
	})
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	subject TEXT NOT NULL,
	description TEXT NOT NULL,
	active_form TEXT,
	status TEXT NOT NULL,
	owner TEXT,
	blocked_by TEXT NOT NULL DEFAULT '[]',
	blocks TEXT NOT NULL DEFAULT '[]',
	metadata TEXT NOT NULL DEFAULT '{}',
	time_budget_ms INTEGER,
	verify_command TEXT,
	failure_context TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
`

// TaskStore implements store.TaskStore against an on-disk SQLite database.
// A single in-process mutex serializes claim/cascade transactions — SQLite
// itself only allows one writer at a time, and the claim-safety and cascade
// invariants need read-then-write atomicity that statement-level locking
// alone doesn't give us.
type TaskStore struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates (or attaches to) a SQLite-backed task store at path,
// creating the schema if needed. Pass ":memory:" for an ephemeral store.
func Open(path string) (*TaskStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: avoid concurrent-writer SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &TaskStore{db: db}, nil
}

func (s *TaskStore) Close() error { return s.db.Close() }

func (s *TaskStore) Create(task *store.TaskData) (*store.TaskData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := *task
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Status = store.TaskPending
	t.BlockedBy = dedupe(t.BlockedBy)
	if t.Blocks == nil {
		t.Blocks = []string{}
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now

	if err := s.insert(&t); err != nil {
		return nil, err
	}

	// Append this task to each blocker's Blocks list (reverse edge).
	for _, blockerID := range t.BlockedBy {
		blocker, err := s.get(blockerID)
		if err != nil {
			continue // dangling blocker id — task still gets created, edge skipped
		}
		if !contains(blocker.Blocks, t.ID) {
			blocker.Blocks = append(blocker.Blocks, t.ID)
			blocker.UpdatedAt = now
			if err := s.update(blocker); err != nil {
				return nil, err
			}
		}
	}

	return &t, nil
}

func (s *TaskStore) Get(id string) (*store.TaskData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(id)
}

func (s *TaskStore) Update(id string, diff store.TaskUpdate) (*store.TaskData, []store.TaskChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.get(id)
	if err != nil {
		return nil, nil, err
	}

	var changes []store.TaskChange
	note := func(c store.TaskChange) { changes = append(changes, c) }

	if diff.Subject != nil && *diff.Subject != t.Subject {
		t.Subject = *diff.Subject
		note("subject")
	}
	if diff.Description != nil && *diff.Description != t.Description {
		t.Description = *diff.Description
		note("description")
	}
	if diff.ActiveForm != nil && *diff.ActiveForm != t.ActiveForm {
		t.ActiveForm = *diff.ActiveForm
		note("activeForm")
	}
	wasCompleted := t.Status == store.TaskCompleted
	if diff.Status != nil && *diff.Status != t.Status {
		t.Status = *diff.Status
		note("status")
	}
	if diff.ClearOwner {
		if t.Owner != "" {
			t.Owner = ""
			note("owner")
		}
	} else if diff.Owner != nil && *diff.Owner != t.Owner {
		t.Owner = *diff.Owner
		note("owner")
	}
	if diff.TimeBudgetMs != nil && *diff.TimeBudgetMs != t.TimeBudgetMs {
		t.TimeBudgetMs = *diff.TimeBudgetMs
		note("timeBudgetMs")
	}
	if diff.VerifyCommand != nil && *diff.VerifyCommand != t.VerifyCommand {
		t.VerifyCommand = *diff.VerifyCommand
		note("verifyCommand")
	}
	if diff.FailureContext != nil {
		fc := truncate(*diff.FailureContext, 2000)
		if fc != t.FailureContext {
			t.FailureContext = fc
			note("failureContext")
		}
	}
	if diff.RetryCountAbsSet {
		if diff.RetryCountAbs != t.RetryCount {
			t.RetryCount = diff.RetryCountAbs
			note("retryCount")
		}
	} else if diff.RetryCountDelta != 0 {
		t.RetryCount += diff.RetryCountDelta
		note("retryCount")
	}

	if len(diff.MetadataMerge) > 0 {
		if t.Metadata == nil {
			t.Metadata = map[string]string{}
		}
		for k, v := range diff.MetadataMerge {
			t.Metadata[k] = v
		}
		note("metadata")
	}

	if len(diff.AddBlocks) > 0 || len(diff.RemoveBlocks) > 0 {
		t.Blocks = applySetDiff(t.Blocks, diff.AddBlocks, diff.RemoveBlocks)
		note("blocks")
		if err := s.mirrorEdge(t.ID, diff.AddBlocks, diff.RemoveBlocks, true); err != nil {
			return nil, nil, err
		}
	}
	if len(diff.AddBlockedBy) > 0 || len(diff.RemoveBlockedBy) > 0 {
		t.BlockedBy = applySetDiff(t.BlockedBy, diff.AddBlockedBy, diff.RemoveBlockedBy)
		note("blockedBy")
		if err := s.mirrorEdge(t.ID, diff.AddBlockedBy, diff.RemoveBlockedBy, false); err != nil {
			return nil, nil, err
		}
	}

	if len(changes) == 0 {
		return t, nil, nil
	}

	t.UpdatedAt = time.Now().UTC()
	if err := s.update(t); err != nil {
		return nil, nil, err
	}

	if t.Status == store.TaskCompleted && !wasCompleted {
		if err := s.cascadeUnblock(t.ID); err != nil {
			return nil, nil, err
		}
	}

	return t, changes, nil
}

// mirrorEdge keeps the peer side of a blocks/blockedBy diff consistent:
// adding id to a peer's Blocks means adding the peer to id's BlockedBy side
// effect, which the caller already applied — this only touches the peer row.
func (s *TaskStore) mirrorEdge(selfID string, added, removed []string, selfIsSource bool) error {
	for _, peerID := range added {
		peer, err := s.get(peerID)
		if err != nil {
			continue
		}
		if selfIsSource {
			// self.Blocks += peerID  =>  peer.BlockedBy += selfID
			if !contains(peer.BlockedBy, selfID) {
				peer.BlockedBy = append(peer.BlockedBy, selfID)
			}
		} else {
			// self.BlockedBy += peerID  =>  peer.Blocks += selfID
			if !contains(peer.Blocks, selfID) {
				peer.Blocks = append(peer.Blocks, selfID)
			}
		}
		peer.UpdatedAt = time.Now().UTC()
		if err := s.update(peer); err != nil {
			return err
		}
	}
	for _, peerID := range removed {
		peer, err := s.get(peerID)
		if err != nil {
			continue
		}
		if selfIsSource {
			peer.BlockedBy = remove(peer.BlockedBy, selfID)
		} else {
			peer.Blocks = remove(peer.Blocks, selfID)
		}
		peer.UpdatedAt = time.Now().UTC()
		if err := s.update(peer); err != nil {
			return err
		}
	}
	return nil
}

func (s *TaskStore) Claim(id, owner string) (*store.TaskData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.get(id)
	if err != nil {
		return nil, err
	}
	if t.Status != store.TaskPending {
		return nil, fmt.Errorf("task %s not pending (status=%s)", id, t.Status)
	}
	if t.Owner != "" && t.Owner != owner {
		return nil, fmt.Errorf("task %s already owned by %s", id, t.Owner)
	}
	for _, blockerID := range t.BlockedBy {
		blocker, err := s.get(blockerID)
		if err != nil || blocker.Status != store.TaskCompleted {
			return nil, fmt.Errorf("task %s has an incomplete blocker %s", id, blockerID)
		}
	}

	t.Owner = owner
	t.Status = store.TaskInProgress
	t.UpdatedAt = time.Now().UTC()
	if err := s.update(t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *TaskStore) Complete(id string) (*store.TaskData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.get(id)
	if err != nil {
		return nil, err
	}
	t.Status = store.TaskCompleted
	t.UpdatedAt = time.Now().UTC()
	if err := s.update(t); err != nil {
		return nil, err
	}
	if err := s.cascadeUnblock(id); err != nil {
		return nil, err
	}
	return t, nil
}

// cascadeUnblock removes completedID from the BlockedBy list of every task
// that names it as a blocker, once every remaining blocker is completed too.
func (s *TaskStore) cascadeUnblock(completedID string) error {
	completed, err := s.get(completedID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, blockedID := range completed.Blocks {
		blocked, err := s.get(blockedID)
		if err != nil {
			continue
		}
		if !contains(blocked.BlockedBy, completedID) {
			continue
		}
		allDone := true
		var remaining []string
		for _, bID := range blocked.BlockedBy {
			blocker, err := s.get(bID)
			if err != nil || blocker.Status != store.TaskCompleted {
				allDone = false
				remaining = append(remaining, bID)
			}
		}
		if allDone {
			blocked.BlockedBy = []string{}
			blocked.UpdatedAt = now
			if err := s.update(blocked); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *TaskStore) Fail(id, failureContext string) (*store.TaskData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.get(id)
	if err != nil {
		return nil, err
	}
	t.Status = store.TaskFailed
	t.FailureContext = truncate(failureContext, 2000)
	t.RetryCount++
	t.UpdatedAt = time.Now().UTC()
	if err := s.update(t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *TaskStore) Retry(id string) (*store.TaskData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.get(id)
	if err != nil {
		return nil, err
	}
	if t.Status != store.TaskFailed {
		return nil, fmt.Errorf("task %s not failed (status=%s)", id, t.Status)
	}
	t.Status = store.TaskPending
	t.Owner = ""
	t.UpdatedAt = time.Now().UTC()
	if err := s.update(t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *TaskStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.get(id)
	if err != nil {
		return err
	}
	t.Status = store.TaskDeleted
	t.UpdatedAt = time.Now().UTC()
	return s.update(t)
}

// Available returns pending, unblocked tasks owned by nobody or by owner.
func (s *TaskStore) Available(owner string) ([]store.TaskData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT id FROM tasks WHERE status = ? ORDER BY created_at`, store.TaskPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	var out []store.TaskData
	for _, id := range ids {
		t, err := s.get(id)
		if err != nil {
			continue
		}
		if t.Owner != "" && t.Owner != owner {
			continue
		}
		ready := true
		for _, blockerID := range t.BlockedBy {
			blocker, err := s.get(blockerID)
			if err != nil || blocker.Status != store.TaskCompleted {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *TaskStore) List(statusFilter store.TaskStatus, limit, offset int) ([]store.TaskData, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}

	var countRow *sql.Row
	var rows *sql.Rows
	var err error
	if statusFilter != "" {
		countRow = s.db.QueryRow(`SELECT COUNT(*) FROM tasks WHERE status = ?`, statusFilter)
		rows, err = s.db.Query(`SELECT id FROM tasks WHERE status = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`, statusFilter, limit, offset)
	} else {
		countRow = s.db.QueryRow(`SELECT COUNT(*) FROM tasks`)
		rows, err = s.db.Query(`SELECT id FROM tasks ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	}
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var total int
	countRow.Scan(&total)

	var out []store.TaskData
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, 0, err
		}
		t, err := s.get(id)
		if err != nil {
			continue
		}
		out = append(out, *t)
	}
	return out, total, nil
}

// --- internal helpers (unlocked — callers hold s.mu) ---

func (s *TaskStore) insert(t *store.TaskData) error {
	blockedByJSON, _ := json.Marshal(t.BlockedBy)
	blocksJSON, _ := json.Marshal(t.Blocks)
	metaJSON, _ := json.Marshal(t.Metadata)
	_, err := s.db.Exec(
		`INSERT INTO tasks (id, subject, description, active_form, status, owner, blocked_by, blocks, metadata,
			time_budget_ms, verify_command, failure_context, retry_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Subject, t.Description, t.ActiveForm, t.Status, t.Owner,
		string(blockedByJSON), string(blocksJSON), string(metaJSON),
		t.TimeBudgetMs, t.VerifyCommand, t.FailureContext, t.RetryCount, t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func (s *TaskStore) update(t *store.TaskData) error {
	blockedByJSON, _ := json.Marshal(t.BlockedBy)
	blocksJSON, _ := json.Marshal(t.Blocks)
	metaJSON, _ := json.Marshal(t.Metadata)
	_, err := s.db.Exec(
		`UPDATE tasks SET subject=?, description=?, active_form=?, status=?, owner=?, blocked_by=?, blocks=?,
			metadata=?, time_budget_ms=?, verify_command=?, failure_context=?, retry_count=?, updated_at=?
		 WHERE id=?`,
		t.Subject, t.Description, t.ActiveForm, t.Status, t.Owner,
		string(blockedByJSON), string(blocksJSON), string(metaJSON),
		t.TimeBudgetMs, t.VerifyCommand, t.FailureContext, t.RetryCount, t.UpdatedAt, t.ID,
	)
	return err
}

func (s *TaskStore) get(id string) (*store.TaskData, error) {
	var t store.TaskData
	var activeForm, owner, verifyCommand, failureContext sql.NullString
	var timeBudgetMs sql.NullInt64
	var blockedByJSON, blocksJSON, metaJSON string

	err := s.db.QueryRow(
		`SELECT id, subject, description, active_form, status, owner, blocked_by, blocks, metadata,
			time_budget_ms, verify_command, failure_context, retry_count, created_at, updated_at
		 FROM tasks WHERE id = ?`, id,
	).Scan(&t.ID, &t.Subject, &t.Description, &activeForm, &t.Status, &owner,
		&blockedByJSON, &blocksJSON, &metaJSON,
		&timeBudgetMs, &verifyCommand, &failureContext, &t.RetryCount, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("task %s not found: %w", id, err)
	}

	t.ActiveForm = activeForm.String
	t.Owner = owner.String
	t.VerifyCommand = verifyCommand.String
	t.FailureContext = failureContext.String
	t.TimeBudgetMs = timeBudgetMs.Int64
	json.Unmarshal([]byte(blockedByJSON), &t.BlockedBy)
	json.Unmarshal([]byte(blocksJSON), &t.Blocks)
	json.Unmarshal([]byte(metaJSON), &t.Metadata)
	return &t, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func remove(ids []string, id string) []string {
	out := ids[:0:0]
	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}

func applySetDiff(current, add, remove_ []string) []string {
	out := append([]string{}, current...)
	for _, id := range add {
		if !contains(out, id) {
			out = append(out, id)
		}
	}
	for _, id := range remove_ {
		out = remove(out, id)
	}
	return out
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
