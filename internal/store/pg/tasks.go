package pg

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/nextlevelbuilder/agentrun/internal/store"
)

// PGTaskStore implements store.TaskStore backed by Postgres, for
// multi-process deployments where several Work Loop instances share one
// task queue. Claim/cascade transactions still take an in-process mutex on
// top of the DB row locking below, since a read-then-conditional-write pair
// (e.g. cascade unblock across several rows) isn't a single statement.
type PGTaskStore struct {
	db *sql.DB
	mu sync.Mutex
}

func NewPGTaskStore(db *sql.DB) *PGTaskStore {
	return &PGTaskStore{db: db}
}

func (s *PGTaskStore) Create(task *store.TaskData) (*store.TaskData, error) {
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

	metaJSON, _ := json.Marshal(t.Metadata)
	_, err := s.db.Exec(
		`INSERT INTO tasks (id, subject, description, active_form, status, owner, blocked_by, blocks, metadata,
			time_budget_ms, verify_command, failure_context, retry_count, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		t.ID, t.Subject, t.Description, t.ActiveForm, t.Status, nilStr(t.Owner),
		pq.Array(t.BlockedBy), pq.Array(t.Blocks), string(metaJSON),
		t.TimeBudgetMs, nilStr(t.VerifyCommand), nilStr(t.FailureContext), t.RetryCount, now, now,
	)
	if err != nil {
		return nil, err
	}

	for _, blockerID := range t.BlockedBy {
		blocker, err := s.get(blockerID)
		if err != nil {
			continue
		}
		if !contains(blocker.Blocks, t.ID) {
			blocker.Blocks = append(blocker.Blocks, t.ID)
			if err := s.save(blocker); err != nil {
				return nil, err
			}
		}
	}

	return &t, nil
}

func (s *PGTaskStore) Get(id string) (*store.TaskData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(id)
}

func (s *PGTaskStore) Update(id string, diff store.TaskUpdate) (*store.TaskData, []store.TaskChange, error) {
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
		fc := truncateStr(*diff.FailureContext, 2000)
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
		t.Blocks = applySetDiffPG(t.Blocks, diff.AddBlocks, diff.RemoveBlocks)
		note("blocks")
		if err := s.mirrorEdge(t.ID, diff.AddBlocks, diff.RemoveBlocks, true); err != nil {
			return nil, nil, err
		}
	}
	if len(diff.AddBlockedBy) > 0 || len(diff.RemoveBlockedBy) > 0 {
		t.BlockedBy = applySetDiffPG(t.BlockedBy, diff.AddBlockedBy, diff.RemoveBlockedBy)
		note("blockedBy")
		if err := s.mirrorEdge(t.ID, diff.AddBlockedBy, diff.RemoveBlockedBy, false); err != nil {
			return nil, nil, err
		}
	}

	if len(changes) == 0 {
		return t, nil, nil
	}

	if err := s.save(t); err != nil {
		return nil, nil, err
	}

	if t.Status == store.TaskCompleted && !wasCompleted {
		if err := s.cascadeUnblock(t.ID); err != nil {
			return nil, nil, err
		}
	}

	return t, changes, nil
}

func (s *PGTaskStore) mirrorEdge(selfID string, added, removed []string, selfIsSource bool) error {
	for _, peerID := range added {
		peer, err := s.get(peerID)
		if err != nil {
			continue
		}
		if selfIsSource {
			if !contains(peer.BlockedBy, selfID) {
				peer.BlockedBy = append(peer.BlockedBy, selfID)
			}
		} else {
			if !contains(peer.Blocks, selfID) {
				peer.Blocks = append(peer.Blocks, selfID)
			}
		}
		if err := s.save(peer); err != nil {
			return err
		}
	}
	for _, peerID := range removed {
		peer, err := s.get(peerID)
		if err != nil {
			continue
		}
		if selfIsSource {
			peer.BlockedBy = removeStr(peer.BlockedBy, selfID)
		} else {
			peer.Blocks = removeStr(peer.Blocks, selfID)
		}
		if err := s.save(peer); err != nil {
			return err
		}
	}
	return nil
}

func (s *PGTaskStore) Claim(id, owner string) (*store.TaskData, error) {
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

	res, err := s.db.Exec(
		`UPDATE tasks SET status=$1, owner=$2, updated_at=$3 WHERE id=$4 AND status=$5`,
		store.TaskInProgress, owner, time.Now().UTC(), id, store.TaskPending,
	)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("task %s not available for claiming", id)
	}
	t.Owner = owner
	t.Status = store.TaskInProgress
	return t, nil
}

func (s *PGTaskStore) Complete(id string) (*store.TaskData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.get(id)
	if err != nil {
		return nil, err
	}
	t.Status = store.TaskCompleted
	if err := s.save(t); err != nil {
		return nil, err
	}
	if err := s.cascadeUnblock(id); err != nil {
		return nil, err
	}
	return t, nil
}

// cascadeUnblock mirrors sqlite.TaskStore's cascadeUnblock: once every
// blocker of a task is completed, its BlockedBy list is cleared.
func (s *PGTaskStore) cascadeUnblock(completedID string) error {
	completed, err := s.get(completedID)
	if err != nil {
		return err
	}
	for _, blockedID := range completed.Blocks {
		blocked, err := s.get(blockedID)
		if err != nil || !contains(blocked.BlockedBy, completedID) {
			continue
		}
		allDone := true
		for _, bID := range blocked.BlockedBy {
			blocker, err := s.get(bID)
			if err != nil || blocker.Status != store.TaskCompleted {
				allDone = false
				break
			}
		}
		if allDone {
			blocked.BlockedBy = []string{}
			if err := s.save(blocked); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *PGTaskStore) Fail(id, failureContext string) (*store.TaskData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.get(id)
	if err != nil {
		return nil, err
	}
	t.Status = store.TaskFailed
	t.FailureContext = truncateStr(failureContext, 2000)
	t.RetryCount++
	if err := s.save(t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *PGTaskStore) Retry(id string) (*store.TaskData, error) {
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
	if err := s.save(t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *PGTaskStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.get(id)
	if err != nil {
		return err
	}
	t.Status = store.TaskDeleted
	return s.save(t)
}

func (s *PGTaskStore) Available(owner string) ([]store.TaskData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT id FROM tasks WHERE status = $1 ORDER BY created_at`, store.TaskPending)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()

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

func (s *PGTaskStore) List(statusFilter store.TaskStatus, limit, offset int) ([]store.TaskData, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}

	var total int
	var rows *sql.Rows
	var err error
	if statusFilter != "" {
		s.db.QueryRow(`SELECT COUNT(*) FROM tasks WHERE status = $1`, statusFilter).Scan(&total)
		rows, err = s.db.Query(`SELECT id FROM tasks WHERE status = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, statusFilter, limit, offset)
	} else {
		s.db.QueryRow(`SELECT COUNT(*) FROM tasks`).Scan(&total)
		rows, err = s.db.Query(`SELECT id FROM tasks ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	}
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

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

func (s *PGTaskStore) get(id string) (*store.TaskData, error) {
	var t store.TaskData
	var activeForm, owner, verifyCommand, failureContext sql.NullString
	var blockedBy, blocks []string
	var metaJSON string

	err := s.db.QueryRow(
		`SELECT id, subject, description, active_form, status, owner, blocked_by, blocks, metadata,
			time_budget_ms, verify_command, failure_context, retry_count, created_at, updated_at
		 FROM tasks WHERE id = $1`, id,
	).Scan(&t.ID, &t.Subject, &t.Description, &activeForm, &t.Status, &owner,
		pq.Array(&blockedBy), pq.Array(&blocks), &metaJSON,
		&t.TimeBudgetMs, &verifyCommand, &failureContext, &t.RetryCount, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("task %s not found: %w", id, err)
	}

	t.ActiveForm = activeForm.String
	t.Owner = owner.String
	t.VerifyCommand = verifyCommand.String
	t.FailureContext = failureContext.String
	t.BlockedBy = blockedBy
	t.Blocks = blocks
	json.Unmarshal([]byte(metaJSON), &t.Metadata)
	return &t, nil
}

func (s *PGTaskStore) save(t *store.TaskData) error {
	t.UpdatedAt = time.Now().UTC()
	metaJSON, _ := json.Marshal(t.Metadata)
	_, err := s.db.Exec(
		`UPDATE tasks SET subject=$1, description=$2, active_form=$3, status=$4, owner=$5, blocked_by=$6,
			blocks=$7, metadata=$8, time_budget_ms=$9, verify_command=$10, failure_context=$11,
			retry_count=$12, updated_at=$13
		 WHERE id=$14`,
		t.Subject, t.Description, t.ActiveForm, t.Status, nilStr(t.Owner),
		pq.Array(t.BlockedBy), pq.Array(t.Blocks), string(metaJSON),
		t.TimeBudgetMs, nilStr(t.VerifyCommand), nilStr(t.FailureContext), t.RetryCount, t.UpdatedAt, t.ID,
	)
	return err
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

func removeStr(ids []string, id string) []string {
	out := ids[:0:0]
	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}

func applySetDiffPG(current, add, remove []string) []string {
	out := append([]string{}, current...)
	for _, id := range add {
		if !contains(out, id) {
			out = append(out, id)
		}
	}
	for _, id := range remove {
		out = removeStr(out, id)
	}
	return out
}

func truncateStr(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
