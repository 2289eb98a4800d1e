package store

import "time"

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskDeleted    TaskStatus = "deleted"
)

// TaskData is a task DAG node: ordering constraints live in BlockedBy/Blocks,
// which must stay mutually consistent (A in B.BlockedBy iff B in A.Blocks).
type TaskData struct {
	ID             string            `json:"id"`
	Subject        string            `json:"subject"`
	Description    string            `json:"description"`
	ActiveForm     string            `json:"activeForm,omitempty"`
	Status         TaskStatus        `json:"status"`
	Owner          string            `json:"owner,omitempty"`
	BlockedBy      []string          `json:"blockedBy"`
	Blocks         []string          `json:"blocks"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	TimeBudgetMs   int64             `json:"timeBudgetMs,omitempty"`
	VerifyCommand  string            `json:"verifyCommand,omitempty"`
	FailureContext string            `json:"failureContext,omitempty"` // truncated to 2000 chars
	RetryCount     int               `json:"retryCount"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// TaskUpdate is a partial update to a task, applied by TaskStore.Update.
// Pointer/nil-slice fields mean "leave unchanged"; AddBlocks/RemoveBlocks (and
// their BlockedBy counterparts) are diffs so reverse edges on the peer task
// can be maintained atomically alongside the primary edit.
type TaskUpdate struct {
	Subject          *string
	Description      *string
	ActiveForm       *string
	Status           *TaskStatus
	Owner            *string
	ClearOwner       bool
	AddBlocks        []string
	RemoveBlocks     []string
	AddBlockedBy     []string
	RemoveBlockedBy  []string
	MetadataMerge    map[string]string
	TimeBudgetMs     *int64
	VerifyCommand    *string
	FailureContext   *string
	RetryCountDelta  int
	RetryCountAbsSet bool
	RetryCountAbs    int
}

// TaskChange names one field that actually changed during an Update, used to
// build the task:updated{changes} event payload.
type TaskChange string

// TaskStore persists the task DAG and implements the claim/cascade-unblock
// semantics the Work Loop and Task Verifier depend on.
type TaskStore interface {
	Create(task *TaskData) (*TaskData, error)
	Get(id string) (*TaskData, error)
	// Update applies diff, returns the updated task and the list of changed
	// field names (empty if nothing changed), maintaining reverse edges.
	Update(id string, diff TaskUpdate) (*TaskData, []TaskChange, error)
	// Claim sets owner and status=in_progress; fails unless status=pending,
	// owner is unset or equal to owner, and every blocker is completed.
	Claim(id, owner string) (*TaskData, error)
	// Complete cascades unblock: for every task that lists id in BlockedBy,
	// if all its remaining blockers are now completed, id (and any other
	// now-satisfied blocker) is removed from that task's BlockedBy.
	Complete(id string) (*TaskData, error)
	// Fail sets status=failed, stores failureContext (truncated), and
	// increments RetryCount.
	Fail(id, failureContext string) (*TaskData, error)
	// Retry resets a failed task back to pending with owner cleared;
	// failureContext/RetryCount are left as Fail set them.
	Retry(id string) (*TaskData, error)
	Delete(id string) error
	// Available returns pending, unowned-or-owned-by-owner tasks whose
	// blockers are all completed.
	Available(owner string) ([]TaskData, error)
	List(statusFilter TaskStatus, limit, offset int) ([]TaskData, int, error)
}
