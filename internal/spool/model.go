// Package spool is the durable at-least-once delivery queue: jobs, their
// scheduling entries, attempt records, and the worker loop that drains them.
package spool

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

type TriggerSource string

const (
	TriggerIngest         TriggerSource = "ingest"
	TriggerReplay         TriggerSource = "replay"
	TriggerTestWebhook    TriggerSource = "test_webhook"
	TriggerReconciliation TriggerSource = "reconciliation"
)

// DeliveryJob is one unit of work: deliver one event payload to one target.
// pending is the only non-terminal status; retry state lives on the spool
// entry, not the job.
type DeliveryJob struct {
	ID              string          `json:"id"`
	WorkspaceID     string          `json:"workspace_id"`
	TargetID        string          `json:"target_id"`
	EventType       string          `json:"event_type"`
	Payload         json.RawMessage `json:"payload"`
	Status          JobStatus       `json:"status"`
	TriggerSource   TriggerSource   `json:"trigger_source"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
	IngestedEventID string          `json:"ingested_event_id,omitempty"`
	Priority        int             `json:"priority"`
	CreatedBy       string          `json:"created_by,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// SpoolEntry is the scheduling record for a pending job. Exactly one per
// pending job; deleted when the job reaches a terminal status. Claimable only
// when the lock is absent or expired and process_after has elapsed.
type SpoolEntry struct {
	ID           string
	JobID        string
	AttemptCount int
	ProcessAfter time.Time
	LockedUntil  *time.Time
	LockedBy     string
	LastError    string
}

// DeliveryAttempt is the append-only audit record of one send. Never mutated.
type DeliveryAttempt struct {
	ID             string
	JobID          string
	SpoolID        string // empty for untracked single-job runs
	RunnerID       string
	ResponseStatus int // 0 when the request never completed
	ResponseHash   string
	DurationMs     int64
	Success        bool
	AttemptNumber  int
	ErrorMessage   string
}

// DeliveryTarget is a customer-configured destination URL.
type DeliveryTarget struct {
	ID              string            `json:"id"`
	WorkspaceID     string            `json:"workspace_id"`
	Name            string            `json:"name"`
	URL             string            `json:"url"`
	EncryptedSecret []byte            `json:"-"`
	ExtraHeaders    map[string]string `json:"extra_headers,omitempty"`
	IsActive        bool              `json:"is_active"`
}

// ErrDuplicateIdempotencyKey marks an insert that collided with an existing
// job's (workspace, idempotency key). Enqueue resolves it to the prior job.
var ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

// ErrSpoolInsertFailed means the job row exists but scheduling it failed: the
// job is stuck and the caller must surface it.
var ErrSpoolInsertFailed = errors.New("spool_insert_failed")

// ErrNotFound is returned by stores when a row does not exist.
var ErrNotFound = errors.New("not found")

// JobStore is the narrow record-store contract for delivery jobs.
type JobStore interface {
	Insert(ctx context.Context, job *DeliveryJob) error
	// Get returns a job by ID; an empty workspaceID skips the workspace scope
	// (internal worker lookups resolve jobs from spool entries).
	Get(ctx context.Context, workspaceID, jobID string) (*DeliveryJob, error)
	ByIdempotencyKey(ctx context.Context, workspaceID, key string) (*DeliveryJob, error)
	SetStatus(ctx context.Context, jobID string, status JobStatus) error
}

// EntryStore is the narrow contract for spool entries. Claim is the single
// concurrency primitive: a conditional update that only one worker can win.
type EntryStore interface {
	Insert(ctx context.Context, e *SpoolEntry) error
	// Due returns claimable entries ordered by process_after ascending. An
	// empty workspaceID spans all workspaces (daemon ticker passes).
	Due(ctx context.Context, workspaceID string, now time.Time, limit int) ([]SpoolEntry, error)
	// Claim leases an entry until the given time, conditioned on the entry
	// still being claimable. Returns false when another worker won.
	Claim(ctx context.Context, entryID string, now, until time.Time, runnerID string) (bool, error)
	// Reschedule sets the next processing time, updates the attempt count and
	// last error, and clears the lock.
	Reschedule(ctx context.Context, entryID string, processAfter time.Time, attemptCount int, lastError string) error
	Delete(ctx context.Context, entryID string) error
	// DueCount reports the current claimable backlog for monitoring.
	DueCount(ctx context.Context, now time.Time) (int, error)
}

// AttemptStore appends delivery attempt records.
type AttemptStore interface {
	Insert(ctx context.Context, a *DeliveryAttempt) error
}

// TargetStore is the narrow contract for delivery targets.
type TargetStore interface {
	Get(ctx context.Context, workspaceID, targetID string) (*DeliveryTarget, error)
	Insert(ctx context.Context, t *DeliveryTarget) error
	ListByWorkspace(ctx context.Context, workspaceID string) ([]DeliveryTarget, error)
}
