package spool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lanceiq/payspool/internal/logging"
	"github.com/lanceiq/payspool/internal/tracing"

	"go.opentelemetry.io/otel/attribute"
)

// Nudger wakes workers after an enqueue. Best-effort; failures are logged,
// never surfaced to the enqueue caller.
type Nudger interface {
	Nudge(n Nudge) error
}

// Queue enqueues delivery jobs and their spool entries.
type Queue struct {
	jobs    JobStore
	entries EntryStore
	nudger  Nudger // may be nil
	log     *logging.Logger
	now     func() time.Time
}

func NewQueue(jobs JobStore, entries EntryStore, nudger Nudger) *Queue {
	return &Queue{
		jobs:    jobs,
		entries: entries,
		nudger:  nudger,
		log:     logging.New("payspool-queue"),
		now:     time.Now,
	}
}

// EnqueueParams describes one (event, target) delivery to create.
type EnqueueParams struct {
	WorkspaceID     string
	TargetID        string
	EventType       string
	Payload         json.RawMessage
	TriggerSource   TriggerSource
	IdempotencyKey  string
	IngestedEventID string
	CreatedBy       string
	Priority        int
}

// Enqueue inserts a pending job plus exactly one spool entry due now. With an
// idempotency key, a collision returns the pre-existing job and enqueued
// false instead of erroring. A job whose spool insert fails is reported via
// ErrSpoolInsertFailed: it exists but is not scheduled.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (*DeliveryJob, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "spool.enqueue",
		attribute.String("workspace_id", p.WorkspaceID),
		attribute.String("target_id", p.TargetID),
		attribute.String("event_type", p.EventType),
		attribute.Bool("has_idempotency_key", p.IdempotencyKey != ""),
	)
	defer span.End()

	job := &DeliveryJob{
		ID:              uuid.NewString(),
		WorkspaceID:     p.WorkspaceID,
		TargetID:        p.TargetID,
		EventType:       p.EventType,
		Payload:         p.Payload,
		Status:          StatusPending,
		TriggerSource:   p.TriggerSource,
		IdempotencyKey:  p.IdempotencyKey,
		IngestedEventID: p.IngestedEventID,
		Priority:        p.Priority,
		CreatedBy:       p.CreatedBy,
		CreatedAt:       q.now().UTC(),
	}

	if err := q.jobs.Insert(ctx, job); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) && p.IdempotencyKey != "" {
			existing, lookupErr := q.jobs.ByIdempotencyKey(ctx, p.WorkspaceID, p.IdempotencyKey)
			if lookupErr != nil {
				tracing.SetSpanError(ctx, lookupErr)
				return nil, false, fmt.Errorf("lookup existing job: %w", lookupErr)
			}
			tracing.AddSpanEvent(ctx, "duplicate_enqueue_detected", attribute.String("job_id", existing.ID))
			return existing, false, nil
		}
		tracing.SetSpanError(ctx, err)
		return nil, false, fmt.Errorf("insert job: %w", err)
	}

	entry := &SpoolEntry{
		ID:           uuid.NewString(),
		JobID:        job.ID,
		AttemptCount: 0,
		ProcessAfter: q.now().UTC(),
	}
	if err := q.entries.Insert(ctx, entry); err != nil {
		// The job row exists but cannot be worked: a stuck job the caller
		// must surface, not swallow.
		tracing.SetSpanError(ctx, err)
		return job, true, fmt.Errorf("%w: %v", ErrSpoolInsertFailed, err)
	}

	if q.nudger != nil {
		n := Nudge{
			WorkspaceID:  p.WorkspaceID,
			JobID:        job.ID,
			At:           q.now().UTC().Format(time.RFC3339),
			TraceHeaders: tracing.PropagateTraceToNSQ(ctx),
		}
		if err := q.nudger.Nudge(n); err != nil {
			q.log.WithContext(ctx).WithWorkspace(p.WorkspaceID).WithJob(job.ID).WithError(err).Warn("spool nudge failed")
		}
	}

	return job, true, nil
}

// Replay re-enqueues a fresh job/spool pair copying an existing job's target,
// event type, and payload. Dead-lettered jobs are only ever retried this way.
func (q *Queue) Replay(ctx context.Context, workspaceID, jobID, createdBy string) (*DeliveryJob, error) {
	src, err := q.jobs.Get(ctx, workspaceID, jobID)
	if err != nil {
		return nil, fmt.Errorf("source job: %w", err)
	}
	job, _, err := q.Enqueue(ctx, EnqueueParams{
		WorkspaceID:     src.WorkspaceID,
		TargetID:        src.TargetID,
		EventType:       src.EventType,
		Payload:         src.Payload,
		TriggerSource:   TriggerReplay,
		IngestedEventID: src.IngestedEventID,
		CreatedBy:       createdBy,
		Priority:        src.Priority,
	})
	return job, err
}
