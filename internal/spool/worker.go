package spool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lanceiq/payspool/internal/breaker"
	"github.com/lanceiq/payspool/internal/config"
	"github.com/lanceiq/payspool/internal/logging"
	"github.com/lanceiq/payspool/internal/metrics"
	"github.com/lanceiq/payspool/internal/replay"
	"github.com/lanceiq/payspool/internal/sender"
	"github.com/lanceiq/payspool/internal/tracing"

	"go.opentelemetry.io/otel/attribute"
)

// ErrBreakerOpen is returned by on-demand runs against a host whose breaker
// is open. Spooled jobs are rescheduled instead.
var ErrBreakerOpen = fmt.Errorf("breaker_open")

// DeliverySender is the outbound send contract (see internal/sender).
type DeliverySender interface {
	Send(ctx context.Context, tgt sender.TargetInfo, eventType string, rawPayload []byte) sender.Result
}

// DeadPublisher publishes advisory dead-letter envelopes.
type DeadPublisher interface {
	PublishDead(dl DeadLetter) error
}

// Stats summarizes one worker pass.
type Stats struct {
	Claimed      int `json:"claimed"`
	Completed    int `json:"completed"`
	Retried      int `json:"retried"`
	DeadLettered int `json:"dead_lettered"`
	Skipped      int `json:"skipped"` // lost claims and breaker-open reschedules
	Failed       int `json:"failed"`  // terminal non-retryable failures
}

// Worker drains due spool entries. Every pass is stateless: all state is
// re-derived from persisted rows, so any number of workers can run
// concurrently against the same spool, coordinated only by the lease claim.
type Worker struct {
	cfg      config.Spool
	jobs     JobStore
	entries  EntryStore
	attempts AttemptStore
	targets  TargetStore
	breakers *breaker.Manager
	send     DeliverySender
	dead     DeadPublisher // may be nil
	log      *logging.Logger
	now      func() time.Time
}

func NewWorker(cfg config.Spool, jobs JobStore, entries EntryStore, attempts AttemptStore,
	targets TargetStore, breakers *breaker.Manager, send DeliverySender, dead DeadPublisher) *Worker {
	return &Worker{
		cfg:      cfg,
		jobs:     jobs,
		entries:  entries,
		attempts: attempts,
		targets:  targets,
		breakers: breakers,
		send:     send,
		dead:     dead,
		log:      logging.New("payspool-worker"),
		now:      time.Now,
	}
}

// RunPass processes one bounded batch of due spool entries for a workspace.
// A failure in one entry never aborts the rest of the batch.
func (w *Worker) RunPass(ctx context.Context, workspaceID string, limit int, runnerID string) (Stats, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 50 {
		limit = 50
	}

	ctx, span := tracing.StartSpan(ctx, "spool.run_pass",
		attribute.String("workspace_id", workspaceID),
		attribute.String("runner_id", runnerID),
		attribute.Int("limit", limit),
	)
	defer span.End()

	var stats Stats
	now := w.now().UTC()
	due, err := w.entries.Due(ctx, workspaceID, now, limit)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return stats, fmt.Errorf("select due entries: %w", err)
	}

	for i := range due {
		entry := due[i]
		claimed, err := w.entries.Claim(ctx, entry.ID, w.now().UTC(), w.now().UTC().Add(w.cfg.LockDuration), runnerID)
		if err != nil {
			w.log.WithContext(ctx).WithField("spool_id", entry.ID).WithError(err).Error("claim failed")
			continue
		}
		if !claimed {
			// Another worker won the row.
			stats.Skipped++
			continue
		}
		stats.Claimed++
		w.processEntry(ctx, &entry, runnerID, &stats)
	}

	span.SetAttributes(
		attribute.Int("claimed", stats.Claimed),
		attribute.Int("completed", stats.Completed),
		attribute.Int("retried", stats.Retried),
		attribute.Int("dead_lettered", stats.DeadLettered),
	)
	return stats, nil
}

// processEntry runs the full send/record/transition sequence for one claimed
// entry. Errors are absorbed per entry.
func (w *Worker) processEntry(ctx context.Context, entry *SpoolEntry, runnerID string, stats *Stats) {
	job, err := w.jobs.Get(ctx, "", entry.JobID)
	if err != nil {
		w.log.WithContext(ctx).WithJob(entry.JobID).WithError(err).Error("resolve job failed")
		_ = w.entries.Reschedule(ctx, entry.ID, entry.ProcessAfter, entry.AttemptCount, "job_lookup_failed")
		return
	}
	log := w.log.WithContext(ctx).WithWorkspace(job.WorkspaceID).WithJob(job.ID).WithTarget(job.TargetID)

	tgt, err := w.targets.Get(ctx, job.WorkspaceID, job.TargetID)
	if err != nil {
		// A store error is transient; the entry stays claimable. Only a
		// target that is confirmed gone or inactive is terminal.
		log.WithError(err).Error("target lookup failed")
		_ = w.entries.Reschedule(ctx, entry.ID, entry.ProcessAfter, entry.AttemptCount, "target_lookup_failed")
		return
	}
	if tgt == nil || !tgt.IsActive {
		// Terminal: nothing to retry against.
		w.finishJob(ctx, job, entry, StatusFailed)
		metrics.RecordDelivery("failed", job.WorkspaceID, 0, 0)
		log.Warn("target inactive or missing, job failed")
		stats.Failed++
		return
	}

	host := breaker.HostFromURL(tgt.URL)
	brk, err := w.breakers.Check(ctx, job.WorkspaceID, host)
	if err != nil {
		log.WithError(err).Error("breaker lookup failed")
		_ = w.entries.Reschedule(ctx, entry.ID, entry.ProcessAfter, entry.AttemptCount, "breaker_lookup_failed")
		return
	}
	if !brk.Allows(w.now().UTC()) {
		// Open breaker: push the entry to the reset time without consuming an
		// attempt.
		resetAt := w.now().UTC().Add(w.cfg.LockDuration)
		if brk.ResetAt != nil {
			resetAt = *brk.ResetAt
		}
		if err := w.entries.Reschedule(ctx, entry.ID, resetAt, entry.AttemptCount, "breaker_open"); err != nil {
			log.WithError(err).Error("breaker reschedule failed")
		}
		tracing.AddSpanEvent(ctx, "spool.breaker_open_skip", attribute.String("host", host))
		stats.Skipped++
		return
	}

	res := w.send.Send(ctx, sender.TargetInfo{
		ID:           tgt.ID,
		WorkspaceID:  tgt.WorkspaceID,
		URL:          tgt.URL,
		ExtraHeaders: tgt.ExtraHeaders,
	}, job.EventType, job.Payload)

	attemptNumber := entry.AttemptCount + 1
	w.recordAttempt(ctx, &DeliveryAttempt{
		ID:             uuid.NewString(),
		JobID:          job.ID,
		SpoolID:        entry.ID,
		RunnerID:       runnerID,
		ResponseStatus: res.StatusCode,
		ResponseHash:   res.ResponseHash,
		DurationMs:     res.DurationMs,
		Success:        res.OK,
		AttemptNumber:  attemptNumber,
		ErrorMessage:   res.ErrorMessage,
	})

	if err := w.breakers.RecordResult(ctx, brk, res.StatusCode, res.TransportFailed()); err != nil {
		// Record-keeping failure, not a delivery failure: surface via logs,
		// keep the delivery outcome.
		log.WithError(err).Error("breaker update failed")
	}

	if res.OK {
		w.finishJob(ctx, job, entry, StatusCompleted)
		metrics.RecordDelivery("delivered", job.WorkspaceID, res.StatusCode, time.Duration(res.DurationMs)*time.Millisecond)
		log.WithField("status", res.StatusCode).Info("delivered")
		stats.Completed++
		return
	}

	if terminalErrorCode(res.ErrorCode) {
		// Security and configuration failures are never retried.
		w.finishJob(ctx, job, entry, StatusFailed)
		metrics.RecordDelivery("failed", job.WorkspaceID, res.StatusCode, 0)
		log.WithField("code", res.ErrorCode).Warn("terminal delivery failure")
		stats.Failed++
		return
	}

	if attemptNumber < w.cfg.MaxAttempts {
		delay := Backoff(attemptNumber, w.cfg.BackoffBase, w.cfg.BackoffCap)
		next := w.now().UTC().Add(delay)
		if err := w.entries.Reschedule(ctx, entry.ID, next, attemptNumber, res.ErrorMessage); err != nil {
			log.WithError(err).Error("reschedule failed")
			return
		}
		metrics.RecordRetry(res.ErrorCode)
		metrics.RecordDelivery("failed", job.WorkspaceID, res.StatusCode, time.Duration(res.DurationMs)*time.Millisecond)
		log.WithFields(map[string]any{"attempt": attemptNumber, "delay": delay.String()}).Info("delivery retry scheduled")
		stats.Retried++
		return
	}

	// Attempts exhausted: dead-letter. Only an explicit replay re-enqueues.
	w.finishJob(ctx, job, entry, StatusFailed)
	metrics.RecordDelivery("failed", job.WorkspaceID, res.StatusCode, 0)
	metrics.RecordDeadLetter()
	if w.dead != nil && w.cfg.PublishDead {
		dl := NewDeadLetter(job, attemptNumber, res.StatusCode, res.ErrorMessage,
			fmt.Sprintf("max attempts reached (%d)", attemptNumber))
		if err := w.dead.PublishDead(dl); err != nil {
			log.WithError(err).Error("dead-letter publish failed")
		}
	}
	log.WithField("attempt", attemptNumber).Warn("job dead-lettered")
	stats.DeadLettered++
}

// RunJobByID performs a single on-demand untracked attempt for one job,
// bypassing spool scheduling. forceHalfOpen resumes the target's breaker
// before the attempt, letting exactly one trial through an open circuit.
func (w *Worker) RunJobByID(ctx context.Context, workspaceID, jobID, runnerID string, forceHalfOpen bool) (sender.Result, error) {
	job, err := w.jobs.Get(ctx, workspaceID, jobID)
	if err != nil {
		return sender.Result{}, fmt.Errorf("job: %w", err)
	}
	tgt, err := w.targets.Get(ctx, workspaceID, job.TargetID)
	if err != nil {
		return sender.Result{}, fmt.Errorf("target: %w", err)
	}
	if tgt == nil || !tgt.IsActive {
		return sender.Result{}, fmt.Errorf("target %s: %w", job.TargetID, ErrNotFound)
	}
	return w.runOnce(ctx, job, tgt, runnerID, forceHalfOpen)
}

// RunTargetHealthCheck sends a synthetic health-check event to a target.
// manualResume forces the breaker half-open first.
func (w *Worker) RunTargetHealthCheck(ctx context.Context, workspaceID, targetID, runnerID string, manualResume bool) (sender.Result, error) {
	tgt, err := w.targets.Get(ctx, workspaceID, targetID)
	if err != nil {
		return sender.Result{}, fmt.Errorf("target: %w", err)
	}
	if tgt == nil {
		return sender.Result{}, fmt.Errorf("target %s: %w", targetID, ErrNotFound)
	}

	env, err := sender.NewJSONEnvelope(map[string]any{
		"type": "health_check",
		"at":   w.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return sender.Result{}, err
	}
	raw, _ := json.Marshal(env)

	// The synthetic job is persisted like any other: the attempt record
	// references it, and the row is the audit trail for operator checks.
	job := &DeliveryJob{
		ID:            uuid.NewString(),
		WorkspaceID:   workspaceID,
		TargetID:      targetID,
		EventType:     "payspool.health_check",
		Payload:       raw,
		Status:        StatusPending,
		TriggerSource: TriggerTestWebhook,
		CreatedBy:     runnerID,
		CreatedAt:     w.now().UTC(),
	}
	if err := w.jobs.Insert(ctx, job); err != nil {
		return sender.Result{}, fmt.Errorf("health-check job: %w", err)
	}

	res, err := w.runOnce(ctx, job, tgt, runnerID, manualResume)
	status := StatusFailed
	if err == nil && res.OK {
		status = StatusCompleted
	}
	if serr := w.jobs.SetStatus(ctx, job.ID, status); serr != nil {
		w.log.WithContext(ctx).WithJob(job.ID).WithError(serr).Error("health-check status update failed")
	}
	return res, err
}

// runOnce is the shared on-demand path: breaker gate, send, attempt record,
// breaker update. Always attemptNumber 1.
func (w *Worker) runOnce(ctx context.Context, job *DeliveryJob, tgt *DeliveryTarget, runnerID string, forceHalfOpen bool) (sender.Result, error) {
	host := breaker.HostFromURL(tgt.URL)

	var brk *breaker.Breaker
	var err error
	if forceHalfOpen {
		brk, err = w.breakers.Resume(ctx, job.WorkspaceID, host)
	} else {
		brk, err = w.breakers.Check(ctx, job.WorkspaceID, host)
	}
	if err != nil {
		return sender.Result{}, fmt.Errorf("breaker: %w", err)
	}
	if !brk.Allows(w.now().UTC()) {
		return sender.Result{}, ErrBreakerOpen
	}

	res := w.send.Send(ctx, sender.TargetInfo{
		ID:           tgt.ID,
		WorkspaceID:  tgt.WorkspaceID,
		URL:          tgt.URL,
		ExtraHeaders: tgt.ExtraHeaders,
	}, job.EventType, job.Payload)

	w.recordAttempt(ctx, &DeliveryAttempt{
		ID:             uuid.NewString(),
		JobID:          job.ID,
		RunnerID:       runnerID,
		ResponseStatus: res.StatusCode,
		ResponseHash:   res.ResponseHash,
		DurationMs:     res.DurationMs,
		Success:        res.OK,
		AttemptNumber:  1,
		ErrorMessage:   res.ErrorMessage,
	})
	if err := w.breakers.RecordResult(ctx, brk, res.StatusCode, res.TransportFailed()); err != nil {
		w.log.WithContext(ctx).WithWorkspace(job.WorkspaceID).WithError(err).Error("breaker update failed")
	}
	return res, nil
}

// finishJob moves a job to a terminal status and removes its spool entry.
func (w *Worker) finishJob(ctx context.Context, job *DeliveryJob, entry *SpoolEntry, status JobStatus) {
	if err := w.jobs.SetStatus(ctx, job.ID, status); err != nil {
		w.log.WithContext(ctx).WithJob(job.ID).WithError(err).Error("job status update failed")
	}
	if entry != nil {
		if err := w.entries.Delete(ctx, entry.ID); err != nil {
			w.log.WithContext(ctx).WithJob(job.ID).WithError(err).Error("spool entry delete failed")
		}
	}
}

func (w *Worker) recordAttempt(ctx context.Context, a *DeliveryAttempt) {
	// A failed attempt record never masks the delivery outcome.
	if err := w.attempts.Insert(ctx, a); err != nil {
		w.log.WithContext(ctx).WithJob(a.JobID).WithError(err).Error("attempt record insert failed")
	}
}

func terminalErrorCode(code string) bool {
	switch code {
	case sender.ErrCodeMissingSecret, sender.ErrCodeBadEnvelope,
		replay.CodeReplayDetected, replay.CodeCacheFailed:
		return true
	}
	return false
}
