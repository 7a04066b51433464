package spool

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgErrUniqueViolation is the Postgres SQLSTATE for unique_violation.
const pgErrUniqueViolation = "23505"

// PGJobStore persists delivery jobs.
type PGJobStore struct {
	pool *pgxpool.Pool
}

func NewPGJobStore(pool *pgxpool.Pool) *PGJobStore {
	return &PGJobStore{pool: pool}
}

func (s *PGJobStore) Insert(ctx context.Context, job *DeliveryJob) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO payspool.delivery_jobs
			(id, workspace_id, target_id, event_type, payload, status, trigger_source,
			 idempotency_key, ingested_event_id, priority, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, NULLIF($8, ''), NULLIF($9, ''), $10, $11, $12)`,
		job.ID, job.WorkspaceID, job.TargetID, job.EventType, string(job.Payload),
		string(job.Status), string(job.TriggerSource), job.IdempotencyKey,
		job.IngestedEventID, job.Priority, job.CreatedBy, job.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgErrUniqueViolation {
		return ErrDuplicateIdempotencyKey
	}
	return err
}

func (s *PGJobStore) Get(ctx context.Context, workspaceID, jobID string) (*DeliveryJob, error) {
	job := &DeliveryJob{}
	var payload, status, trigger string
	var idemKey, ingested *string
	err := s.pool.QueryRow(ctx, `
		SELECT id, workspace_id, target_id, event_type, payload::text, status, trigger_source,
		       idempotency_key, ingested_event_id, priority, COALESCE(created_by, ''), created_at
		FROM payspool.delivery_jobs
		WHERE id = $1 AND ($2 = '' OR workspace_id = $2)`,
		jobID, workspaceID,
	).Scan(&job.ID, &job.WorkspaceID, &job.TargetID, &job.EventType, &payload, &status,
		&trigger, &idemKey, &ingested, &job.Priority, &job.CreatedBy, &job.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	job.Payload = json.RawMessage(payload)
	job.Status = JobStatus(status)
	job.TriggerSource = TriggerSource(trigger)
	if idemKey != nil {
		job.IdempotencyKey = *idemKey
	}
	if ingested != nil {
		job.IngestedEventID = *ingested
	}
	return job, nil
}

func (s *PGJobStore) ByIdempotencyKey(ctx context.Context, workspaceID, key string) (*DeliveryJob, error) {
	var jobID string
	err := s.pool.QueryRow(ctx, `
		SELECT id FROM payspool.delivery_jobs
		WHERE workspace_id = $1 AND idempotency_key = $2
		LIMIT 1`,
		workspaceID, key,
	).Scan(&jobID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, workspaceID, jobID)
}

func (s *PGJobStore) SetStatus(ctx context.Context, jobID string, status JobStatus) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE payspool.delivery_jobs
		SET status = $2, updated_at = now()
		WHERE id = $1`,
		jobID, string(status),
	)
	return err
}

// PGEntryStore persists spool entries. Claim is a conditional update on the
// staleness predicate; exactly one worker's update affects the row.
type PGEntryStore struct {
	pool *pgxpool.Pool
}

func NewPGEntryStore(pool *pgxpool.Pool) *PGEntryStore {
	return &PGEntryStore{pool: pool}
}

func (s *PGEntryStore) Insert(ctx context.Context, e *SpoolEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO payspool.spool_entries(id, job_id, attempt_count, process_after)
		VALUES ($1, $2, $3, $4)`,
		e.ID, e.JobID, e.AttemptCount, e.ProcessAfter,
	)
	return err
}

func (s *PGEntryStore) Due(ctx context.Context, workspaceID string, now time.Time, limit int) ([]SpoolEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT se.id, se.job_id, se.attempt_count, se.process_after, se.locked_until,
		       COALESCE(se.locked_by, ''), COALESCE(se.last_error, '')
		FROM payspool.spool_entries se
		JOIN payspool.delivery_jobs j ON j.id = se.job_id
		WHERE ($1 = '' OR j.workspace_id = $1)
		  AND se.process_after <= $2
		  AND (se.locked_until IS NULL OR se.locked_until < $2)
		ORDER BY se.process_after ASC
		LIMIT $3`,
		workspaceID, now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SpoolEntry
	for rows.Next() {
		var e SpoolEntry
		if err := rows.Scan(&e.ID, &e.JobID, &e.AttemptCount, &e.ProcessAfter,
			&e.LockedUntil, &e.LockedBy, &e.LastError); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PGEntryStore) Claim(ctx context.Context, entryID string, now, until time.Time, runnerID string) (bool, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE payspool.spool_entries
		SET locked_until = $3, locked_by = $4
		WHERE id = $1
		  AND process_after <= $2
		  AND (locked_until IS NULL OR locked_until < $2)`,
		entryID, now, until, runnerID,
	)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (s *PGEntryStore) Reschedule(ctx context.Context, entryID string, processAfter time.Time, attemptCount int, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE payspool.spool_entries
		SET process_after = $2, attempt_count = $3, last_error = NULLIF($4, ''),
		    locked_until = NULL, locked_by = NULL
		WHERE id = $1`,
		entryID, processAfter, attemptCount, lastError,
	)
	return err
}

func (s *PGEntryStore) Delete(ctx context.Context, entryID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM payspool.spool_entries WHERE id = $1`, entryID)
	return err
}

func (s *PGEntryStore) DueCount(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM payspool.spool_entries
		WHERE process_after <= $1
		  AND (locked_until IS NULL OR locked_until < $1)`,
		now,
	).Scan(&n)
	return n, err
}

// PGAttemptStore appends delivery attempt audit records.
type PGAttemptStore struct {
	pool *pgxpool.Pool
}

func NewPGAttemptStore(pool *pgxpool.Pool) *PGAttemptStore {
	return &PGAttemptStore{pool: pool}
}

func (s *PGAttemptStore) Insert(ctx context.Context, a *DeliveryAttempt) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO payspool.delivery_attempts
			(id, job_id, spool_id, runner_id, response_status, response_body_hash,
			 duration_ms, success, attempt_number, error_message)
		VALUES ($1, $2, NULLIF($3, '')::uuid, $4, NULLIF($5, 0), NULLIF($6, ''), $7, $8, $9, NULLIF($10, ''))`,
		a.ID, a.JobID, a.SpoolID, a.RunnerID, a.ResponseStatus, a.ResponseHash,
		a.DurationMs, a.Success, a.AttemptNumber, a.ErrorMessage,
	)
	return err
}

// PGTargetStore persists delivery targets.
type PGTargetStore struct {
	pool *pgxpool.Pool
}

func NewPGTargetStore(pool *pgxpool.Pool) *PGTargetStore {
	return &PGTargetStore{pool: pool}
}

func (s *PGTargetStore) Insert(ctx context.Context, t *DeliveryTarget) error {
	headers, err := json.Marshal(t.ExtraHeaders)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO payspool.delivery_targets(id, workspace_id, name, url, encrypted_secret, extra_headers, is_active)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)`,
		t.ID, t.WorkspaceID, t.Name, t.URL, t.EncryptedSecret, string(headers), t.IsActive,
	)
	return err
}

func (s *PGTargetStore) Get(ctx context.Context, workspaceID, targetID string) (*DeliveryTarget, error) {
	t := &DeliveryTarget{}
	var headers string
	err := s.pool.QueryRow(ctx, `
		SELECT id, workspace_id, name, url, COALESCE(encrypted_secret, ''::bytea),
		       COALESCE(extra_headers::text, '{}'), is_active
		FROM payspool.delivery_targets
		WHERE workspace_id = $1 AND id = $2`,
		workspaceID, targetID,
	).Scan(&t.ID, &t.WorkspaceID, &t.Name, &t.URL, &t.EncryptedSecret, &headers, &t.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(headers), &t.ExtraHeaders); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *PGTargetStore) ListByWorkspace(ctx context.Context, workspaceID string) ([]DeliveryTarget, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workspace_id, name, url, COALESCE(extra_headers::text, '{}'), is_active
		FROM payspool.delivery_targets
		WHERE workspace_id = $1
		ORDER BY name ASC`,
		workspaceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeliveryTarget
	for rows.Next() {
		var t DeliveryTarget
		var headers string
		if err := rows.Scan(&t.ID, &t.WorkspaceID, &t.Name, &t.URL, &headers, &t.IsActive); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(headers), &t.ExtraHeaders); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// EncryptedSecret satisfies the keys.TargetSecrets contract.
func (s *PGTargetStore) EncryptedSecret(ctx context.Context, workspaceID, targetID string) ([]byte, error) {
	var sealed []byte
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(encrypted_secret, ''::bytea)
		FROM payspool.delivery_targets
		WHERE workspace_id = $1 AND id = $2`,
		workspaceID, targetID,
	).Scan(&sealed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sealed, nil
}
