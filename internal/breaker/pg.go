package breaker

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists breakers in Postgres, one row per (workspace, host).
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) GetOrCreate(ctx context.Context, workspaceID, targetHost string) (*Breaker, error) {
	b, err := s.Get(ctx, workspaceID, targetHost)
	if err == nil && b != nil {
		return b, nil
	}
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO payspool.delivery_breakers(id, workspace_id, target_host, state, consecutive_5xx, failure_count)
		VALUES ($1, $2, $3, 'closed', 0, 0)
		ON CONFLICT ON CONSTRAINT uq_breakers_workspace_host DO NOTHING`,
		id, workspaceID, targetHost,
	)
	if err != nil {
		return nil, err
	}
	// Re-read: a concurrent worker may have won the insert.
	return s.Get(ctx, workspaceID, targetHost)
}

func (s *PGStore) Get(ctx context.Context, workspaceID, targetHost string) (*Breaker, error) {
	b := &Breaker{}
	var state string
	err := s.pool.QueryRow(ctx, `
		SELECT id, workspace_id, target_host, state, consecutive_5xx, failure_count,
		       last_failure_at, reset_at, manual_resume_at, COALESCE(opened_reason, '')
		FROM payspool.delivery_breakers
		WHERE workspace_id = $1 AND target_host = $2`,
		workspaceID, targetHost,
	).Scan(&b.ID, &b.WorkspaceID, &b.TargetHost, &state, &b.Consecutive5xx, &b.FailureCount,
		&b.LastFailureAt, &b.ResetAt, &b.ManualResumeAt, &b.OpenedReason)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	b.State = State(state)
	return b, nil
}

func (s *PGStore) Save(ctx context.Context, b *Breaker) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE payspool.delivery_breakers
		SET state=$2, consecutive_5xx=$3, failure_count=$4, last_failure_at=$5,
		    reset_at=$6, manual_resume_at=$7, opened_reason=NULLIF($8, ''), updated_at=now()
		WHERE id=$1`,
		b.ID, string(b.State), b.Consecutive5xx, b.FailureCount, b.LastFailureAt,
		b.ResetAt, b.ManualResumeAt, b.OpenedReason,
	)
	return err
}
