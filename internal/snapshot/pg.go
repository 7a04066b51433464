package snapshot

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists snapshots with an upsert on the composite uniqueness key.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) UpsertBatch(ctx context.Context, workspaceID, runID, targetID string, rows []Row) (int, error) {
	inserted := 0
	for _, row := range rows {
		captured := "null"
		if len(row.CapturedData) > 0 {
			captured = string(row.CapturedData)
		}
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO payspool.destination_state_snapshots
				(id, workspace_id, run_id, target_id, provider, provider_payment_id,
				 downstream_state, observed_at, object_ref, state_hash, reason_code,
				 captured_data, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, NULLIF($11, ''), $12::jsonb, now())
			ON CONFLICT ON CONSTRAINT uq_snapshots_composite DO NOTHING`,
			uuid.New().String(), workspaceID, runID, targetID, row.Provider,
			row.ProviderPaymentID, row.DownstreamState, row.ObservedAt.UTC(),
			row.ObjectRef, row.StateHash, row.ReasonCode, captured,
		)
		if err != nil {
			return inserted, err
		}
		if tag.RowsAffected() == 1 {
			inserted++
		}
	}
	return inserted, nil
}

// PGEntitlements reads workspace capabilities.
type PGEntitlements struct {
	pool *pgxpool.Pool
}

func NewPGEntitlements(pool *pgxpool.Pool) *PGEntitlements {
	return &PGEntitlements{pool: pool}
}

func (s *PGEntitlements) Has(ctx context.Context, workspaceID, capability string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM payspool.workspace_capabilities
			WHERE workspace_id = $1 AND capability = $2 AND enabled = true
		)`,
		workspaceID, capability,
	).Scan(&ok)
	return ok, err
}

// PGRuns answers run existence against reconciliation runs.
type PGRuns struct {
	pool *pgxpool.Pool
}

func NewPGRuns(pool *pgxpool.Pool) *PGRuns {
	return &PGRuns{pool: pool}
}

func (s *PGRuns) Exists(ctx context.Context, workspaceID, runID string) (bool, error) {
	// The id column is a uuid; a malformed identifier can never match, and
	// handing it to Postgres raw would error instead of answering false.
	if uuid.Validate(runID) != nil {
		return false, nil
	}
	var ok bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM payspool.recon_runs
			WHERE id = $1 AND workspace_id = $2
		)`,
		runID, workspaceID,
	).Scan(&ok)
	return ok, err
}

// PGTargets answers delivery target existence.
type PGTargets struct {
	pool *pgxpool.Pool
}

func NewPGTargets(pool *pgxpool.Pool) *PGTargets {
	return &PGTargets{pool: pool}
}

func (s *PGTargets) Exists(ctx context.Context, workspaceID, targetID string) (bool, error) {
	if uuid.Validate(targetID) != nil {
		return false, nil
	}
	var ok bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM payspool.delivery_targets
			WHERE id = $1 AND workspace_id = $2
		)`,
		targetID, workspaceID,
	).Scan(&ok)
	return ok, err
}
