package replay

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PG is the Postgres-backed Store. The table carries a uniqueness constraint
// on (workspace_id, target_id, nonce); insert-or-ignore distinguishes
// first-use from replay without a read-then-write race.
type PG struct {
	pool *pgxpool.Pool
}

func NewPG(pool *pgxpool.Pool) *PG {
	return &PG{pool: pool}
}

func (p *PG) Register(ctx context.Context, workspaceID, targetID, nonce string, timestampSec int64) Result {
	ct, err := p.pool.Exec(ctx, `
		INSERT INTO payspool.replay_nonces(workspace_id, target_id, nonce, timestamp_sec)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT ON CONSTRAINT uq_replay_nonces DO NOTHING`,
		workspaceID, targetID, nonce, timestampSec,
	)
	if err != nil {
		return Result{OK: false, Code: CodeCacheFailed}
	}
	if ct.RowsAffected() == 0 {
		return Result{OK: false, Code: CodeReplayDetected}
	}
	return Result{OK: true, Code: CodeOK}
}

// Prune deletes nonces whose timestamp is older than the given cutoff. A
// nonce outside the verification tolerance can never verify again, so keeping
// it only grows the table. Returns the number of rows removed.
func (p *PG) Prune(ctx context.Context, beforeSec int64) (int64, error) {
	ct, err := p.pool.Exec(ctx,
		`DELETE FROM payspool.replay_nonces WHERE timestamp_sec < $1`, beforeSec)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}
