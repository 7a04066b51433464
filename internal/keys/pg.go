package keys

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists signing keys in Postgres.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Active(ctx context.Context, workspaceID, algorithm string) (*SigningKey, error) {
	k := &SigningKey{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, workspace_id, key_id, algorithm, encrypted_secret, state, retired_at
		FROM payspool.signing_keys
		WHERE workspace_id = $1 AND algorithm = $2 AND state = 'active'`,
		workspaceID, algorithm,
	).Scan(&k.ID, &k.WorkspaceID, &k.KeyID, &k.Algorithm, &k.EncryptedSecret, &k.State, &k.RetiredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return k, nil
}

func (s *PGStore) Verifiable(ctx context.Context, workspaceID, algorithm string, retiredAfter time.Time) ([]SigningKey, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workspace_id, key_id, algorithm, encrypted_secret, state, retired_at
		FROM payspool.signing_keys
		WHERE workspace_id = $1 AND algorithm = $2
		  AND (state = 'active' OR (state = 'retired' AND retired_at > $3))
		ORDER BY state ASC, retired_at DESC NULLS FIRST`,
		workspaceID, algorithm, retiredAfter,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SigningKey
	for rows.Next() {
		var k SigningKey
		if err := rows.Scan(&k.ID, &k.WorkspaceID, &k.KeyID, &k.Algorithm, &k.EncryptedSecret, &k.State, &k.RetiredAt); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// Rotate retires the current active key and inserts the new one in a single
// transaction, preserving the at-most-one-active invariant.
func (s *PGStore) Rotate(ctx context.Context, key *SigningKey) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		UPDATE payspool.signing_keys
		SET state='retired', retired_at=now()
		WHERE workspace_id=$1 AND algorithm=$2 AND state='active'`,
		key.WorkspaceID, key.Algorithm,
	); err != nil {
		return fmt.Errorf("retire active key: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO payspool.signing_keys(id, workspace_id, key_id, algorithm, encrypted_secret, state)
		VALUES ($1, $2, $3, $4, $5, 'active')`,
		key.ID, key.WorkspaceID, key.KeyID, key.Algorithm, key.EncryptedSecret,
	); err != nil {
		return fmt.Errorf("insert new key: %w", err)
	}

	return tx.Commit(ctx)
}
