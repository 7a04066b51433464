package recon

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGIntegrationStore persists provider integrations.
type PGIntegrationStore struct {
	pool *pgxpool.Pool
}

func NewPGIntegrationStore(pool *pgxpool.Pool) *PGIntegrationStore {
	return &PGIntegrationStore{pool: pool}
}

func (s *PGIntegrationStore) ActiveByWorkspace(ctx context.Context, workspaceID string) ([]Integration, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workspace_id, provider, encrypted_credentials,
		       is_active, COALESCE(health_status, ''), last_synced_at
		FROM payspool.provider_integrations
		WHERE workspace_id = $1 AND is_active = true
		ORDER BY provider`,
		workspaceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Integration
	for rows.Next() {
		var i Integration
		var provider string
		if err := rows.Scan(&i.ID, &i.WorkspaceID, &provider, &i.EncryptedCredentials,
			&i.IsActive, &i.HealthStatus, &i.LastSyncedAt); err != nil {
			return nil, err
		}
		i.Provider = Provider(provider)
		out = append(out, i)
	}
	return out, rows.Err()
}

func (s *PGIntegrationStore) UpdateHealth(ctx context.Context, integrationID, status string, syncedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE payspool.provider_integrations
		SET health_status = $2, last_synced_at = $3, updated_at = now()
		WHERE id = $1`,
		integrationID, status, syncedAt,
	)
	return err
}

// PGEventStore reads the ingested event mirror for reconciliation.
type PGEventStore struct {
	pool *pgxpool.Pool
}

func NewPGEventStore(pool *pgxpool.Pool) *PGEventStore {
	return &PGEventStore{pool: pool}
}

func (s *PGEventStore) Events(ctx context.Context, workspaceID, batchID string, cap int) ([]IngestedEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workspace_id, provider_event_id, detected_provider,
		       COALESCE(signature_status, 'skipped'), COALESCE(batch_id, '')
		FROM payspool.ingested_events
		WHERE workspace_id = $1
		  AND provider_event_id IS NOT NULL AND provider_event_id <> ''
		  AND detected_provider = ANY($2)
		  AND ($3 = '' OR batch_id = $3)
		ORDER BY received_at DESC
		LIMIT $4`,
		workspaceID, providerNames(), batchID, cap,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IngestedEvent
	for rows.Next() {
		var ev IngestedEvent
		var provider string
		if err := rows.Scan(&ev.ID, &ev.WorkspaceID, &ev.ProviderEventID, &provider,
			&ev.SignatureStatus, &ev.BatchID); err != nil {
			return nil, err
		}
		ev.DetectedProvider = Provider(provider)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PGEventStore) WithDeliveryJobs(ctx context.Context, workspaceID string) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ingested_event_id
		FROM payspool.delivery_jobs
		WHERE workspace_id = $1 AND ingested_event_id IS NOT NULL`,
		workspaceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func providerNames() []string {
	names := make([]string, 0, len(SupportedProviders))
	for _, p := range SupportedProviders {
		names = append(names, string(p))
	}
	return names
}

// PGObjectStore mirrors pulled provider objects.
type PGObjectStore struct {
	pool *pgxpool.Pool
}

func NewPGObjectStore(pool *pgxpool.Pool) *PGObjectStore {
	return &PGObjectStore{pool: pool}
}

func (s *PGObjectStore) UpsertBatch(ctx context.Context, integrationID string, objects []ProviderObject) error {
	for _, obj := range objects {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO payspool.provider_objects
				(id, integration_id, external_id, object_type, summary, pulled_at)
			VALUES ($1, $2, $3, $4, $5, now())
			ON CONFLICT ON CONSTRAINT uq_provider_objects_external DO UPDATE
			SET object_type = EXCLUDED.object_type,
			    summary = EXCLUDED.summary,
			    pulled_at = now()`,
			uuid.New().String(), integrationID, obj.ExternalID, obj.ObjectType, obj.Summary,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// PGRunStore persists reconciliation runs.
type PGRunStore struct {
	pool *pgxpool.Pool
}

func NewPGRunStore(pool *pgxpool.Pool) *PGRunStore {
	return &PGRunStore{pool: pool}
}

func (s *PGRunStore) Insert(ctx context.Context, run *Run) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO payspool.recon_runs
			(id, workspace_id, status, started_at, completed_at,
			 items_processed, discrepancies_found, report)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb)`,
		run.ID, run.WorkspaceID, run.Status, run.StartedAt, run.CompletedAt,
		run.ItemsProcessed, run.DiscrepanciesFound, string(run.ReportJSON),
	)
	return err
}
