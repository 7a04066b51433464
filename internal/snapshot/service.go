package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/lanceiq/payspool/internal/keys"
	"github.com/lanceiq/payspool/internal/logging"
	"github.com/lanceiq/payspool/internal/replay"
	"github.com/lanceiq/payspool/internal/signing"
)

// Result is what a successful ingestion returns.
type Result struct {
	RunID    string `json:"run_id"`
	Inserted int    `json:"inserted"`
}

// Service validates and persists snapshot batches.
type Service struct {
	store        Store
	entitlements Entitlements
	runs         Runs
	targets      Targets
	resolver     *keys.Resolver
	nonces       replay.Store
	tolerance    time.Duration
	log          *logging.Logger
}

func NewService(store Store, entitlements Entitlements, runs Runs, targets Targets, resolver *keys.Resolver, nonces replay.Store, tolerance time.Duration, log *logging.Logger) *Service {
	return &Service{
		store:        store,
		entitlements: entitlements,
		runs:         runs,
		targets:      targets,
		resolver:     resolver,
		nonces:       nonces,
		tolerance:    tolerance,
		log:          log,
	}
}

// IngestSigned handles the machine-callback mode: entitlement, signature
// against every candidate secret, nonce registration, then the shared
// validation and upsert path.
func (s *Service) IngestSigned(ctx context.Context, batch *Batch, body []byte, timestampSec int64, nonce, signature string) (*Result, *Error) {
	if verr := validateBatch(batch); verr != nil {
		return nil, verr
	}

	ok, err := s.entitlements.Has(ctx, batch.WorkspaceID, CapabilitySignedCallbacks)
	if err != nil {
		return nil, errf(CodeStoreFailed, "entitlement check failed: "+err.Error())
	}
	if !ok {
		return nil, errf(CodeNoEntitlement, "workspace is not entitled to signed callbacks")
	}

	targetID, verr := resolveTarget(batch)
	if verr != nil {
		return nil, verr
	}

	if verr := s.verify(ctx, batch.WorkspaceID, targetID, body, timestampSec, nonce, signature); verr != nil {
		return nil, verr
	}

	res := s.nonces.Register(ctx, batch.WorkspaceID, targetID, nonce, timestampSec)
	if !res.OK {
		return nil, errf(res.Code, "nonce registration rejected")
	}

	return s.ingest(ctx, batch, targetID)
}

// Ingest handles the authenticated operator mode. Same validation and
// persistence, no signature or nonce.
func (s *Service) Ingest(ctx context.Context, batch *Batch) (*Result, *Error) {
	if verr := validateBatch(batch); verr != nil {
		return nil, verr
	}
	targetID, verr := resolveTarget(batch)
	if verr != nil {
		return nil, verr
	}
	return s.ingest(ctx, batch, targetID)
}

// verify tries every candidate secret in rotation order. A single stale
// tolerance failure among the candidates is reported as stale_timestamp
// rather than a blanket invalid_signature, since the fix differs.
func (s *Service) verify(ctx context.Context, workspaceID, targetID string, body []byte, timestampSec int64, nonce, signature string) *Error {
	candidates, err := s.resolver.CandidateSecrets(ctx, workspaceID, targetID)
	if err != nil {
		return errf(CodeStoreFailed, "resolve candidate secrets: "+err.Error())
	}
	if len(candidates) == 0 {
		return errf(signing.CodeInvalidSignature, "no signing secret configured for workspace or target")
	}

	staleSeen := false
	for _, secret := range candidates {
		res := signing.Verify(body, secret, timestampSec, nonce, signature, s.tolerance)
		if res.OK {
			return nil
		}
		if res.Code == signing.CodeStaleTimestamp {
			staleSeen = true
		}
	}
	if staleSeen {
		return errf(signing.CodeStaleTimestamp, "callback timestamp outside tolerance window")
	}
	return errf(signing.CodeInvalidSignature, "signature did not verify against any candidate secret")
}

func (s *Service) ingest(ctx context.Context, batch *Batch, targetID string) (*Result, *Error) {
	exists, err := s.runs.Exists(ctx, batch.WorkspaceID, batch.RunID)
	if err != nil {
		return nil, errf(CodeStoreFailed, "run lookup failed: "+err.Error())
	}
	if !exists {
		return nil, errf(CodeNotFound, fmt.Sprintf("run %s not found", batch.RunID))
	}
	exists, err = s.targets.Exists(ctx, batch.WorkspaceID, targetID)
	if err != nil {
		return nil, errf(CodeStoreFailed, "target lookup failed: "+err.Error())
	}
	if !exists {
		return nil, errf(CodeNotFound, fmt.Sprintf("target %s not found", targetID))
	}

	rows := dedupe(batch.WorkspaceID, batch.Snapshots)
	inserted, err := s.store.UpsertBatch(ctx, batch.WorkspaceID, batch.RunID, targetID, rows)
	if err != nil {
		return nil, errf(CodeStoreFailed, "snapshot upsert failed: "+err.Error())
	}

	s.log.WithContext(ctx).WithWorkspace(batch.WorkspaceID).WithRun(batch.RunID).
		WithTarget(targetID).
		WithField("rows", len(batch.Snapshots)).
		WithField("inserted", inserted).
		Info("snapshot batch ingested")
	return &Result{RunID: batch.RunID, Inserted: inserted}, nil
}

func validateBatch(batch *Batch) *Error {
	if batch == nil || batch.WorkspaceID == "" {
		return errf(CodeBadBatch, "workspace_id is required")
	}
	if batch.RunID == "" {
		return errf(CodeBadBatch, "run_id is required")
	}
	if len(batch.Snapshots) == 0 {
		return errf(CodeBadBatch, "snapshots must be non-empty")
	}
	for i, row := range batch.Snapshots {
		if row.Provider == "" || row.ProviderPaymentID == "" {
			return errf(CodeBadBatch, fmt.Sprintf("snapshot %d: provider and provider_payment_id are required", i))
		}
		if !ValidState(row.DownstreamState) {
			return errf(CodeBadBatch, fmt.Sprintf("snapshot %d: unknown downstream_state %q", i, row.DownstreamState))
		}
		if row.ObservedAt.IsZero() {
			return errf(CodeBadBatch, fmt.Sprintf("snapshot %d: observed_at is required", i))
		}
		if row.StateHash == "" {
			return errf(CodeBadBatch, fmt.Sprintf("snapshot %d: state_hash is required", i))
		}
	}
	return nil
}

// resolveTarget pins the batch to exactly one target. A declared target_id
// must be consistent with every row; with none declared, the rows themselves
// must agree on exactly one.
func resolveTarget(batch *Batch) (string, *Error) {
	if batch.TargetID != "" {
		for i, row := range batch.Snapshots {
			if row.TargetID != "" && row.TargetID != batch.TargetID {
				return "", errf(CodeTargetMismatch,
					fmt.Sprintf("snapshot %d targets %s but the batch declares %s", i, row.TargetID, batch.TargetID))
			}
		}
		return batch.TargetID, nil
	}

	distinct := make(map[string]bool)
	for _, row := range batch.Snapshots {
		if row.TargetID != "" {
			distinct[row.TargetID] = true
		}
	}
	if len(distinct) != 1 {
		return "", errf(CodeTargetAmbiguous,
			fmt.Sprintf("batch must resolve to exactly one target, found %d", len(distinct)))
	}
	for id := range distinct {
		return id, nil
	}
	return "", errf(CodeTargetAmbiguous, "batch must resolve to exactly one target")
}

// dedupe drops duplicate rows within one batch on the composite key, keeping
// the first occurrence.
func dedupe(workspaceID string, rows []Row) []Row {
	seen := make(map[string]bool, len(rows))
	out := make([]Row, 0, len(rows))
	for _, row := range rows {
		k := row.dedupeKey(workspaceID)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, row)
	}
	return out
}
