// Package snapshot ingests customer-reported downstream payment state, either
// from an authenticated operator or from a signed machine callback.
package snapshot

import (
	"context"
	"encoding/json"
	"time"
)

// Downstream states a customer system can report.
const (
	StateActivated    = "activated"
	StateNotActivated = "not_activated"
	StateError        = "error"
)

func ValidState(s string) bool {
	return s == StateActivated || s == StateNotActivated || s == StateError
}

// CapabilitySignedCallbacks gates the signed machine-callback mode per
// workspace.
const CapabilitySignedCallbacks = "signed_callbacks"

// Rejection codes, stable across the HTTP surface.
const (
	CodeBadBatch        = "invalid_snapshot_batch"
	CodeTargetAmbiguous = "target_ambiguous"
	CodeTargetMismatch  = "target_mismatch"
	CodeNoEntitlement   = "entitlement_missing"
	CodeNotFound        = "not_found"
	CodeStoreFailed     = "snapshot_store_failed"
)

// Error is a typed rejection. The HTTP layer maps Code to a status.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

func errf(code, msg string) *Error { return &Error{Code: code, Message: msg} }

// Row is one customer-reported snapshot of downstream payment state.
type Row struct {
	TargetID          string          `json:"target_id,omitempty"`
	Provider          string          `json:"provider"`
	ProviderPaymentID string          `json:"provider_payment_id"`
	DownstreamState   string          `json:"downstream_state"`
	ObservedAt        time.Time       `json:"observed_at"`
	ObjectRef         string          `json:"object_ref,omitempty"`
	StateHash         string          `json:"state_hash"`
	ReasonCode        string          `json:"reason_code,omitempty"`
	CapturedData      json.RawMessage `json:"captured_data,omitempty"`
}

// Batch is the inbound callback body.
type Batch struct {
	WorkspaceID string `json:"workspace_id"`
	RunID       string `json:"run_id"`
	TargetID    string `json:"target_id,omitempty"`
	Snapshots   []Row  `json:"snapshots"`
}

// dedupeKey is the composite uniqueness key. Retried batches and duplicate
// rows within one batch collapse onto it.
func (r Row) dedupeKey(workspaceID string) string {
	return workspaceID + "\x00" + r.Provider + "\x00" + r.ProviderPaymentID +
		"\x00" + r.ObservedAt.UTC().Format(time.RFC3339Nano) + "\x00" + r.StateHash
}

// Store persists snapshot rows idempotently on the composite key.
type Store interface {
	UpsertBatch(ctx context.Context, workspaceID, runID, targetID string, rows []Row) (inserted int, err error)
}

// Entitlements answers workspace capability checks.
type Entitlements interface {
	Has(ctx context.Context, workspaceID, capability string) (bool, error)
}

// Runs answers run existence for the callback's run_id reference.
type Runs interface {
	Exists(ctx context.Context, workspaceID, runID string) (bool, error)
}

// Targets answers delivery target existence.
type Targets interface {
	Exists(ctx context.Context, workspaceID, targetID string) (bool, error)
}
