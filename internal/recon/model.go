// Package recon pulls provider-side event listings and diffs three
// independent views of the same traffic: locally ingested events, locally
// recorded delivery jobs, and what each provider reports. The three-way diff
// is the only way to catch silent failures none of the subsystems surface
// alone, like a verified webhook whose forwarding job quietly dead-lettered.
package recon

import (
	"context"
	"time"
)

type Provider string

const (
	ProviderStripe       Provider = "stripe"
	ProviderRazorpay     Provider = "razorpay"
	ProviderLemonSqueezy Provider = "lemonsqueezy"
)

// SupportedProviders lists the provider types reconciliation handles.
var SupportedProviders = []Provider{ProviderStripe, ProviderRazorpay, ProviderLemonSqueezy}

func Supported(p Provider) bool {
	for _, s := range SupportedProviders {
		if s == p {
			return true
		}
	}
	return false
}

// Pull error codes, stable per provider adapter.
const (
	PullErrTimeout = "provider_timeout"
	PullErrHTTP    = "provider_http_error"
	PullErrBadJSON = "provider_bad_json"
)

// Integration health statuses.
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
)

// Integration is a workspace's connection to one provider.
type Integration struct {
	ID                   string
	WorkspaceID          string
	Provider             Provider
	EncryptedCredentials []byte
	IsActive             bool
	HealthStatus         string
	LastSyncedAt         *time.Time
}

// ProviderObject is one normalized item from a provider listing.
type ProviderObject struct {
	ExternalID string         `json:"external_id"`
	ObjectType string         `json:"object_type"`
	Summary    string         `json:"summary"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// PullResult is the tagged outcome of one provider pull. Adapters never
// return Go errors for expected failure modes; they classify them.
type PullResult struct {
	OK           bool
	Objects      []ProviderObject
	ErrorCode    string
	ErrorMessage string
}

// Adapter pulls a bounded listing from one provider type.
type Adapter interface {
	Provider() Provider
	Pull(ctx context.Context, credentials string, limit int) PullResult
}

// IngestedEvent is the reconciliation-relevant slice of a locally ingested
// webhook event.
type IngestedEvent struct {
	ID               string
	WorkspaceID      string
	ProviderEventID  string
	DetectedProvider Provider
	SignatureStatus  string // verified | failed | skipped
	BatchID          string
}

// Run is one reconciliation invocation, immutable once completed.
type Run struct {
	ID                 string    `json:"id"`
	WorkspaceID        string    `json:"workspace_id"`
	Status             string    `json:"status"`
	StartedAt          time.Time `json:"started_at"`
	CompletedAt        time.Time `json:"completed_at"`
	ItemsProcessed     int       `json:"items_processed"`
	DiscrepanciesFound int       `json:"discrepancies_found"`
	ReportJSON         []byte    `json:"report"`
}

// Report is the aggregate result shape returned to callers and persisted on
// the run row.
type Report struct {
	GeneratedAt         string              `json:"generated_at"`
	Counters            Counters            `json:"counters"`
	DiscrepancyCounters DiscrepancyCounters `json:"discrepancy_counters"`
	Providers           []ProviderReport    `json:"providers"`
	Notes               string              `json:"notes"`
}

type Counters struct {
	EventsConsidered      int `json:"events_considered"`
	ProviderObjectsPulled int `json:"provider_objects_pulled"`
}

type DiscrepancyCounters struct {
	MissingReceipts      int `json:"missing_receipts"`
	MissingDeliveries    int `json:"missing_deliveries"`
	FailedVerifications  int `json:"failed_verifications"`
	ProviderMismatches   int `json:"provider_mismatches"`
	ProviderPullFailures int `json:"provider_pull_failures"`
}

func (d DiscrepancyCounters) Total() int {
	return d.MissingReceipts + d.MissingDeliveries + d.FailedVerifications +
		d.ProviderMismatches + d.ProviderPullFailures
}

type ProviderReport struct {
	Provider          Provider `json:"provider"`
	PullOK            bool     `json:"pull_ok"`
	PullErrorCode     string   `json:"pull_error_code,omitempty"`
	PullError         string   `json:"pull_error,omitempty"`
	PulledCount       int      `json:"pulled_count"`
	MissingReceipts   int      `json:"missing_receipts"`
	MissingDeliveries int      `json:"missing_deliveries"`
	EventCount        int      `json:"event_count"`
}

// IntegrationStore is the narrow contract for provider integrations.
type IntegrationStore interface {
	ActiveByWorkspace(ctx context.Context, workspaceID string) ([]Integration, error)
	UpdateHealth(ctx context.Context, integrationID, status string, syncedAt time.Time) error
}

// EventStore reads the locally ingested event mirror.
type EventStore interface {
	// Events returns ingested events with a provider event ID and a supported
	// detected provider, optionally scoped to a batch, capped.
	Events(ctx context.Context, workspaceID, batchID string, cap int) ([]IngestedEvent, error)
	// WithDeliveryJobs returns the set of ingested-event IDs that have at
	// least one associated delivery job.
	WithDeliveryJobs(ctx context.Context, workspaceID string) (map[string]bool, error)
}

// ObjectStore mirrors pulled provider objects for caching and audit.
type ObjectStore interface {
	UpsertBatch(ctx context.Context, integrationID string, objects []ProviderObject) error
}

// RunStore persists reconciliation runs.
type RunStore interface {
	Insert(ctx context.Context, run *Run) error
}
