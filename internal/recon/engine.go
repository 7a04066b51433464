package recon

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lanceiq/payspool/internal/config"
	"github.com/lanceiq/payspool/internal/logging"
	"github.com/lanceiq/payspool/internal/metrics"
	"github.com/lanceiq/payspool/internal/secrets"
	"github.com/lanceiq/payspool/internal/tracing"
)

// Engine runs one-shot reconciliation passes for a workspace.
type Engine struct {
	integrations IntegrationStore
	events       EventStore
	objects      ObjectStore
	runs         RunStore
	adapters     map[Provider]Adapter
	box          *secrets.Box
	cfg          config.Recon
	log          *logging.Logger
	now          func() time.Time
}

func NewEngine(integrations IntegrationStore, events EventStore, objects ObjectStore, runs RunStore, adapters []Adapter, box *secrets.Box, cfg config.Recon, log *logging.Logger) *Engine {
	byProvider := make(map[Provider]Adapter, len(adapters))
	for _, a := range adapters {
		byProvider[a.Provider()] = a
	}
	return &Engine{
		integrations: integrations,
		events:       events,
		objects:      objects,
		runs:         runs,
		adapters:     byProvider,
		box:          box,
		cfg:          cfg,
		log:          log,
		now:          time.Now,
	}
}

// Run executes one reconciliation pass. A run never mutates delivery state;
// it only observes, counts, and persists its report. batchID optionally
// narrows the local event set.
func (e *Engine) Run(ctx context.Context, workspaceID, batchID string) (*Run, *Report, error) {
	ctx, span := tracing.StartSpan(ctx, "recon.run")
	defer span.End()

	startedAt := e.now().UTC()
	runID := uuid.New().String()
	log := e.log.WithContext(ctx).WithWorkspace(workspaceID).WithRun(runID)

	integrations, err := e.integrations.ActiveByWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, nil, fmt.Errorf("load integrations: %w", err)
	}

	events, err := e.events.Events(ctx, workspaceID, batchID, e.cfg.EventCap)
	if err != nil {
		return nil, nil, fmt.Errorf("load ingested events: %w", err)
	}
	withJobs, err := e.events.WithDeliveryJobs(ctx, workspaceID)
	if err != nil {
		return nil, nil, fmt.Errorf("load delivery job links: %w", err)
	}

	report := &Report{GeneratedAt: startedAt.Format(time.RFC3339)}
	report.Counters.EventsConsidered = len(events)

	// Local events indexed by provider, plus a global id -> provider map for
	// mismatch detection across listings.
	eventsByProvider := make(map[Provider]map[string]IngestedEvent)
	eventProvider := make(map[string]Provider)
	for _, ev := range events {
		if ev.SignatureStatus == "failed" {
			report.DiscrepancyCounters.FailedVerifications++
		}
		m := eventsByProvider[ev.DetectedProvider]
		if m == nil {
			m = make(map[string]IngestedEvent)
			eventsByProvider[ev.DetectedProvider] = m
		}
		m[ev.ProviderEventID] = ev
		eventProvider[ev.ProviderEventID] = ev.DetectedProvider
	}

	// Providers covered by an active integration. Local events for a provider
	// with no integration cannot be diffed against a listing, so their
	// missing-delivery check falls back to the job-link check below.
	pulled := make(map[Provider]map[string]bool)

	for _, integ := range integrations {
		pr := e.reconcileIntegration(ctx, integ, eventsByProvider[integ.Provider], eventProvider, pulled, report)
		report.Providers = append(report.Providers, pr)
	}

	// An ingested event with no delivery job is a silent forwarding gap even
	// when the provider listing confirms the event happened. Events already
	// counted missing from their listing are not counted twice.
	for _, ev := range events {
		if withJobs[ev.ID] {
			continue
		}
		if seen, ok := pulled[ev.DetectedProvider]; ok && !seen[ev.ProviderEventID] {
			continue
		}
		report.DiscrepancyCounters.MissingDeliveries++
		for i := range report.Providers {
			if report.Providers[i].Provider == ev.DetectedProvider {
				report.Providers[i].MissingDeliveries++
			}
		}
	}

	metrics.RecordDiscrepancy("missing_receipts", report.DiscrepancyCounters.MissingReceipts)
	metrics.RecordDiscrepancy("missing_deliveries", report.DiscrepancyCounters.MissingDeliveries)
	metrics.RecordDiscrepancy("failed_verifications", report.DiscrepancyCounters.FailedVerifications)
	metrics.RecordDiscrepancy("provider_mismatches", report.DiscrepancyCounters.ProviderMismatches)
	metrics.RecordDiscrepancy("provider_pull_failures", report.DiscrepancyCounters.ProviderPullFailures)

	if report.DiscrepancyCounters.ProviderMismatches > 0 {
		report.Notes = "provider_mismatches may include shared test-mode IDs visible from more than one provider account"
	}

	completedAt := e.now().UTC()
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal report: %w", err)
	}
	run := &Run{
		ID:                 runID,
		WorkspaceID:        workspaceID,
		Status:             "completed",
		StartedAt:          startedAt,
		CompletedAt:        completedAt,
		ItemsProcessed:     report.Counters.EventsConsidered + report.Counters.ProviderObjectsPulled,
		DiscrepanciesFound: report.DiscrepancyCounters.Total(),
		ReportJSON:         reportJSON,
	}
	if err := e.runs.Insert(ctx, run); err != nil {
		return nil, nil, fmt.Errorf("persist run: %w", err)
	}

	log.WithField("discrepancies", run.DiscrepanciesFound).
		WithField("events_considered", report.Counters.EventsConsidered).
		WithField("objects_pulled", report.Counters.ProviderObjectsPulled).
		Info("reconciliation run completed")
	return run, report, nil
}

func (e *Engine) reconcileIntegration(ctx context.Context, integ Integration, localEvents map[string]IngestedEvent, eventProvider map[string]Provider, pulled map[Provider]map[string]bool, report *Report) ProviderReport {
	pr := ProviderReport{Provider: integ.Provider, EventCount: len(localEvents)}
	log := e.log.WithContext(ctx).WithWorkspace(integ.WorkspaceID).WithField("provider", string(integ.Provider))

	adapter, ok := e.adapters[integ.Provider]
	if !ok {
		pr.PullErrorCode = PullErrHTTP
		pr.PullError = fmt.Sprintf("no adapter for provider %q", integ.Provider)
		report.DiscrepancyCounters.ProviderPullFailures++
		return pr
	}

	creds, err := e.box.DecryptString(integ.EncryptedCredentials)
	if err != nil {
		pr.PullErrorCode = PullErrHTTP
		pr.PullError = "decrypt credentials: " + err.Error()
		report.DiscrepancyCounters.ProviderPullFailures++
		e.markHealth(ctx, integ.ID, HealthDegraded)
		return pr
	}

	pullCtx, cancel := context.WithTimeout(ctx, e.cfg.PullTimeout)
	result := adapter.Pull(pullCtx, creds, e.cfg.PullLimit)
	cancel()

	if !result.OK {
		pr.PullErrorCode = result.ErrorCode
		pr.PullError = result.ErrorMessage
		report.DiscrepancyCounters.ProviderPullFailures++
		e.markHealth(ctx, integ.ID, HealthDegraded)
		log.WithField("error_code", result.ErrorCode).WithField("error", result.ErrorMessage).Warn("provider pull failed")
		return pr
	}

	pr.PullOK = true
	pr.PulledCount = len(result.Objects)
	report.Counters.ProviderObjectsPulled += len(result.Objects)

	if err := e.objects.UpsertBatch(ctx, integ.ID, result.Objects); err != nil {
		log.WithError(err).Warn("provider object mirror upsert failed")
	}
	e.markHealth(ctx, integ.ID, HealthOK)

	seen := make(map[string]bool, len(result.Objects))
	for _, obj := range result.Objects {
		seen[obj.ExternalID] = true
		if _, local := localEvents[obj.ExternalID]; !local {
			if other, known := eventProvider[obj.ExternalID]; known && other != integ.Provider {
				// The ID exists locally but was attributed to a different
				// provider at ingest time.
				report.DiscrepancyCounters.ProviderMismatches++
			} else {
				report.DiscrepancyCounters.MissingReceipts++
				pr.MissingReceipts++
			}
		}
	}
	pulled[integ.Provider] = seen

	for id := range localEvents {
		if !seen[id] {
			report.DiscrepancyCounters.MissingDeliveries++
			pr.MissingDeliveries++
		}
	}
	return pr
}

func (e *Engine) markHealth(ctx context.Context, integrationID, status string) {
	if err := e.integrations.UpdateHealth(ctx, integrationID, status, e.now().UTC()); err != nil {
		e.log.WithContext(ctx).WithError(err).WithField("integration_id", integrationID).Warn("integration health update failed")
	}
}
