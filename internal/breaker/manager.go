package breaker

import (
	"context"
	"fmt"
	"time"

	"github.com/lanceiq/payspool/internal/metrics"
)

// Store is the narrow record-store contract the breaker needs. Counters are
// tolerated as slightly racy under concurrent workers; the breaker is a
// safety valve, not a ledger.
type Store interface {
	GetOrCreate(ctx context.Context, workspaceID, targetHost string) (*Breaker, error)
	Get(ctx context.Context, workspaceID, targetHost string) (*Breaker, error)
	Save(ctx context.Context, b *Breaker) error
}

// Manager applies transition rules against a Store.
type Manager struct {
	store Store
	cfg   Config
	now   func() time.Time
}

func NewManager(store Store, cfg Config) *Manager {
	return &Manager{store: store, cfg: cfg, now: time.Now}
}

// Check returns the breaker for a host, creating it lazily on first use.
func (m *Manager) Check(ctx context.Context, workspaceID, targetHost string) (*Breaker, error) {
	return m.store.GetOrCreate(ctx, workspaceID, targetHost)
}

// RecordResult applies one attempt outcome and persists the breaker.
func (m *Manager) RecordResult(ctx context.Context, b *Breaker, statusCode int, transportFailed bool) error {
	if Apply(b, statusCode, transportFailed, m.now(), m.cfg) {
		metrics.RecordBreakerOpen()
	}
	return m.store.Save(ctx, b)
}

// Resume forces a breaker half-open for a manual trial attempt.
func (m *Manager) Resume(ctx context.Context, workspaceID, targetHost string) (*Breaker, error) {
	b, err := m.store.GetOrCreate(ctx, workspaceID, targetHost)
	if err != nil {
		return nil, err
	}
	Resume(b, m.now())
	if err := m.store.Save(ctx, b); err != nil {
		return nil, fmt.Errorf("save breaker: %w", err)
	}
	return b, nil
}

// Inspect returns the breaker for a host without creating one.
func (m *Manager) Inspect(ctx context.Context, workspaceID, targetHost string) (*Breaker, error) {
	return m.store.Get(ctx, workspaceID, targetHost)
}
