package breaker

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process Store. Used by tests and by local development
// without Postgres.
type Memory struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewMemory() *Memory {
	return &Memory{breakers: make(map[string]*Breaker)}
}

func key(workspaceID, targetHost string) string {
	return workspaceID + "\x00" + targetHost
}

func (m *Memory) GetOrCreate(_ context.Context, workspaceID, targetHost string) (*Breaker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(workspaceID, targetHost)
	b, ok := m.breakers[k]
	if !ok {
		b = &Breaker{
			ID:          uuid.NewString(),
			WorkspaceID: workspaceID,
			TargetHost:  targetHost,
			State:       StateClosed,
		}
		m.breakers[k] = b
	}
	cp := *b
	return &cp, nil
}

func (m *Memory) Get(_ context.Context, workspaceID, targetHost string) (*Breaker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[key(workspaceID, targetHost)]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (m *Memory) Save(_ context.Context, b *Breaker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.breakers[key(b.WorkspaceID, b.TargetHost)] = &cp
	return nil
}
