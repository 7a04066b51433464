package replay

import (
	"context"
	"sync"
)

// Memory is an in-process Store. The fake receiver uses it to demonstrate
// replay rejection; tests use it in place of Postgres.
type Memory struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{seen: make(map[string]struct{})}
}

func (m *Memory) Register(_ context.Context, workspaceID, targetID, nonce string, _ int64) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := workspaceID + "\x00" + targetID + "\x00" + nonce
	if _, ok := m.seen[key]; ok {
		return Result{OK: false, Code: CodeReplayDetected}
	}
	m.seen[key] = struct{}{}
	return Result{OK: true, Code: CodeOK}
}
