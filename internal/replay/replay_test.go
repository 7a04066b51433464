package replay

import (
	"context"
	"testing"
	"time"
)

func TestMemoryRegisterFirstUse(t *testing.T) {
	m := NewMemory()
	res := m.Register(context.Background(), "ws-1", "tgt-1", "nonce-a", time.Now().Unix())
	if !res.OK {
		t.Fatalf("Register() first use = %+v, want OK", res)
	}
	if res.Code != CodeOK {
		t.Errorf("Register() Code = %q, want %q", res.Code, CodeOK)
	}
}

func TestMemoryRegisterDetectsReplay(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	ts := time.Now().Unix()

	if res := m.Register(ctx, "ws-1", "tgt-1", "nonce-a", ts); !res.OK {
		t.Fatalf("Register() first use rejected: %+v", res)
	}
	res := m.Register(ctx, "ws-1", "tgt-1", "nonce-a", ts)
	if res.OK {
		t.Fatal("Register() accepted a reused nonce")
	}
	if res.Code != CodeReplayDetected {
		t.Errorf("Register() Code = %q, want %q", res.Code, CodeReplayDetected)
	}
}

func TestMemoryRegisterScopes(t *testing.T) {
	// The same nonce is independent per (workspace, target) pair.
	m := NewMemory()
	ctx := context.Background()
	ts := time.Now().Unix()

	tests := []struct {
		name        string
		workspaceID string
		targetID    string
		wantOK      bool
	}{
		{name: "first registration", workspaceID: "ws-1", targetID: "tgt-1", wantOK: true},
		{name: "same nonce different target", workspaceID: "ws-1", targetID: "tgt-2", wantOK: true},
		{name: "same nonce different workspace", workspaceID: "ws-2", targetID: "tgt-1", wantOK: true},
		{name: "exact repeat", workspaceID: "ws-1", targetID: "tgt-1", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := m.Register(ctx, tt.workspaceID, tt.targetID, "shared-nonce", ts)
			if res.OK != tt.wantOK {
				t.Errorf("Register(%s, %s) OK = %v, want %v", tt.workspaceID, tt.targetID, res.OK, tt.wantOK)
			}
		})
	}
}
