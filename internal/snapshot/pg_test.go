package snapshot

import (
	"context"
	"testing"
)

func TestExistsMalformedIDAnswersFalse(t *testing.T) {
	// A non-uuid identifier short-circuits before the pool is touched, so a
	// nil pool proves the query never runs.
	runs := NewPGRuns(nil)
	targets := NewPGTargets(nil)
	ctx := context.Background()

	tests := []struct {
		name string
		id   string
	}{
		{name: "plain text", id: "not-a-uuid"},
		{name: "empty", id: ""},
		{name: "truncated", id: "5f0c1a2b-3d4e"},
		{name: "injection shaped", id: "1 OR 1=1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := runs.Exists(ctx, "ws-1", tt.id)
			if err != nil {
				t.Errorf("PGRuns.Exists() error = %v, want nil", err)
			}
			if ok {
				t.Errorf("PGRuns.Exists() = %v, want false", ok)
			}

			ok, err = targets.Exists(ctx, "ws-1", tt.id)
			if err != nil {
				t.Errorf("PGTargets.Exists() error = %v, want nil", err)
			}
			if ok {
				t.Errorf("PGTargets.Exists() = %v, want false", ok)
			}
		})
	}
}
