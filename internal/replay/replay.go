// Package replay records used nonces per (workspace, target) so a signed
// request, inbound or outbound, is accepted at most once inside the
// verification window.
package replay

import "context"

// Registration result codes.
const (
	CodeOK             = "ok"
	CodeReplayDetected = "replay_detected"
	CodeCacheFailed    = "replay_cache_failed"
)

// Result is the typed outcome of Register.
type Result struct {
	OK   bool
	Code string
}

// Store records nonce first-use. A uniqueness violation on
// (workspace, target, nonce) means replay; any other persistence error is
// reported as replay_cache_failed and must be treated as a rejection, never
// fail-open.
type Store interface {
	Register(ctx context.Context, workspaceID, targetID, nonce string, timestampSec int64) Result
}
