// Package keys manages workspace-scoped HMAC signing key material and
// resolves the secret used to sign or verify a given exchange.
package keys

import (
	"context"
	"time"

	"github.com/lanceiq/payspool/internal/secrets"
)

const (
	AlgorithmHMACSHA256 = "hmac-sha256"

	StateActive  = "active"
	StateRetired = "retired"
)

// SigningKey is workspace-scoped key material. At most one active key per
// workspace per algorithm; rotation retires the old key, which stays
// verifiable for a grace window.
type SigningKey struct {
	ID              string
	WorkspaceID     string
	KeyID           string
	Algorithm       string
	EncryptedSecret []byte
	State           string
	RetiredAt       *time.Time
}

// Store is the narrow record-store contract for signing keys.
type Store interface {
	// Active returns the workspace's active key for an algorithm, nil when none.
	Active(ctx context.Context, workspaceID, algorithm string) (*SigningKey, error)
	// Verifiable returns keys usable for verification: the active key first,
	// then keys retired after the given cutoff.
	Verifiable(ctx context.Context, workspaceID, algorithm string, retiredAfter time.Time) ([]SigningKey, error)
	// Rotate inserts a new active key and retires the previous one.
	Rotate(ctx context.Context, key *SigningKey) error
}

// TargetSecrets looks up a delivery target's own configured secret.
// Implemented by the spool target store.
type TargetSecrets interface {
	EncryptedSecret(ctx context.Context, workspaceID, targetID string) ([]byte, error)
}

// Resolver picks the signing secret for an exchange: the workspace's active
// key wins, the target's own secret is the fallback.
type Resolver struct {
	Keys        Store
	Targets     TargetSecrets
	Box         *secrets.Box
	GraceWindow time.Duration // how long retired keys stay verifiable
	now         func() time.Time
}

func NewResolver(keys Store, targets TargetSecrets, box *secrets.Box) *Resolver {
	return &Resolver{
		Keys:        keys,
		Targets:     targets,
		Box:         box,
		GraceWindow: 24 * time.Hour,
		now:         time.Now,
	}
}

// SigningSecret resolves the outbound signing secret. Returns "" when neither
// an active key nor a target secret exists; the caller fails fast rather than
// sending unsigned.
func (r *Resolver) SigningSecret(ctx context.Context, workspaceID, targetID string) (string, error) {
	key, err := r.Keys.Active(ctx, workspaceID, AlgorithmHMACSHA256)
	if err != nil {
		return "", err
	}
	if key != nil {
		return r.Box.DecryptString(key.EncryptedSecret)
	}
	sealed, err := r.Targets.EncryptedSecret(ctx, workspaceID, targetID)
	if err != nil {
		return "", err
	}
	if len(sealed) == 0 {
		return "", nil
	}
	return r.Box.DecryptString(sealed)
}

// CandidateSecrets resolves every secret an inbound signed callback may have
// been signed with: the active key, retired keys inside the grace window,
// then the target's own secret. Order matters; verification tries each in
// turn so rotation does not break in-flight callbacks.
func (r *Resolver) CandidateSecrets(ctx context.Context, workspaceID, targetID string) ([]string, error) {
	cutoff := r.now().Add(-r.GraceWindow)
	ks, err := r.Keys.Verifiable(ctx, workspaceID, AlgorithmHMACSHA256, cutoff)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, k := range ks {
		s, err := r.Box.DecryptString(k.EncryptedSecret)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	sealed, err := r.Targets.EncryptedSecret(ctx, workspaceID, targetID)
	if err != nil {
		return nil, err
	}
	if len(sealed) > 0 {
		s, err := r.Box.DecryptString(sealed)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
