package snapshot

import (
	"bytes"
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/lanceiq/payspool/internal/keys"
	"github.com/lanceiq/payspool/internal/logging"
	"github.com/lanceiq/payspool/internal/replay"
	"github.com/lanceiq/payspool/internal/secrets"
	"github.com/lanceiq/payspool/internal/signing"
)

type fakeSnapStore struct {
	workspaceID string
	runID       string
	targetID    string
	rows        []Row
}

func (f *fakeSnapStore) UpsertBatch(_ context.Context, workspaceID, runID, targetID string, rows []Row) (int, error) {
	f.workspaceID = workspaceID
	f.runID = runID
	f.targetID = targetID
	f.rows = rows
	return len(rows), nil
}

type fakeEntitlements struct{ allowed bool }

func (f *fakeEntitlements) Has(_ context.Context, _, _ string) (bool, error) {
	return f.allowed, nil
}

type fakeRuns struct{ exists bool }

func (f *fakeRuns) Exists(_ context.Context, _, _ string) (bool, error) { return f.exists, nil }

type fakeTargets struct{ exists bool }

func (f *fakeTargets) Exists(_ context.Context, _, _ string) (bool, error) { return f.exists, nil }

type fakeKeyStore struct {
	active     *keys.SigningKey
	verifiable []keys.SigningKey
}

func (f *fakeKeyStore) Active(_ context.Context, _, _ string) (*keys.SigningKey, error) {
	return f.active, nil
}

func (f *fakeKeyStore) Verifiable(_ context.Context, _, _ string, _ time.Time) ([]keys.SigningKey, error) {
	return f.verifiable, nil
}

func (f *fakeKeyStore) Rotate(_ context.Context, _ *keys.SigningKey) error { return nil }

type fakeTargetSecrets struct{ sealed []byte }

func (f *fakeTargetSecrets) EncryptedSecret(_ context.Context, _, _ string) ([]byte, error) {
	return f.sealed, nil
}

type serviceFixture struct {
	svc          *Service
	store        *fakeSnapStore
	entitlements *fakeEntitlements
	runs         *fakeRuns
	targets      *fakeTargets
	keyStore     *fakeKeyStore
	tgtSecrets   *fakeTargetSecrets
	nonces       *replay.Memory
	box          *secrets.Box
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	box, err := secrets.Open(base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{3}, 32)))
	if err != nil {
		t.Fatalf("secrets.Open() unexpected error: %v", err)
	}
	f := &serviceFixture{
		store:        &fakeSnapStore{},
		entitlements: &fakeEntitlements{allowed: true},
		runs:         &fakeRuns{exists: true},
		targets:      &fakeTargets{exists: true},
		keyStore:     &fakeKeyStore{},
		tgtSecrets:   &fakeTargetSecrets{},
		nonces:       replay.NewMemory(),
		box:          box,
	}
	resolver := keys.NewResolver(f.keyStore, f.tgtSecrets, box)
	f.svc = NewService(f.store, f.entitlements, f.runs, f.targets, resolver, f.nonces,
		300*time.Second, logging.New("test"))
	return f
}

func (f *serviceFixture) seal(t *testing.T, secret string) []byte {
	t.Helper()
	sealed, err := f.box.Encrypt([]byte(secret))
	if err != nil {
		t.Fatalf("Encrypt() unexpected error: %v", err)
	}
	return sealed
}

func validBatch() *Batch {
	return &Batch{
		WorkspaceID: "ws-1",
		RunID:       "run-1",
		Snapshots: []Row{{
			TargetID:          "tgt-1",
			Provider:          "stripe",
			ProviderPaymentID: "pay_1",
			DownstreamState:   StateActivated,
			ObservedAt:        time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
			StateHash:         "hash-a",
		}},
	}
}

func TestIngestSignedHappyPath(t *testing.T) {
	f := newServiceFixture(t)
	f.tgtSecrets.sealed = f.seal(t, "whsec_callback")

	body := []byte(`{"run_id":"run-1","snapshots":[...]}`)
	ts := time.Now().Unix()
	sig := signing.SignAt(body, "whsec_callback", ts, "nonce-1")

	res, verr := f.svc.IngestSigned(context.Background(), validBatch(), body, ts, "nonce-1", sig)
	if verr != nil {
		t.Fatalf("IngestSigned() unexpected error: %v", verr)
	}
	if res.RunID != "run-1" {
		t.Errorf("IngestSigned() RunID = %q, want run-1", res.RunID)
	}
	if res.Inserted != 1 {
		t.Errorf("IngestSigned() Inserted = %d, want 1", res.Inserted)
	}
	if f.store.workspaceID != "ws-1" || f.store.targetID != "tgt-1" {
		t.Errorf("store received workspace=%q target=%q, want ws-1/tgt-1", f.store.workspaceID, f.store.targetID)
	}
}

func TestIngestSignedVerifiesAgainstRotatedKey(t *testing.T) {
	// A callback signed with the just-retired key still verifies while the
	// key is inside the grace window.
	f := newServiceFixture(t)
	f.keyStore.verifiable = []keys.SigningKey{
		{KeyID: "new", EncryptedSecret: f.seal(t, "whsec_new")},
		{KeyID: "old", EncryptedSecret: f.seal(t, "whsec_old")},
	}

	body := []byte(`{"run_id":"run-1"}`)
	ts := time.Now().Unix()
	sig := signing.SignAt(body, "whsec_old", ts, "nonce-1")

	if _, verr := f.svc.IngestSigned(context.Background(), validBatch(), body, ts, "nonce-1", sig); verr != nil {
		t.Fatalf("IngestSigned() with retired-key signature: %v", verr)
	}
}

func TestIngestSignedRejectsBadSignature(t *testing.T) {
	f := newServiceFixture(t)
	f.tgtSecrets.sealed = f.seal(t, "whsec_callback")

	body := []byte(`{"run_id":"run-1"}`)
	ts := time.Now().Unix()
	sig := signing.SignAt(body, "whsec_wrong", ts, "nonce-1")

	_, verr := f.svc.IngestSigned(context.Background(), validBatch(), body, ts, "nonce-1", sig)
	if verr == nil {
		t.Fatal("IngestSigned() accepted a bad signature")
	}
	if verr.Code != signing.CodeInvalidSignature {
		t.Errorf("IngestSigned() Code = %q, want %q", verr.Code, signing.CodeInvalidSignature)
	}
}

func TestIngestSignedNoSecretsConfigured(t *testing.T) {
	f := newServiceFixture(t)

	body := []byte(`{}`)
	ts := time.Now().Unix()
	_, verr := f.svc.IngestSigned(context.Background(), validBatch(), body, ts, "nonce-1", "sig")
	if verr == nil {
		t.Fatal("IngestSigned() accepted a callback with no candidate secrets")
	}
	if verr.Code != signing.CodeInvalidSignature {
		t.Errorf("IngestSigned() Code = %q, want %q", verr.Code, signing.CodeInvalidSignature)
	}
}

func TestIngestSignedStalePreferredOverInvalid(t *testing.T) {
	// A correctly signed but old callback reports stale_timestamp, not
	// invalid_signature; the caller's fix is different.
	f := newServiceFixture(t)
	f.tgtSecrets.sealed = f.seal(t, "whsec_callback")

	body := []byte(`{"run_id":"run-1"}`)
	ts := time.Now().Add(-time.Hour).Unix()
	sig := signing.SignAt(body, "whsec_callback", ts, "nonce-1")

	_, verr := f.svc.IngestSigned(context.Background(), validBatch(), body, ts, "nonce-1", sig)
	if verr == nil {
		t.Fatal("IngestSigned() accepted a stale callback")
	}
	if verr.Code != signing.CodeStaleTimestamp {
		t.Errorf("IngestSigned() Code = %q, want %q", verr.Code, signing.CodeStaleTimestamp)
	}
}

func TestIngestSignedRejectsReplay(t *testing.T) {
	f := newServiceFixture(t)
	f.tgtSecrets.sealed = f.seal(t, "whsec_callback")

	body := []byte(`{"run_id":"run-1"}`)
	ts := time.Now().Unix()
	sig := signing.SignAt(body, "whsec_callback", ts, "nonce-reused")

	if _, verr := f.svc.IngestSigned(context.Background(), validBatch(), body, ts, "nonce-reused", sig); verr != nil {
		t.Fatalf("IngestSigned() first delivery rejected: %v", verr)
	}
	_, verr := f.svc.IngestSigned(context.Background(), validBatch(), body, ts, "nonce-reused", sig)
	if verr == nil {
		t.Fatal("IngestSigned() accepted a replayed nonce")
	}
	if verr.Code != replay.CodeReplayDetected {
		t.Errorf("IngestSigned() Code = %q, want %q", verr.Code, replay.CodeReplayDetected)
	}
}

func TestIngestSignedRequiresEntitlement(t *testing.T) {
	f := newServiceFixture(t)
	f.entitlements.allowed = false
	f.tgtSecrets.sealed = f.seal(t, "whsec_callback")

	body := []byte(`{}`)
	ts := time.Now().Unix()
	sig := signing.SignAt(body, "whsec_callback", ts, "nonce-1")

	_, verr := f.svc.IngestSigned(context.Background(), validBatch(), body, ts, "nonce-1", sig)
	if verr == nil {
		t.Fatal("IngestSigned() accepted a workspace without the capability")
	}
	if verr.Code != CodeNoEntitlement {
		t.Errorf("IngestSigned() Code = %q, want %q", verr.Code, CodeNoEntitlement)
	}
}

func TestIngestOperatorMode(t *testing.T) {
	f := newServiceFixture(t)
	res, verr := f.svc.Ingest(context.Background(), validBatch())
	if verr != nil {
		t.Fatalf("Ingest() unexpected error: %v", verr)
	}
	if res.Inserted != 1 {
		t.Errorf("Ingest() Inserted = %d, want 1", res.Inserted)
	}
}

func TestIngestUnknownRunAndTarget(t *testing.T) {
	t.Run("unknown run", func(t *testing.T) {
		f := newServiceFixture(t)
		f.runs.exists = false
		_, verr := f.svc.Ingest(context.Background(), validBatch())
		if verr == nil || verr.Code != CodeNotFound {
			t.Errorf("Ingest() = %v, want %q", verr, CodeNotFound)
		}
	})
	t.Run("unknown target", func(t *testing.T) {
		f := newServiceFixture(t)
		f.targets.exists = false
		_, verr := f.svc.Ingest(context.Background(), validBatch())
		if verr == nil || verr.Code != CodeNotFound {
			t.Errorf("Ingest() = %v, want %q", verr, CodeNotFound)
		}
	})
}

func TestIngestTargetResolution(t *testing.T) {
	t.Run("row target conflicts with declared target", func(t *testing.T) {
		f := newServiceFixture(t)
		batch := validBatch()
		batch.TargetID = "tgt-other"
		_, verr := f.svc.Ingest(context.Background(), batch)
		if verr == nil || verr.Code != CodeTargetMismatch {
			t.Errorf("Ingest() = %v, want %q", verr, CodeTargetMismatch)
		}
	})
	t.Run("rows disagree with no declared target", func(t *testing.T) {
		f := newServiceFixture(t)
		batch := validBatch()
		second := batch.Snapshots[0]
		second.TargetID = "tgt-2"
		second.ProviderPaymentID = "pay_2"
		batch.Snapshots = append(batch.Snapshots, second)
		_, verr := f.svc.Ingest(context.Background(), batch)
		if verr == nil || verr.Code != CodeTargetAmbiguous {
			t.Errorf("Ingest() = %v, want %q", verr, CodeTargetAmbiguous)
		}
	})
	t.Run("declared target covers rows without one", func(t *testing.T) {
		f := newServiceFixture(t)
		batch := validBatch()
		batch.TargetID = "tgt-1"
		batch.Snapshots[0].TargetID = ""
		if _, verr := f.svc.Ingest(context.Background(), batch); verr != nil {
			t.Errorf("Ingest() unexpected error: %v", verr)
		}
		if f.store.targetID != "tgt-1" {
			t.Errorf("store targetID = %q, want tgt-1", f.store.targetID)
		}
	})
}

func TestIngestDeduplicatesWithinBatch(t *testing.T) {
	f := newServiceFixture(t)
	batch := validBatch()
	batch.Snapshots = append(batch.Snapshots, batch.Snapshots[0])

	res, verr := f.svc.Ingest(context.Background(), batch)
	if verr != nil {
		t.Fatalf("Ingest() unexpected error: %v", verr)
	}
	if res.Inserted != 1 {
		t.Errorf("Ingest() Inserted = %d, want 1 after in-batch dedupe", res.Inserted)
	}
	if len(f.store.rows) != 1 {
		t.Errorf("store received %d rows, want 1", len(f.store.rows))
	}
}

func TestValidateBatch(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Batch)
	}{
		{name: "missing workspace", mutate: func(b *Batch) { b.WorkspaceID = "" }},
		{name: "missing run", mutate: func(b *Batch) { b.RunID = "" }},
		{name: "empty snapshots", mutate: func(b *Batch) { b.Snapshots = nil }},
		{name: "missing provider", mutate: func(b *Batch) { b.Snapshots[0].Provider = "" }},
		{name: "missing payment id", mutate: func(b *Batch) { b.Snapshots[0].ProviderPaymentID = "" }},
		{name: "unknown state", mutate: func(b *Batch) { b.Snapshots[0].DownstreamState = "pending" }},
		{name: "zero observed_at", mutate: func(b *Batch) { b.Snapshots[0].ObservedAt = time.Time{} }},
		{name: "missing state hash", mutate: func(b *Batch) { b.Snapshots[0].StateHash = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServiceFixture(t)
			batch := validBatch()
			tt.mutate(batch)
			_, verr := f.svc.Ingest(context.Background(), batch)
			if verr == nil {
				t.Fatal("Ingest() accepted an invalid batch")
			}
			if verr.Code != CodeBadBatch {
				t.Errorf("Ingest() Code = %q, want %q", verr.Code, CodeBadBatch)
			}
		})
	}
}

func TestValidState(t *testing.T) {
	for _, s := range []string{StateActivated, StateNotActivated, StateError} {
		if !ValidState(s) {
			t.Errorf("ValidState(%q) = false, want true", s)
		}
	}
	for _, s := range []string{"", "pending", "ACTIVATED"} {
		if ValidState(s) {
			t.Errorf("ValidState(%q) = true, want false", s)
		}
	}
}
