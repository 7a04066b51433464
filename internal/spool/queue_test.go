package spool

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

type recordingNudger struct {
	nudges []Nudge
	err    error
}

func (n *recordingNudger) Nudge(x Nudge) error {
	n.nudges = append(n.nudges, x)
	return n.err
}

func newTestQueue(nudger Nudger) (*Queue, *MemoryJobStore, *MemoryEntryStore) {
	jobs := NewMemoryJobStore()
	entries := NewMemoryEntryStore(jobs)
	return NewQueue(jobs, entries, nudger), jobs, entries
}

func TestEnqueueCreatesJobAndEntry(t *testing.T) {
	q, jobs, entries := newTestQueue(nil)
	ctx := context.Background()
	before := time.Now().UTC()

	job, enqueued, err := q.Enqueue(ctx, EnqueueParams{
		WorkspaceID:   "ws-1",
		TargetID:      "tgt-1",
		EventType:     "payment.captured",
		Payload:       json.RawMessage(`{"kind":"json","value":{"x":1}}`),
		TriggerSource: TriggerIngest,
		CreatedBy:     "api",
	})
	if err != nil {
		t.Fatalf("Enqueue() unexpected error: %v", err)
	}
	if !enqueued {
		t.Error("Enqueue() enqueued = false, want true")
	}
	if job.ID == "" {
		t.Fatal("Enqueue() job has no ID")
	}
	if job.Status != StatusPending {
		t.Errorf("Enqueue() Status = %q, want %q", job.Status, StatusPending)
	}
	if job.TriggerSource != TriggerIngest {
		t.Errorf("Enqueue() TriggerSource = %q, want %q", job.TriggerSource, TriggerIngest)
	}

	stored, err := jobs.Get(ctx, "ws-1", job.ID)
	if err != nil {
		t.Fatalf("Get() job not persisted: %v", err)
	}
	if stored.EventType != "payment.captured" {
		t.Errorf("Get() EventType = %q, want %q", stored.EventType, "payment.captured")
	}

	if entries.Len() != 1 {
		t.Fatalf("Enqueue() spool entries = %d, want 1", entries.Len())
	}
	due, err := entries.Due(ctx, "ws-1", time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("Due() unexpected error: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("Due() = %d entries, want 1", len(due))
	}
	if due[0].JobID != job.ID {
		t.Errorf("Due() entry JobID = %q, want %q", due[0].JobID, job.ID)
	}
	if due[0].AttemptCount != 0 {
		t.Errorf("Due() entry AttemptCount = %d, want 0", due[0].AttemptCount)
	}
	if due[0].ProcessAfter.Before(before.Add(-time.Second)) {
		t.Errorf("Due() entry ProcessAfter = %v, suspiciously early", due[0].ProcessAfter)
	}
}

func TestEnqueueIdempotencyKeyCollision(t *testing.T) {
	q, _, entries := newTestQueue(nil)
	ctx := context.Background()
	params := EnqueueParams{
		WorkspaceID:    "ws-1",
		TargetID:       "tgt-1",
		EventType:      "payment.captured",
		Payload:        json.RawMessage(`{"kind":"json","value":1}`),
		TriggerSource:  TriggerIngest,
		IdempotencyKey: "order-555",
	}

	first, enqueued, err := q.Enqueue(ctx, params)
	if err != nil {
		t.Fatalf("Enqueue() first unexpected error: %v", err)
	}
	if !enqueued {
		t.Fatal("Enqueue() first enqueued = false, want true")
	}

	second, enqueued, err := q.Enqueue(ctx, params)
	if err != nil {
		t.Fatalf("Enqueue() duplicate unexpected error: %v", err)
	}
	if enqueued {
		t.Error("Enqueue() duplicate enqueued = true, want false")
	}
	if second.ID != first.ID {
		t.Errorf("Enqueue() duplicate job ID = %q, want the original %q", second.ID, first.ID)
	}
	if entries.Len() != 1 {
		t.Errorf("Enqueue() duplicate created a spool entry, entries = %d, want 1", entries.Len())
	}
}

func TestEnqueueSameKeyDifferentWorkspaces(t *testing.T) {
	q, _, entries := newTestQueue(nil)
	ctx := context.Background()

	a, _, err := q.Enqueue(ctx, EnqueueParams{
		WorkspaceID: "ws-1", TargetID: "tgt-1", EventType: "e",
		Payload: json.RawMessage(`{"kind":"json","value":1}`), IdempotencyKey: "k-1",
	})
	if err != nil {
		t.Fatalf("Enqueue() ws-1 unexpected error: %v", err)
	}
	b, _, err := q.Enqueue(ctx, EnqueueParams{
		WorkspaceID: "ws-2", TargetID: "tgt-2", EventType: "e",
		Payload: json.RawMessage(`{"kind":"json","value":1}`), IdempotencyKey: "k-1",
	})
	if err != nil {
		t.Fatalf("Enqueue() ws-2 unexpected error: %v", err)
	}
	if a.ID == b.ID {
		t.Error("Enqueue() idempotency key collided across workspaces")
	}
	if entries.Len() != 2 {
		t.Errorf("Enqueue() entries = %d, want 2", entries.Len())
	}
}

func TestEnqueueNudges(t *testing.T) {
	nudger := &recordingNudger{}
	q, _, _ := newTestQueue(nudger)

	job, _, err := q.Enqueue(context.Background(), EnqueueParams{
		WorkspaceID: "ws-1", TargetID: "tgt-1", EventType: "e",
		Payload: json.RawMessage(`{"kind":"json","value":1}`),
	})
	if err != nil {
		t.Fatalf("Enqueue() unexpected error: %v", err)
	}
	if len(nudger.nudges) != 1 {
		t.Fatalf("Enqueue() nudges = %d, want 1", len(nudger.nudges))
	}
	n := nudger.nudges[0]
	if n.WorkspaceID != "ws-1" {
		t.Errorf("Nudge WorkspaceID = %q, want %q", n.WorkspaceID, "ws-1")
	}
	if n.JobID != job.ID {
		t.Errorf("Nudge JobID = %q, want %q", n.JobID, job.ID)
	}
	if _, err := time.Parse(time.RFC3339, n.At); err != nil {
		t.Errorf("Nudge At = %q, not RFC3339: %v", n.At, err)
	}
}

func TestEnqueueNudgeFailureIsBestEffort(t *testing.T) {
	nudger := &recordingNudger{err: errors.New("nsqd unreachable")}
	q, _, entries := newTestQueue(nudger)

	_, enqueued, err := q.Enqueue(context.Background(), EnqueueParams{
		WorkspaceID: "ws-1", TargetID: "tgt-1", EventType: "e",
		Payload: json.RawMessage(`{"kind":"json","value":1}`),
	})
	if err != nil {
		t.Fatalf("Enqueue() surfaced a nudge failure: %v", err)
	}
	if !enqueued {
		t.Error("Enqueue() enqueued = false, want true")
	}
	if entries.Len() != 1 {
		t.Errorf("Enqueue() entries = %d, want 1", entries.Len())
	}
}

func TestReplayCopiesJob(t *testing.T) {
	q, jobs, entries := newTestQueue(nil)
	ctx := context.Background()

	src, _, err := q.Enqueue(ctx, EnqueueParams{
		WorkspaceID:     "ws-1",
		TargetID:        "tgt-1",
		EventType:       "payment.captured",
		Payload:         json.RawMessage(`{"kind":"json","value":{"amount":50}}`),
		TriggerSource:   TriggerIngest,
		IngestedEventID: "evt-9",
		Priority:        2,
	})
	if err != nil {
		t.Fatalf("Enqueue() unexpected error: %v", err)
	}

	replayed, err := q.Replay(ctx, "ws-1", src.ID, "operator")
	if err != nil {
		t.Fatalf("Replay() unexpected error: %v", err)
	}
	if replayed.ID == src.ID {
		t.Error("Replay() reused the source job ID")
	}
	if replayed.TriggerSource != TriggerReplay {
		t.Errorf("Replay() TriggerSource = %q, want %q", replayed.TriggerSource, TriggerReplay)
	}
	if replayed.TargetID != src.TargetID {
		t.Errorf("Replay() TargetID = %q, want %q", replayed.TargetID, src.TargetID)
	}
	if string(replayed.Payload) != string(src.Payload) {
		t.Errorf("Replay() Payload = %s, want %s", replayed.Payload, src.Payload)
	}
	if replayed.IngestedEventID != "evt-9" {
		t.Errorf("Replay() IngestedEventID = %q, want %q", replayed.IngestedEventID, "evt-9")
	}
	if replayed.CreatedBy != "operator" {
		t.Errorf("Replay() CreatedBy = %q, want %q", replayed.CreatedBy, "operator")
	}

	if _, err := jobs.Get(ctx, "ws-1", replayed.ID); err != nil {
		t.Errorf("Get() replayed job not persisted: %v", err)
	}
	if entries.Len() != 2 {
		t.Errorf("Replay() entries = %d, want 2", entries.Len())
	}
}

func TestReplayUnknownJob(t *testing.T) {
	q, _, _ := newTestQueue(nil)
	_, err := q.Replay(context.Background(), "ws-1", "no-such-job", "operator")
	if err == nil {
		t.Fatal("Replay() expected an error for an unknown job")
	}
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Replay() error = %v, want ErrNotFound", err)
	}
}
