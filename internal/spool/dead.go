package spool

import "time"

const DeadType = "spool.dead"

// DeadLetter is the advisory envelope published when a job exhausts its
// attempts. Postgres remains the source of truth; this is for monitoring
// consumers on the dead topic.
type DeadLetter struct {
	Type        string `json:"type"`    // "spool.dead"
	Version     string `json:"version"` // schema version
	At          string `json:"at"`      // RFC3339 time the job dead-lettered
	Reason      string `json:"reason"`
	Attempt     int    `json:"attempt"`
	HTTPStatus  int    `json:"http_status,omitempty"`
	LastError   string `json:"last_error,omitempty"`
	JobID       string `json:"job_id"`
	WorkspaceID string `json:"workspace_id"`
	TargetID    string `json:"target_id"`
	EventType   string `json:"event_type"`
}

func NewDeadLetter(job *DeliveryJob, attempt, httpStatus int, lastErr, reason string) DeadLetter {
	return DeadLetter{
		Type:        DeadType,
		Version:     "v1",
		At:          time.Now().UTC().Format(time.RFC3339Nano),
		Reason:      reason,
		Attempt:     attempt,
		HTTPStatus:  httpStatus,
		LastError:   lastErr,
		JobID:       job.ID,
		WorkspaceID: job.WorkspaceID,
		TargetID:    job.TargetID,
		EventType:   job.EventType,
	}
}

// Nudge asks workers to run a spool pass promptly instead of waiting for the
// next tick. Purely a latency hint; the database lease decides who works.
type Nudge struct {
	WorkspaceID  string            `json:"workspace_id"`
	JobID        string            `json:"job_id"`
	At           string            `json:"at"` // RFC3339
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}
