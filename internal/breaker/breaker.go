// Package breaker tracks per-(workspace, destination host) delivery health as
// a closed / open / half-open state machine driven by consecutive HTTP 5xx
// responses.
package breaker

import (
	"net/url"
	"strings"
	"time"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

const ReasonConsecutive5xx = "consecutive_5xx"

// Breaker is the persisted circuit state for one (workspace, host) pair.
// Breakers are keyed by hostname, not full URL, so targets sharing a host
// share failure history.
type Breaker struct {
	ID             string
	WorkspaceID    string
	TargetHost     string
	State          State
	Consecutive5xx int
	FailureCount   int
	LastFailureAt  *time.Time
	ResetAt        *time.Time
	ManualResumeAt *time.Time
	OpenedReason   string
}

// Config holds the transition thresholds.
type Config struct {
	OpenThreshold int           // consecutive 5xx before opening
	ResetAfter    time.Duration // open duration before attempts resume
}

func DefaultConfig() Config {
	return Config{OpenThreshold: 5, ResetAfter: 10 * time.Minute}
}

// Allows reports whether a send to this breaker's host may start now. An open
// breaker whose reset time has passed allows one attempt through; the outcome
// of that attempt drives the next transition.
func (b *Breaker) Allows(now time.Time) bool {
	if b.State != StateOpen {
		return true
	}
	return b.ResetAt != nil && !now.Before(*b.ResetAt)
}

// Apply mutates the breaker for one observed attempt outcome and reports
// whether this transition opened the circuit.
//
// Any non-5xx HTTP response closes the circuit: the endpoint is reachable and
// responding, even if it rejects the request. Transport failures (timeout,
// DNS, refused connection) move nothing; only classified 5xx responses count
// toward the threshold.
func Apply(b *Breaker, statusCode int, transportFailed bool, now time.Time, cfg Config) (opened bool) {
	if cfg.OpenThreshold <= 0 {
		cfg.OpenThreshold = 5
	}
	if cfg.ResetAfter <= 0 {
		cfg.ResetAfter = 10 * time.Minute
	}

	if transportFailed {
		return false
	}

	if statusCode >= 500 {
		b.Consecutive5xx++
		b.FailureCount++
		t := now
		b.LastFailureAt = &t
		if b.Consecutive5xx >= cfg.OpenThreshold {
			// Refresh the window even when already open: a failed trial after
			// the reset time re-arms the gate instead of leaving a stale
			// ResetAt that Allows would wave through forever.
			opened = b.State != StateOpen
			b.State = StateOpen
			reset := now.Add(cfg.ResetAfter)
			b.ResetAt = &reset
			b.OpenedReason = ReasonConsecutive5xx
			return opened
		}
		return false
	}

	// 2xx-4xx: endpoint alive, reset.
	b.State = StateClosed
	b.Consecutive5xx = 0
	b.FailureCount = 0
	b.ResetAt = nil
	b.OpenedReason = ""
	return false
}

// Resume forces the breaker half-open, clearing the open markers so exactly
// one real attempt goes through.
func Resume(b *Breaker, now time.Time) {
	b.State = StateHalfOpen
	b.Consecutive5xx = 0
	b.ResetAt = nil
	b.OpenedReason = ""
	t := now
	b.ManualResumeAt = &t
}

// HostFromURL extracts the breaker key from a destination URL.
func HostFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.ToLower(raw)
	}
	return strings.ToLower(u.Hostname())
}
