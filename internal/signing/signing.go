// Package signing computes and verifies HMAC-SHA256 request signatures with
// timestamp and nonce binding. Both the outbound delivery sender and the
// inbound snapshot callback verifier use the same canonical string:
//
//	<unix_ts>.<nonce>.<hex(sha256(body))>
package signing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Verification result codes.
const (
	CodeOK               = "ok"
	CodeStaleTimestamp   = "stale_timestamp"
	CodeInvalidSignature = "invalid_signature"
)

// Signature is the material attached to one signed request.
type Signature struct {
	Timestamp int64  // unix seconds
	Nonce     string // random hex, fresh per request
	Value     string // hex HMAC-SHA256 over the canonical string
}

// Result is the typed outcome of Verify. Never panics, never errors: callers
// branch on Code.
type Result struct {
	OK   bool
	Code string
}

// NewNonce returns a fresh 128-bit random nonce in hex.
func NewNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Sign produces a fresh signature for body under secret at the current time.
func Sign(body []byte, secret string) (Signature, error) {
	nonce, err := NewNonce()
	if err != nil {
		return Signature{}, err
	}
	ts := time.Now().Unix()
	return Signature{
		Timestamp: ts,
		Nonce:     nonce,
		Value:     compute(body, secret, ts, nonce),
	}, nil
}

// SignAt is Sign with caller-supplied timestamp and nonce. Used by tests and
// by the fake receiver to reproduce expected values.
func SignAt(body []byte, secret string, timestampSec int64, nonce string) string {
	return compute(body, secret, timestampSec, nonce)
}

// Verify recomputes the expected signature and compares in constant time.
// Rejects with stale_timestamp when |now - timestampSec| exceeds tolerance,
// holding signature correctness aside.
func Verify(body []byte, secret string, timestampSec int64, nonce, signature string, tolerance time.Duration) Result {
	return verifyAt(time.Now().Unix(), body, secret, timestampSec, nonce, signature, tolerance)
}

func verifyAt(nowSec int64, body []byte, secret string, timestampSec int64, nonce, signature string, tolerance time.Duration) Result {
	skew := nowSec - timestampSec
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(tolerance.Seconds()) {
		return Result{OK: false, Code: CodeStaleTimestamp}
	}
	want := compute(body, secret, timestampSec, nonce)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return Result{OK: false, Code: CodeInvalidSignature}
	}
	return Result{OK: true, Code: CodeOK}
}

// HeaderValue formats a signature for the signature header.
func HeaderValue(sig string) string {
	return "sha256=" + sig
}

func compute(body []byte, secret string, timestampSec int64, nonce string) string {
	bodyHash := sha256.Sum256(body)
	canonical := fmt.Sprintf("%d.%s.%s", timestampSec, nonce, hex.EncodeToString(bodyHash[:]))
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}
