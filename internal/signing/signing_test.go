package signing

import (
	"strings"
	"testing"
	"time"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	body := []byte(`{"type":"payment.captured","id":"evt_123"}`)
	secret := "whsec_test_secret"

	sig, err := Sign(body, secret)
	if err != nil {
		t.Fatalf("Sign() unexpected error: %v", err)
	}
	if len(sig.Value) != 64 {
		t.Errorf("Sign() Value length = %d, want 64 hex chars", len(sig.Value))
	}
	if len(sig.Nonce) != 32 {
		t.Errorf("Sign() Nonce length = %d, want 32 hex chars", len(sig.Nonce))
	}

	res := Verify(body, secret, sig.Timestamp, sig.Nonce, sig.Value, 300*time.Second)
	if !res.OK {
		t.Errorf("Verify() = %+v, want OK", res)
	}
	if res.Code != CodeOK {
		t.Errorf("Verify() Code = %q, want %q", res.Code, CodeOK)
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	body := []byte(`{"amount":100}`)
	secret := "whsec_original"
	sig, err := Sign(body, secret)
	if err != nil {
		t.Fatalf("Sign() unexpected error: %v", err)
	}

	tests := []struct {
		name      string
		body      []byte
		secret    string
		nonce     string
		signature string
	}{
		{
			name:      "modified body",
			body:      []byte(`{"amount":10000}`),
			secret:    secret,
			nonce:     sig.Nonce,
			signature: sig.Value,
		},
		{
			name:      "wrong secret",
			body:      body,
			secret:    "whsec_other",
			nonce:     sig.Nonce,
			signature: sig.Value,
		},
		{
			name:      "modified nonce",
			body:      body,
			secret:    secret,
			nonce:     "00000000000000000000000000000000",
			signature: sig.Value,
		},
		{
			name:      "garbage signature",
			body:      body,
			secret:    secret,
			nonce:     sig.Nonce,
			signature: "deadbeef",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Verify(tt.body, tt.secret, sig.Timestamp, tt.nonce, tt.signature, 300*time.Second)
			if res.OK {
				t.Errorf("Verify() accepted a tampered request")
			}
			if res.Code != CodeInvalidSignature {
				t.Errorf("Verify() Code = %q, want %q", res.Code, CodeInvalidSignature)
			}
		})
	}
}

func TestVerifyTimestampTolerance(t *testing.T) {
	body := []byte(`{"ok":true}`)
	secret := "whsec_tolerance"
	nonce := "0123456789abcdef0123456789abcdef"
	tolerance := 300 * time.Second

	tests := []struct {
		name     string
		skew     time.Duration // applied to now; negative means past
		wantOK   bool
		wantCode string
	}{
		{
			name:     "current timestamp accepted",
			skew:     0,
			wantOK:   true,
			wantCode: CodeOK,
		},
		{
			name:     "past timestamp inside tolerance",
			skew:     -290 * time.Second,
			wantOK:   true,
			wantCode: CodeOK,
		},
		{
			name:     "future timestamp inside tolerance",
			skew:     290 * time.Second,
			wantOK:   true,
			wantCode: CodeOK,
		},
		{
			name:     "past timestamp beyond tolerance",
			skew:     -600 * time.Second,
			wantOK:   false,
			wantCode: CodeStaleTimestamp,
		},
		{
			name:     "future timestamp beyond tolerance",
			skew:     600 * time.Second,
			wantOK:   false,
			wantCode: CodeStaleTimestamp,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := time.Now().Add(tt.skew).Unix()
			sig := SignAt(body, secret, ts, nonce)
			res := Verify(body, secret, ts, nonce, sig, tolerance)
			if res.OK != tt.wantOK {
				t.Errorf("Verify() OK = %v, want %v", res.OK, tt.wantOK)
			}
			if res.Code != tt.wantCode {
				t.Errorf("Verify() Code = %q, want %q", res.Code, tt.wantCode)
			}
		})
	}
}

func TestVerifyTimestampToleranceBoundary(t *testing.T) {
	body := []byte(`{"ok":true}`)
	secret := "whsec_tolerance"
	nonce := "0123456789abcdef0123456789abcdef"
	tolerance := 300 * time.Second
	now := time.Now().Unix()

	tests := []struct {
		name     string
		skewSec  int64
		wantOK   bool
		wantCode string
	}{
		{name: "past timestamp exactly at tolerance", skewSec: -300, wantOK: true, wantCode: CodeOK},
		{name: "future timestamp exactly at tolerance", skewSec: 300, wantOK: true, wantCode: CodeOK},
		{name: "past timestamp one second beyond", skewSec: -301, wantOK: false, wantCode: CodeStaleTimestamp},
		{name: "future timestamp one second beyond", skewSec: 301, wantOK: false, wantCode: CodeStaleTimestamp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := now + tt.skewSec
			sig := SignAt(body, secret, ts, nonce)
			res := verifyAt(now, body, secret, ts, nonce, sig, tolerance)
			if res.OK != tt.wantOK {
				t.Errorf("verifyAt() OK = %v, want %v", res.OK, tt.wantOK)
			}
			if res.Code != tt.wantCode {
				t.Errorf("verifyAt() Code = %q, want %q", res.Code, tt.wantCode)
			}
		})
	}
}

func TestVerifyStaleWinsOverBadSignature(t *testing.T) {
	// A request outside the window is rejected as stale before the signature
	// is even compared.
	body := []byte(`{}`)
	ts := time.Now().Add(-time.Hour).Unix()
	res := Verify(body, "secret", ts, "nonce", "not-a-signature", 300*time.Second)
	if res.OK {
		t.Fatal("Verify() accepted a stale request")
	}
	if res.Code != CodeStaleTimestamp {
		t.Errorf("Verify() Code = %q, want %q", res.Code, CodeStaleTimestamp)
	}
}

func TestSignAtDeterministic(t *testing.T) {
	body := []byte(`{"a":1}`)
	a := SignAt(body, "secret", 1700000000, "aabbccdd")
	b := SignAt(body, "secret", 1700000000, "aabbccdd")
	if a != b {
		t.Errorf("SignAt() not deterministic: %q vs %q", a, b)
	}
	c := SignAt(body, "secret", 1700000001, "aabbccdd")
	if a == c {
		t.Error("SignAt() timestamp not bound into the signature")
	}
	d := SignAt(body, "secret", 1700000000, "eeff0011")
	if a == d {
		t.Error("SignAt() nonce not bound into the signature")
	}
}

func TestNewNonce(t *testing.T) {
	a, err := NewNonce()
	if err != nil {
		t.Fatalf("NewNonce() unexpected error: %v", err)
	}
	b, err := NewNonce()
	if err != nil {
		t.Fatalf("NewNonce() unexpected error: %v", err)
	}
	if len(a) != 32 {
		t.Errorf("NewNonce() length = %d, want 32", len(a))
	}
	if a == b {
		t.Error("NewNonce() returned the same nonce twice")
	}
}

func TestHeaderValue(t *testing.T) {
	got := HeaderValue("abc123")
	if got != "sha256=abc123" {
		t.Errorf("HeaderValue() = %q, want %q", got, "sha256=abc123")
	}
	if !strings.HasPrefix(got, "sha256=") {
		t.Errorf("HeaderValue() missing scheme prefix: %q", got)
	}
}
