package sender

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/lanceiq/payspool/internal/config"
	"github.com/lanceiq/payspool/internal/replay"
	"github.com/lanceiq/payspool/internal/signing"
)

type fixedSecrets struct {
	secret string
	err    error
	calls  int
}

func (f *fixedSecrets) SigningSecret(_ context.Context, _, _ string) (string, error) {
	f.calls++
	return f.secret, f.err
}

func testSigningConfig() config.Signing {
	return config.Signing{
		ToleranceSeconds: 300,
		EventHeader:      "X-Payspool-Event",
		SignatureHeader:  "X-Payspool-Signature",
		TimestampHeader:  "X-Payspool-Timestamp",
		NonceHeader:      "X-Payspool-Nonce",
	}
}

func testDeliveryConfig() config.Delivery {
	return config.Delivery{Timeout: 5 * time.Second, RedirectCap: 0}
}

func mustJSONPayload(t *testing.T, v any) []byte {
	t.Helper()
	env, err := NewJSONEnvelope(v)
	if err != nil {
		t.Fatalf("NewJSONEnvelope() unexpected error: %v", err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal() unexpected error: %v", err)
	}
	return raw
}

func TestSendSignsAndDelivers(t *testing.T) {
	const secret = "whsec_target"

	type captured struct {
		body      []byte
		headers   http.Header
		signature string
	}
	var got captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got = captured{body: body, headers: r.Header.Clone()}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"received":true}`))
	}))
	defer srv.Close()

	s := New(testDeliveryConfig(), testSigningConfig(), replay.NewMemory(), &fixedSecrets{secret: secret})
	tgt := TargetInfo{ID: "tgt-1", WorkspaceID: "ws-1", URL: srv.URL, ExtraHeaders: map[string]string{"X-Custom": "yes"}}
	res := s.Send(context.Background(), tgt, "payment.captured", mustJSONPayload(t, map[string]any{"id": "evt_1"}))

	if !res.OK {
		t.Fatalf("Send() result = %+v, want OK", res)
	}
	if res.StatusCode != 200 {
		t.Errorf("Send() StatusCode = %d, want 200", res.StatusCode)
	}

	if got.headers.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", got.headers.Get("Content-Type"))
	}
	if got.headers.Get("X-Payspool-Event") != "payment.captured" {
		t.Errorf("event header = %q, want payment.captured", got.headers.Get("X-Payspool-Event"))
	}
	if got.headers.Get("X-Custom") != "yes" {
		t.Errorf("extra header = %q, want yes", got.headers.Get("X-Custom"))
	}

	sigHeader := got.headers.Get("X-Payspool-Signature")
	if !strings.HasPrefix(sigHeader, "sha256=") {
		t.Fatalf("signature header = %q, want sha256= prefix", sigHeader)
	}
	ts, err := strconv.ParseInt(got.headers.Get("X-Payspool-Timestamp"), 10, 64)
	if err != nil {
		t.Fatalf("timestamp header not parseable: %v", err)
	}
	nonce := got.headers.Get("X-Payspool-Nonce")
	if nonce == "" {
		t.Fatal("nonce header missing")
	}

	// The receiver can verify exactly what was sent.
	verify := signing.Verify(got.body, secret, ts, nonce, strings.TrimPrefix(sigHeader, "sha256="), 300*time.Second)
	if !verify.OK {
		t.Errorf("Verify() on received request = %+v, want OK", verify)
	}

	// The response fingerprint matches the body the server wrote.
	sum := sha256.Sum256([]byte(`{"received":true}`))
	if res.ResponseHash != hex.EncodeToString(sum[:]) {
		t.Errorf("ResponseHash = %q, want the sha256 of the response body", res.ResponseHash)
	}
	if res.Signature.Nonce != nonce {
		t.Errorf("result Signature.Nonce = %q, want the wire nonce %q", res.Signature.Nonce, nonce)
	}
}

func TestSendMissingSecretFailsBeforeRequest(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
	}))
	defer srv.Close()

	tests := []struct {
		name    string
		secrets *fixedSecrets
	}{
		{name: "no secret configured", secrets: &fixedSecrets{secret: ""}},
		{name: "resolver error", secrets: &fixedSecrets{err: errors.New("key store unavailable")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(testDeliveryConfig(), testSigningConfig(), replay.NewMemory(), tt.secrets)
			res := s.Send(context.Background(), TargetInfo{ID: "tgt-1", WorkspaceID: "ws-1", URL: srv.URL},
				"payment.captured", mustJSONPayload(t, map[string]any{}))
			if res.OK {
				t.Fatal("Send() succeeded without a signing secret")
			}
			if res.ErrorCode != ErrCodeMissingSecret {
				t.Errorf("Send() ErrorCode = %q, want %q", res.ErrorCode, ErrCodeMissingSecret)
			}
		})
	}
	if requests != 0 {
		t.Errorf("server requests = %d, want 0; unsigned requests must never leave", requests)
	}
}

func TestSendClassifiesStatusCodes(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		wantOK     bool
		wantCode   string
		wantNeutrl bool
	}{
		{name: "created", status: 201, wantOK: true},
		{name: "server error", status: 503, wantOK: false, wantCode: "http_5xx"},
		{name: "rate limited", status: 429, wantOK: false, wantCode: "http_429"},
		{name: "client error", status: 410, wantOK: false, wantCode: "http_4xx"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			s := New(testDeliveryConfig(), testSigningConfig(), replay.NewMemory(), &fixedSecrets{secret: "whsec"})
			res := s.Send(context.Background(), TargetInfo{ID: "t", WorkspaceID: "w", URL: srv.URL},
				"e", mustJSONPayload(t, map[string]any{}))
			if res.OK != tt.wantOK {
				t.Errorf("Send() OK = %v, want %v", res.OK, tt.wantOK)
			}
			if res.StatusCode != tt.status {
				t.Errorf("Send() StatusCode = %d, want %d", res.StatusCode, tt.status)
			}
			if !tt.wantOK && res.ErrorCode != tt.wantCode {
				t.Errorf("Send() ErrorCode = %q, want %q", res.ErrorCode, tt.wantCode)
			}
			if res.TransportFailed() {
				t.Error("Send() TransportFailed() = true for an HTTP response")
			}
		})
	}
}

func TestSendTransportFailure(t *testing.T) {
	// A server that is already gone: connection refused.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	s := New(testDeliveryConfig(), testSigningConfig(), replay.NewMemory(), &fixedSecrets{secret: "whsec"})
	res := s.Send(context.Background(), TargetInfo{ID: "t", WorkspaceID: "w", URL: url},
		"e", mustJSONPayload(t, map[string]any{}))

	if res.OK {
		t.Fatal("Send() succeeded against a closed server")
	}
	if res.StatusCode != 0 {
		t.Errorf("Send() StatusCode = %d, want 0", res.StatusCode)
	}
	if res.ErrorCode != ErrCodeRequestFailed {
		t.Errorf("Send() ErrorCode = %q, want %q", res.ErrorCode, ErrCodeRequestFailed)
	}
	if !res.TransportFailed() {
		t.Error("Send() TransportFailed() = false, want true")
	}
}

func TestSendRedirectCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	s := New(testDeliveryConfig(), testSigningConfig(), replay.NewMemory(), &fixedSecrets{secret: "whsec"})
	res := s.Send(context.Background(), TargetInfo{ID: "t", WorkspaceID: "w", URL: srv.URL},
		"e", mustJSONPayload(t, map[string]any{}))

	if res.OK {
		t.Fatal("Send() followed a redirect past the cap")
	}
	if res.ErrorCode != ErrCodeRequestFailed {
		t.Errorf("Send() ErrorCode = %q, want %q", res.ErrorCode, ErrCodeRequestFailed)
	}
}

func TestSendBadEnvelope(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
	}))
	defer srv.Close()

	s := New(testDeliveryConfig(), testSigningConfig(), replay.NewMemory(), &fixedSecrets{secret: "whsec"})
	res := s.Send(context.Background(), TargetInfo{ID: "t", WorkspaceID: "w", URL: srv.URL},
		"e", []byte(`{"kind":"mystery"}`))

	if res.OK {
		t.Fatal("Send() accepted an unknown payload kind")
	}
	if res.ErrorCode != ErrCodeBadEnvelope {
		t.Errorf("Send() ErrorCode = %q, want %q", res.ErrorCode, ErrCodeBadEnvelope)
	}
	if requests != 0 {
		t.Errorf("server requests = %d, want 0", requests)
	}
}

func TestSendForwardsCapturedBytes(t *testing.T) {
	original := []byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}
	var received []byte
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received, _ = io.ReadAll(r.Body)
		contentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	env := NewForwardEnvelope(original, "application/octet-stream", map[string]string{"Stripe-Signature": "v1=x"})
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal() unexpected error: %v", err)
	}

	s := New(testDeliveryConfig(), testSigningConfig(), replay.NewMemory(), &fixedSecrets{secret: "whsec"})
	res := s.Send(context.Background(), TargetInfo{ID: "t", WorkspaceID: "w", URL: srv.URL}, "forward", raw)

	if !res.OK {
		t.Fatalf("Send() result = %+v, want OK", res)
	}
	if string(received) != string(original) {
		t.Errorf("forwarded body = %x, want %x", received, original)
	}
	if contentType != "application/octet-stream" {
		t.Errorf("forwarded Content-Type = %q, want application/octet-stream", contentType)
	}
}
