package sender

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/lanceiq/payspool/internal/breaker"
	"github.com/lanceiq/payspool/internal/config"
	"github.com/lanceiq/payspool/internal/logging"
	"github.com/lanceiq/payspool/internal/replay"
	"github.com/lanceiq/payspool/internal/signing"
	"github.com/lanceiq/payspool/internal/tracing"

	"go.opentelemetry.io/otel/attribute"
)

// Send error codes. Network-level failures never propagate as errors; they
// come back classified in the result.
const (
	ErrCodeMissingSecret = "missing_signing_secret"
	ErrCodeBadEnvelope   = "invalid_payload_envelope"
	ErrCodeRequestFailed = "delivery_request_failed"
)

// TargetInfo is the slice of a delivery target the sender needs.
type TargetInfo struct {
	ID           string
	WorkspaceID  string
	URL          string
	ExtraHeaders map[string]string
}

// Result classifies one outbound send.
type Result struct {
	OK           bool
	StatusCode   int // 0 when the request never completed
	ResponseHash string
	DurationMs   int64
	Signature    signing.Signature
	ErrorCode    string
	ErrorMessage string
}

// TransportFailed reports whether the request failed below HTTP (timeout,
// DNS, refused connection). These do not count toward the breaker threshold.
func (r Result) TransportFailed() bool {
	return !r.OK && r.StatusCode == 0 && r.ErrorCode == ErrCodeRequestFailed
}

// SecretResolver resolves the outbound signing secret for a target.
type SecretResolver interface {
	SigningSecret(ctx context.Context, workspaceID, targetID string) (string, error)
}

// Sender performs the guarded fetch: sign, register the nonce, POST with a
// timeout and a redirect cap, hash the response.
type Sender struct {
	client  *http.Client
	sig     config.Signing
	nonces  replay.Store
	secrets SecretResolver
	log     *logging.Logger
}

func New(cfg config.Delivery, sig config.Signing, nonces replay.Store, secrets SecretResolver) *Sender {
	redirectCap := cfg.RedirectCap
	client := &http.Client{
		Timeout: cfg.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > redirectCap {
				return fmt.Errorf("stopped after %d redirects", redirectCap)
			}
			return nil
		},
	}
	return &Sender{
		client:  client,
		sig:     sig,
		nonces:  nonces,
		secrets: secrets,
		log:     logging.New("payspool-sender"),
	}
}

// Send delivers one payload to a target. The raw payload is the stored
// envelope JSON; forwarding envelopes go out byte-identical to what was
// captured at ingestion.
func (s *Sender) Send(ctx context.Context, tgt TargetInfo, eventType string, rawPayload []byte) Result {
	ctx, span := tracing.StartSpan(ctx, "sender.send",
		attribute.String("workspace_id", tgt.WorkspaceID),
		attribute.String("target_id", tgt.ID),
		attribute.String("event_type", eventType),
	)
	defer span.End()

	env, err := DecodeEnvelope(rawPayload)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Result{ErrorCode: ErrCodeBadEnvelope, ErrorMessage: err.Error()}
	}
	body, contentType, fwdHeaders, err := env.Outbound()
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Result{ErrorCode: ErrCodeBadEnvelope, ErrorMessage: err.Error()}
	}

	secret, err := s.secrets.SigningSecret(ctx, tgt.WorkspaceID, tgt.ID)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Result{ErrorCode: ErrCodeMissingSecret, ErrorMessage: err.Error()}
	}
	if secret == "" {
		// Never send unsigned.
		return Result{ErrorCode: ErrCodeMissingSecret, ErrorMessage: "no active signing key and no target secret"}
	}

	sig, err := signing.Sign(body, secret)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Result{ErrorCode: ErrCodeMissingSecret, ErrorMessage: err.Error()}
	}

	// Record the nonce before sending so a replayed retry of the same signed
	// envelope is detectable on either side of the wire.
	if reg := s.nonces.Register(ctx, tgt.WorkspaceID, tgt.ID, sig.Nonce, sig.Timestamp); !reg.OK {
		return Result{ErrorCode: reg.Code, ErrorMessage: "outbound nonce registration failed"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tgt.URL, bytes.NewReader(body))
	if err != nil {
		return Result{ErrorCode: ErrCodeRequestFailed, ErrorMessage: err.Error()}
	}
	for k, v := range tgt.ExtraHeaders {
		req.Header.Set(k, v)
	}
	for k, v := range fwdHeaders {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(s.sig.EventHeader, eventType)
	req.Header.Set(s.sig.SignatureHeader, signing.HeaderValue(sig.Value))
	req.Header.Set(s.sig.TimestampHeader, strconv.FormatInt(sig.Timestamp, 10))
	req.Header.Set(s.sig.NonceHeader, sig.Nonce)
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}

	start := time.Now()
	resp, doErr := s.client.Do(req)
	latency := time.Since(start)

	if doErr != nil {
		span.SetAttributes(attribute.String("http.error", doErr.Error()))
		return Result{
			StatusCode:   0,
			DurationMs:   latency.Milliseconds(),
			Signature:    sig,
			ErrorCode:    ErrCodeRequestFailed,
			ErrorMessage: doErr.Error(),
		}
	}
	defer resp.Body.Close()

	// Hash the response instead of storing it; a fingerprint is enough for
	// audit and bounds storage of arbitrary remote bodies.
	h := sha256.New()
	_, _ = io.Copy(h, io.LimitReader(resp.Body, 1<<20))
	respHash := hex.EncodeToString(h.Sum(nil))

	span.SetAttributes(
		attribute.Int("http.status_code", resp.StatusCode),
		attribute.Int64("http.latency_ms", latency.Milliseconds()),
	)

	res := Result{
		OK:           resp.StatusCode >= 200 && resp.StatusCode < 300,
		StatusCode:   resp.StatusCode,
		ResponseHash: respHash,
		DurationMs:   latency.Milliseconds(),
		Signature:    sig,
	}
	if !res.OK {
		res.ErrorCode = classifyStatus(resp.StatusCode)
		res.ErrorMessage = fmt.Sprintf("destination returned %d", resp.StatusCode)
	}
	return res
}

// Host returns the breaker key for this sender's target.
func (t TargetInfo) Host() string {
	return breaker.HostFromURL(t.URL)
}

func classifyStatus(status int) string {
	switch {
	case status >= 500:
		return "http_5xx"
	case status == 429:
		return "http_429"
	case status >= 400:
		return "http_4xx"
	default:
		return "http_other"
	}
}
