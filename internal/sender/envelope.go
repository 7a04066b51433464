// Package sender builds, signs, and performs the guarded outbound HTTP
// delivery for one job, classifying the result for the spool.
package sender

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Payload kinds. A delivery job payload is a tagged union, discriminated by
// an explicit kind field rather than shape-sniffing.
const (
	KindForwardV1 = "forward_v1"
	KindJSON      = "json"
)

// forwardedHeaderAllowlist names the captured source headers that survive
// forwarding. Downstream consumers re-verifying a provider's own signature
// need the original signature headers alongside the byte-identical body.
var forwardedHeaderAllowlist = map[string]bool{
	"user-agent":           true,
	"x-request-id":         true,
	"stripe-signature":     true,
	"x-razorpay-signature": true,
	"x-signature":          true,
	"x-event-name":         true,
}

// Envelope is the delivery job payload. forward_v1 carries the captured
// original inbound bytes, content type, and headers; json carries an
// arbitrary JSON value re-serialized on send.
type Envelope struct {
	Kind string `json:"kind"`

	// forward_v1
	BodyB64     string            `json:"body_b64,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`

	// json
	Value json.RawMessage `json:"value,omitempty"`
}

// NewForwardEnvelope captures raw inbound bytes for byte-identical
// forwarding. Base64 keeps binary-safe content intact through JSON storage.
func NewForwardEnvelope(body []byte, contentType string, headers map[string]string) Envelope {
	return Envelope{
		Kind:        KindForwardV1,
		BodyB64:     base64.StdEncoding.EncodeToString(body),
		ContentType: contentType,
		Headers:     headers,
	}
}

// NewJSONEnvelope wraps an arbitrary value as a plain JSON payload.
func NewJSONEnvelope(v any) (Envelope, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode json payload: %w", err)
	}
	return Envelope{Kind: KindJSON, Value: raw}, nil
}

// DecodeEnvelope parses a stored job payload. Unknown kinds are a
// data-integrity failure, not something to retry around.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode payload envelope: %w", err)
	}
	switch e.Kind {
	case KindForwardV1, KindJSON:
		return e, nil
	default:
		return Envelope{}, fmt.Errorf("unknown payload kind %q", e.Kind)
	}
}

// Outbound resolves the envelope to the bytes, content type, and forwarded
// headers for the wire. forward_v1 yields the original bytes and the
// allowlisted subset of captured headers; json yields the serialized value
// as application/json.
func (e Envelope) Outbound() (body []byte, contentType string, headers map[string]string, err error) {
	switch e.Kind {
	case KindForwardV1:
		body, err = base64.StdEncoding.DecodeString(e.BodyB64)
		if err != nil {
			return nil, "", nil, fmt.Errorf("decode forwarded body: %w", err)
		}
		contentType = e.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		headers = make(map[string]string)
		for k, v := range e.Headers {
			if forwardedHeaderAllowlist[strings.ToLower(k)] {
				headers[k] = v
			}
		}
		return body, contentType, headers, nil
	case KindJSON:
		return e.Value, "application/json", nil, nil
	default:
		return nil, "", nil, fmt.Errorf("unknown payload kind %q", e.Kind)
	}
}
