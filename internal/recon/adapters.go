package recon

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// httpDoer lets tests substitute the transport. Timeouts come from the
// engine's per-pull context, not the client.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

func classifyPullError(err error) (string, string) {
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return PullErrTimeout, err.Error()
	}
	return PullErrHTTP, err.Error()
}

// StripeAdapter lists recent events from the Stripe API. Credentials are the
// workspace's restricted secret key.
type StripeAdapter struct {
	BaseURL string
	Client  httpDoer
}

func NewStripeAdapter(client *http.Client) *StripeAdapter {
	return &StripeAdapter{BaseURL: "https://api.stripe.com", Client: client}
}

func (a *StripeAdapter) Provider() Provider { return ProviderStripe }

func (a *StripeAdapter) Pull(ctx context.Context, credentials string, limit int) PullResult {
	url := fmt.Sprintf("%s/v1/events?limit=%d", a.BaseURL, limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return PullResult{ErrorCode: PullErrHTTP, ErrorMessage: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+credentials)

	resp, err := a.Client.Do(req)
	if err != nil {
		code, msg := classifyPullError(err)
		return PullResult{ErrorCode: code, ErrorMessage: msg}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return PullResult{ErrorCode: PullErrHTTP, ErrorMessage: fmt.Sprintf("stripe returned %d", resp.StatusCode)}
	}

	var body struct {
		Data []struct {
			ID   string `json:"id"`
			Type string `json:"type"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return PullResult{ErrorCode: PullErrBadJSON, ErrorMessage: err.Error()}
	}

	objects := make([]ProviderObject, 0, len(body.Data))
	for _, ev := range body.Data {
		objects = append(objects, ProviderObject{
			ExternalID: ev.ID,
			ObjectType: "event",
			Summary:    ev.Type,
		})
	}
	return PullResult{OK: true, Objects: objects}
}

// RazorpayAdapter lists recent payments. Credentials are "key_id:key_secret"
// for HTTP basic auth.
type RazorpayAdapter struct {
	BaseURL string
	Client  httpDoer
}

func NewRazorpayAdapter(client *http.Client) *RazorpayAdapter {
	return &RazorpayAdapter{BaseURL: "https://api.razorpay.com", Client: client}
}

func (a *RazorpayAdapter) Provider() Provider { return ProviderRazorpay }

func (a *RazorpayAdapter) Pull(ctx context.Context, credentials string, limit int) PullResult {
	url := fmt.Sprintf("%s/v1/payments?count=%d", a.BaseURL, limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return PullResult{ErrorCode: PullErrHTTP, ErrorMessage: err.Error()}
	}
	req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(credentials)))

	resp, err := a.Client.Do(req)
	if err != nil {
		code, msg := classifyPullError(err)
		return PullResult{ErrorCode: code, ErrorMessage: msg}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return PullResult{ErrorCode: PullErrHTTP, ErrorMessage: fmt.Sprintf("razorpay returned %d", resp.StatusCode)}
	}

	var body struct {
		Items []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return PullResult{ErrorCode: PullErrBadJSON, ErrorMessage: err.Error()}
	}

	objects := make([]ProviderObject, 0, len(body.Items))
	for _, p := range body.Items {
		objects = append(objects, ProviderObject{
			ExternalID: p.ID,
			ObjectType: "payment",
			Summary:    p.Status,
		})
	}
	return PullResult{OK: true, Objects: objects}
}

// LemonSqueezyAdapter lists recent orders. Credentials are the API key.
type LemonSqueezyAdapter struct {
	BaseURL string
	Client  httpDoer
}

func NewLemonSqueezyAdapter(client *http.Client) *LemonSqueezyAdapter {
	return &LemonSqueezyAdapter{BaseURL: "https://api.lemonsqueezy.com", Client: client}
}

func (a *LemonSqueezyAdapter) Provider() Provider { return ProviderLemonSqueezy }

func (a *LemonSqueezyAdapter) Pull(ctx context.Context, credentials string, limit int) PullResult {
	url := fmt.Sprintf("%s/v1/orders?page[size]=%d", a.BaseURL, limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return PullResult{ErrorCode: PullErrHTTP, ErrorMessage: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+credentials)
	req.Header.Set("Accept", "application/vnd.api+json")

	resp, err := a.Client.Do(req)
	if err != nil {
		code, msg := classifyPullError(err)
		return PullResult{ErrorCode: code, ErrorMessage: msg}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return PullResult{ErrorCode: PullErrHTTP, ErrorMessage: fmt.Sprintf("lemonsqueezy returned %d", resp.StatusCode)}
	}

	var body struct {
		Data []struct {
			ID         string `json:"id"`
			Type       string `json:"type"`
			Attributes struct {
				Identifier string `json:"identifier"`
				Status     string `json:"status"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return PullResult{ErrorCode: PullErrBadJSON, ErrorMessage: err.Error()}
	}

	objects := make([]ProviderObject, 0, len(body.Data))
	for _, o := range body.Data {
		id := o.Attributes.Identifier
		if id == "" {
			id = o.ID
		}
		objects = append(objects, ProviderObject{
			ExternalID: id,
			ObjectType: o.Type,
			Summary:    o.Attributes.Status,
		})
	}
	return PullResult{OK: true, Objects: objects}
}
