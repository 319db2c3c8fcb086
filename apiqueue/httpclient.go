package apiqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxProviderResponseSize caps provider response bodies.
const maxProviderResponseSize = 16 * 1024 * 1024 // 16MB

// TokenSource supplies the current opaque credential for outbound calls.
// HTTPClient re-reads it on every request so a Refresh is picked up
// immediately.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// HTTPClient is a generic JSON-RPC-style ProviderClient: it POSTs
// {method, params} to <baseURL>/<method-path> and decodes the JSON response.
type HTTPClient struct {
	name       string
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
}

// HTTPClientOption configures an HTTPClient.
type HTTPClientOption func(*HTTPClient)

// WithHTTPClient sets a custom underlying HTTP client.
func WithHTTPClient(c *http.Client) HTTPClientOption {
	return func(h *HTTPClient) {
		h.httpClient = c
	}
}

// WithTokenSource sets the credential source for Authorization headers.
func WithTokenSource(ts TokenSource) HTTPClientOption {
	return func(h *HTTPClient) {
		h.tokens = ts
	}
}

// NewHTTPClient creates a provider client posting to baseURL.
func NewHTTPClient(name, baseURL string, opts ...HTTPClientOption) *HTTPClient {
	h := &HTTPClient{
		name:    name,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Name returns the provider identifier.
func (h *HTTPClient) Name() string { return h.name }

// Do translates (method, params) into one outbound request. Methods use
// dotted names ("widgets.list") mapped to URL paths ("/widgets/list").
func (h *HTTPClient) Do(ctx context.Context, method string, params map[string]any, idempotencyHint string) (*Response, error) {
	body, err := json.Marshal(map[string]any{
		"method": method,
		"params": params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := h.baseURL + "/" + strings.ReplaceAll(method, ".", "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyHint != "" {
		req.Header.Set("Idempotency-Key", idempotencyHint)
	}

	if h.tokens != nil {
		token, err := h.tokens.Token(ctx)
		if err != nil {
			return nil, &APIError{StatusCode: 401, Message: fmt.Sprintf("credential unavailable: %v", err)}
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		// Transport errors carry no status and are retryable.
		return nil, fmt.Errorf("%s request failed: %w", h.name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", h.name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := string(respBody)
		if len(msg) > 200 {
			msg = msg[:200] + "..."
		}
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    msg,
			Retryable:  resp.StatusCode == 429 || resp.StatusCode >= 500,
		}
	}

	out := &Response{StatusCode: resp.StatusCode}
	if len(respBody) > 0 {
		// Responses are either an object or a bare list.
		if err := json.Unmarshal(respBody, &out.Data); err != nil {
			var items []any
			if err := json.Unmarshal(respBody, &items); err != nil {
				return nil, fmt.Errorf("decode %s response: %w", h.name, err)
			}
			out.Items = items
		}
	}

	return out, nil
}
