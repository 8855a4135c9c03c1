// Package reconciler defines the external operation a dispatcher invokes for a
// claimed key, plus an HTTP client for reconcilers that run as a separate
// service.
//
// Process must be idempotent: around a lease boundary two instances may
// process the same key, and a cancelled call may or may not have taken effect.
package reconciler

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Levelq-Signature"

// Reconciler brings the world in line with the current state of key. A nil
// return is success; any error (including ctx expiry) is a processing failure.
type Reconciler interface {
	Process(ctx context.Context, key string) error
}

// Func adapts an ordinary function to Reconciler.
type Func func(ctx context.Context, key string) error

// Process calls f(ctx, key).
func (f Func) Process(ctx context.Context, key string) error { return f(ctx, key) }

// Request is the JSON body POSTed to an HTTP reconciler.
type Request struct {
	Key string `json:"key"`
}

// StatusError reports a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("reconciler: endpoint returned %d", e.StatusCode)
	}
	return fmt.Sprintf("reconciler: endpoint returned %d: %s", e.StatusCode, e.Body)
}

// HTTP calls a remote reconciler over HTTP.
type HTTP struct {
	url    string
	secret string
	client *http.Client
}

// HTTPOption configures an HTTP reconciler.
type HTTPOption func(*HTTP)

// WithSecret signs every request body with HMAC-SHA256 under secret.
func WithSecret(secret string) HTTPOption {
	return func(h *HTTP) { h.secret = secret }
}

// WithHTTPClient replaces the default client. Deadlines come from the
// context passed to Process, so the client needs no timeout of its own.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTP) { h.client = c }
}

// NewHTTP returns a reconciler that POSTs {"key": k} to url.
func NewHTTP(url string, opts ...HTTPOption) (*HTTP, error) {
	if url == "" {
		return nil, errors.New("reconciler: url must not be empty")
	}
	h := &HTTP{url: url, client: http.DefaultClient}
	for _, o := range opts {
		o(h)
	}
	return h, nil
}

// Sign returns the signature header value for body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig is the signature of body under secret.
func Verify(secret string, body []byte, sig string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(sig))
}

// Process implements Reconciler. Any 2xx response is success.
func (h *HTTP) Process(ctx context.Context, key string) error {
	body, err := json.Marshal(Request{Key: key})
	if err != nil {
		return fmt.Errorf("reconciler: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("reconciler: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.secret != "" {
		req.Header.Set(SignatureHeader, Sign(h.secret, body))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("reconciler: POST %s: %w", h.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
