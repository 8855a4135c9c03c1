// Package client is the Go SDK for the levelq HTTP API.
//
// # Quick start
//
//	c := client.New("http://localhost:8080")
//
//	// Something about org/repo#42 changed; make sure it gets reconciled.
//	outcome, err := c.Enqueue(ctx, "org/repo#42", 0)
//
//	// Inspect and repair the dead letter.
//	entries, err := c.ListDeadLetter(ctx)
//	err = c.ReenqueueDeadLetter(ctx, "org/repo#42")
//
// # Error handling
//
// All methods return an *APIError when the server responds with a non-2xx
// status code. Use IsNotFound, IsUnavailable or errors.As to inspect it.
//
// Client is safe for concurrent use.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gorillaws "github.com/gorilla/websocket"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("levelq: server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the error is a 404 from the server.
func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }

// IsInvalidKey reports whether the server rejected the key (400).
func IsInvalidKey(err error) bool { return hasStatus(err, http.StatusBadRequest) }

// IsUnavailable reports whether the server could not reach its store (503).
// The call may be retried.
func IsUnavailable(err error) bool { return hasStatus(err, http.StatusServiceUnavailable) }

func hasStatus(err error, code int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == code
}

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the API key sent in every request as the X-Api-Key header.
// Required when the server has auth.enabled = true.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout. The default is 30 seconds.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is the levelq API client.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a Client for the server at baseURL.
//
//	c := client.New("http://localhost:8080")
//	c := client.New("https://levelq.example.com", client.WithAPIKey("secret"))
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Domain types ─────────────────────────────────────────────────────────────

// Outcome is what an enqueue did: "created", "merged", "recheck" or
// "suppressed".
type Outcome string

const (
	OutcomeCreated    Outcome = "created"
	OutcomeMerged     Outcome = "merged"
	OutcomeRecheck    Outcome = "recheck"
	OutcomeSuppressed Outcome = "suppressed"
)

// QueueItem is one outstanding key.
type QueueItem struct {
	Key            string     `json:"key"`
	Priority       int        `json:"priority"`
	EnqueuedAt     time.Time  `json:"enqueued_at"`
	Attempts       int        `json:"attempts"`
	NotBefore      time.Time  `json:"not_before"`
	State          string     `json:"state"`
	LeaseOwner     string     `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	PendingRecheck bool       `json:"pending_recheck,omitempty"`
}

// DeadLetterEntry is a key that exhausted its retries.
type DeadLetterEntry struct {
	Key             string    `json:"key"`
	Priority        int       `json:"priority"`
	Attempts        int       `json:"attempts"`
	LastError       string    `json:"last_error"`
	FirstEnqueuedAt time.Time `json:"first_enqueued_at"`
	DeadLetteredAt  time.Time `json:"dead_lettered_at"`
}

// Stats is the number of keys in each state.
type Stats struct {
	Queued       int64 `json:"queued"`
	Leased       int64 `json:"leased"`
	DeadLettered int64 `json:"dead_lettered"`
}

// HealthInfo is returned by Health.
type HealthInfo struct {
	Status   string `json:"status"`
	NodeID   string `json:"node_id"`
	Role     string `json:"role"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
}

// Event is one dispatcher outcome from the event feed.
type Event struct {
	Type      string    `json:"type"`
	Key       string    `json:"key"`
	Owner     string    `json:"owner"`
	State     string    `json:"state"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	NotBefore time.Time `json:"not_before,omitzero"`
	At        time.Time `json:"at"`
}

// ─── Queue ────────────────────────────────────────────────────────────────────

// Enqueue asks for key to be reconciled. Repeated calls before the key is
// processed collapse into one unit of work.
func (c *Client) Enqueue(ctx context.Context, key string, priority int) (Outcome, error) {
	var resp struct {
		Outcome Outcome `json:"outcome"`
	}
	body := map[string]any{"key": key, "priority": priority}
	if err := c.do(ctx, http.MethodPost, "/v1/enqueue", body, &resp); err != nil {
		return "", err
	}
	return resp.Outcome, nil
}

// ListQueue returns queue items in dispatch order. eligibleOnly keeps items a
// dispatcher could claim now; limit 0 means the server maximum.
func (c *Client) ListQueue(ctx context.Context, eligibleOnly bool, limit int) ([]*QueueItem, error) {
	q := url.Values{}
	if eligibleOnly {
		q.Set("eligible", "true")
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/queue"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Items []*QueueItem `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// Stats returns the number of keys in each state.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	if err := c.do(ctx, http.MethodGet, "/v1/queue/stats", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ─── Dead letter ──────────────────────────────────────────────────────────────

// ListDeadLetter returns every dead-letter entry.
func (c *Client) ListDeadLetter(ctx context.Context) ([]*DeadLetterEntry, error) {
	var resp struct {
		Entries []*DeadLetterEntry `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/dead-letter", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// ReenqueueDeadLetter moves key back into the queue with a fresh retry
// budget. IsNotFound(err) is true when key is not dead-lettered.
func (c *Client) ReenqueueDeadLetter(ctx context.Context, key string) error {
	return c.do(ctx, http.MethodPost, "/v1/dead-letter/reenqueue", map[string]string{"key": key}, nil)
}

// ReenqueueAllDeadLetter re-enqueues every dead-lettered key and returns how
// many were moved.
func (c *Client) ReenqueueAllDeadLetter(ctx context.Context) (int, error) {
	var resp struct {
		Reenqueued int `json:"reenqueued"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/dead-letter/reenqueue", map[string]bool{"all": true}, &resp); err != nil {
		return 0, err
	}
	return resp.Reenqueued, nil
}

// ─── Health / events ──────────────────────────────────────────────────────────

// Health returns server liveness information.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var h HealthInfo
	if err := c.do(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Events opens the dispatcher event feed. The returned channel is closed
// when ctx is done or the server closes the feed.
func (c *Client) Events(ctx context.Context) (<-chan Event, error) {
	u, err := url.Parse(c.baseURL + "/v1/events")
	if err != nil {
		return nil, fmt.Errorf("levelq: parse url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	hdr := http.Header{}
	if c.apiKey != "" {
		hdr.Set("X-Api-Key", c.apiKey)
	}
	conn, resp, err := gorillaws.DefaultDialer.DialContext(ctx, u.String(), hdr)
	if err != nil {
		if resp != nil {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return nil, fmt.Errorf("levelq: dial events: %w", err)
	}

	out := make(chan Event, 64)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			var e Event
			if err := conn.ReadJSON(&e); err != nil {
				return
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// do performs a single HTTP request.
// body is encoded as JSON when non-nil, resp is decoded from JSON when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("levelq: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("levelq: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("levelq: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("levelq: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}

	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("levelq: decode response: %w", err)
		}
	}
	return nil
}
