package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/snehjoshi/levelq/internal/broker"
	"github.com/snehjoshi/levelq/internal/queue"
	"github.com/snehjoshi/levelq/internal/storage"
	"github.com/snehjoshi/levelq/internal/types"
)

// maxListLimit caps ?limit on queue listings.
const maxListLimit = 1000

// Handler groups all HTTP request handlers around a Broker.
type Handler struct {
	broker  *broker.Broker
	started time.Time
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

// EnqueueRequest is the body of POST /v1/enqueue.
type EnqueueRequest struct {
	Key      string `json:"key"`
	Priority int    `json:"priority"`
}

// EnqueueResponse reports what the enqueue did.
type EnqueueResponse struct {
	Outcome queue.Outcome `json:"outcome"`
}

// QueueItem is the wire form of a queue record.
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

// QueueListResponse is the body of GET /v1/queue.
type QueueListResponse struct {
	Items []QueueItem `json:"items"`
}

// DeadLetterListResponse is the body of GET /v1/dead-letter.
type DeadLetterListResponse struct {
	Entries []*types.DeadLetterEntry `json:"entries"`
}

// ReenqueueRequest is the body of POST /v1/dead-letter/reenqueue. Exactly one
// of Key and All must be set.
type ReenqueueRequest struct {
	Key string `json:"key,omitempty"`
	All bool   `json:"all,omitempty"`
}

// ReenqueueResponse reports how many keys left the dead letter.
type ReenqueueResponse struct {
	Reenqueued int `json:"reenqueued"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	NodeID   string `json:"node_id"`
	Role     string `json:"role"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
}

// ─── Health ──────────────────────────────────────────────────────────────────

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	elapsed := time.Since(h.started)
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:   "ok",
		NodeID:   h.broker.NodeID(),
		Role:     string(h.broker.Role()),
		Uptime:   elapsed.Round(time.Second).String(),
		UptimeMs: elapsed.Milliseconds(),
	})
}

// ─── Queue ───────────────────────────────────────────────────────────────────

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	out, err := h.broker.Enqueue(r.Context(), req.Key, req.Priority)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, EnqueueResponse{Outcome: out})
}

func (h *Handler) listQueue(w http.ResponseWriter, r *http.Request) {
	eligible, _ := strconv.ParseBool(r.URL.Query().Get("eligible"))
	limit := parseIntParam(r, "limit", 0)
	if limit < 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	items, err := h.broker.ListQueue(r.Context(), eligible, limit)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	now := time.Now()
	out := make([]QueueItem, 0, len(items))
	for _, it := range items {
		out = append(out, toWire(it, now))
	}
	writeJSON(w, http.StatusOK, QueueListResponse{Items: out})
}

func (h *Handler) queueStats(w http.ResponseWriter, r *http.Request) {
	s, err := h.broker.Stats(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// ─── Dead letter ─────────────────────────────────────────────────────────────

func (h *Handler) listDeadLetter(w http.ResponseWriter, r *http.Request) {
	entries, err := h.broker.ListDeadLetter(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if entries == nil {
		entries = []*types.DeadLetterEntry{}
	}
	writeJSON(w, http.StatusOK, DeadLetterListResponse{Entries: entries})
}

func (h *Handler) reenqueueDeadLetter(w http.ResponseWriter, r *http.Request) {
	var req ReenqueueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	switch {
	case req.All && req.Key != "":
		writeError(w, http.StatusBadRequest, errors.New("set either key or all, not both"))
	case req.All:
		n, err := h.broker.ReenqueueAllDeadLetter(r.Context())
		if err != nil {
			// Partial progress is still reported.
			writeJSON(w, statusFor(err), map[string]any{"error": err.Error(), "reenqueued": n})
			return
		}
		writeJSON(w, http.StatusOK, ReenqueueResponse{Reenqueued: n})
	case req.Key != "":
		if err := h.broker.ReenqueueDeadLetter(r.Context(), req.Key); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, ReenqueueResponse{Reenqueued: 1})
	default:
		writeError(w, http.StatusBadRequest, errors.New("key or all is required"))
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func toWire(it *types.QueueItem, now time.Time) QueueItem {
	q := QueueItem{
		Key:            it.Key,
		Priority:       it.Priority,
		EnqueuedAt:     it.EnqueuedAt,
		Attempts:       it.Attempts,
		NotBefore:      it.NotBefore,
		State:          it.State(now).String(),
		LeaseOwner:     it.LeaseOwner,
		PendingRecheck: it.PendingRecheck,
	}
	if !it.LeaseExpiresAt.IsZero() {
		t := it.LeaseExpiresAt
		q.LeaseExpiresAt = &t
	}
	return q
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, queue.ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func parseIntParam(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}
