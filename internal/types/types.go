// Package types contains the core domain types shared across all levelq
// internal packages. It deliberately has zero imports of other levelq packages
// so that both the storage layer and the queue layer can import from it without
// creating import cycles.
package types

import "time"

// State is the lifecycle state of a key inside the workqueue.
type State uint8

const (
	// StateUnqueued means no queue item exists for the key.
	StateUnqueued State = iota
	// StateQueued means an unleased item exists and will be claimed once its
	// NotBefore has passed.
	StateQueued
	// StateLeased means a dispatcher holds an unexpired lease on the item.
	StateLeased
	// StateDeadLettered means the key exhausted its retry budget and waits for
	// an operator to re-enqueue it.
	StateDeadLettered
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateUnqueued:
		return "unqueued"
	case StateQueued:
		return "queued"
	case StateLeased:
		return "leased"
	case StateDeadLettered:
		return "dead_lettered"
	default:
		return "unknown"
	}
}

// QueueItem is the one outstanding unit of work for a key.
//
// At most one QueueItem exists per key. All timestamps are UTC with
// millisecond precision.
type QueueItem struct {
	// Key is the opaque, caller-defined reconciliation target.
	Key string `json:"key"`

	// Priority orders selection; higher is more urgent.
	Priority int `json:"priority"`

	// EnqueuedAt is the time of the first enqueue. Merges never move it.
	EnqueuedAt time.Time `json:"enqueued_at"`

	// Attempts counts failed processing attempts over the item's lifetime.
	Attempts int `json:"attempts"`

	// NotBefore is the earliest time the item may be claimed.
	NotBefore time.Time `json:"not_before"`

	// LeaseOwner is the instance id of the current claimant, empty when unleased.
	LeaseOwner string `json:"lease_owner,omitempty"`

	// LeaseExpiresAt voids the lease once passed.
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitzero"`

	// PendingRecheck is set when an enqueue arrives while the key is leased.
	PendingRecheck bool `json:"pending_recheck,omitempty"`
}

// Timestamp normalises t to the precision every store round-trips: UTC,
// truncated to the millisecond.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// Leased reports whether the item carries a lease that is still valid at now.
// An expired lease is equivalent to no lease.
func (it *QueueItem) Leased(now time.Time) bool {
	return it.LeaseOwner != "" && now.Before(it.LeaseExpiresAt)
}

// Eligible reports whether the item may be claimed at now.
func (it *QueueItem) Eligible(now time.Time) bool {
	return !it.Leased(now) && !it.NotBefore.After(now)
}

// State returns the queue-side state of the item at now.
func (it *QueueItem) State(now time.Time) State {
	if it.Leased(now) {
		return StateLeased
	}
	return StateQueued
}

// ClearLease drops the lease fields.
func (it *QueueItem) ClearLease() {
	it.LeaseOwner = ""
	it.LeaseExpiresAt = time.Time{}
}

// Clone returns a copy of the item.
func (it *QueueItem) Clone() *QueueItem {
	c := *it
	return &c
}

// DeadLetterEntry is the terminal record for a key whose attempts exceeded the
// configured maximum.
type DeadLetterEntry struct {
	Key             string    `json:"key"`
	Priority        int       `json:"priority"`
	Attempts        int       `json:"attempts"`
	LastError       string    `json:"last_error"`
	FirstEnqueuedAt time.Time `json:"first_enqueued_at"`
	DeadLetteredAt  time.Time `json:"dead_lettered_at"`
}

// Clone returns a copy of the entry.
func (e *DeadLetterEntry) Clone() *DeadLetterEntry {
	c := *e
	return &c
}
