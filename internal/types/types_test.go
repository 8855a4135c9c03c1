package types_test

import (
	"testing"
	"time"

	"github.com/snehjoshi/levelq/internal/types"
)

func TestQueueItem_LeaseExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	it := &types.QueueItem{
		Key:            "a",
		NotBefore:      now.Add(-time.Minute),
		LeaseOwner:     "node-1",
		LeaseExpiresAt: now.Add(time.Second),
	}

	if !it.Leased(now) {
		t.Fatal("lease should be valid before expiry")
	}
	if it.Eligible(now) {
		t.Fatal("leased item must not be eligible")
	}
	if it.State(now) != types.StateLeased {
		t.Errorf("State = %s, want leased", it.State(now))
	}

	later := now.Add(time.Second)
	if it.Leased(later) {
		t.Fatal("lease must be void at LeaseExpiresAt")
	}
	if !it.Eligible(later) {
		t.Fatal("expired lease should make the item eligible again")
	}
}

func TestQueueItem_NotBeforeGate(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	it := &types.QueueItem{Key: "a", NotBefore: now.Add(time.Millisecond)}
	if it.Eligible(now) {
		t.Fatal("item must not be eligible before NotBefore")
	}
	if !it.Eligible(now.Add(time.Millisecond)) {
		t.Fatal("item must be eligible at NotBefore")
	}
}

func TestState_String(t *testing.T) {
	cases := map[types.State]string{
		types.StateUnqueued:     "unqueued",
		types.StateQueued:       "queued",
		types.StateLeased:       "leased",
		types.StateDeadLettered: "dead_lettered",
		types.State(99):         "unknown",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestTimestamp_UTCMillis(t *testing.T) {
	loc := time.FixedZone("plus2", 2*60*60)
	in := time.Date(2026, 3, 4, 5, 6, 7, 891_234_567, loc)
	got := types.Timestamp(in)

	if got.Location() != time.UTC {
		t.Errorf("location: want UTC, got %v", got.Location())
	}
	if got.Nanosecond() != 891_000_000 {
		t.Errorf("nanos: want 891000000, got %d", got.Nanosecond())
	}
	if !got.Equal(in.Truncate(time.Millisecond)) {
		t.Errorf("instant changed: %v vs %v", got, in)
	}
}
