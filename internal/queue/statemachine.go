package queue

import "github.com/snehjoshi/levelq/internal/types"

// statemachine.go: key lifecycle transition rules.
//
//	UNQUEUED ──enqueue──► QUEUED ──claim──► LEASED
//	    ▲                   ▲                 │
//	    │                   └──failure────────┤
//	    │                   └──recheck────────┤
//	    │                   └──lease expiry───┤
//	    └──────success────────────────────────┤
//	                                          ▼
//	DEAD_LETTERED ◄──────attempts > max───────┘
//	    │
//	    └──reenqueue──► QUEUED

// ValidTransition reports whether from → to is a legal lifecycle change for a
// key. The dispatcher checks every resolve against it.
func ValidTransition(from, to types.State) bool {
	switch from {
	case types.StateUnqueued:
		return to == types.StateQueued
	case types.StateQueued:
		// A claim is the only way out; merges stay in QUEUED.
		return to == types.StateLeased || to == types.StateQueued
	case types.StateLeased:
		return to == types.StateQueued || to == types.StateUnqueued || to == types.StateDeadLettered
	case types.StateDeadLettered:
		return to == types.StateQueued
	}
	return false
}
