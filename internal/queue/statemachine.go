package queue

import (
	"time"

	"github.com/snehjoshi/storyq/internal/types"
)

// statemachine.go: story lifecycle labels.
//
//	PENDING ───────► IN_PROGRESS ──────► DELIVERED
//	   │  ▲               │
//	   │  └───(failure)───┤
//	   │                  └────────────► GAVE_UP   (attempts exhausted)
//	   ├───────────────────────────────► CLEARED   (trip ended)
//	   └───────────────────────────────► EXPIRED   (expiry passed)
//
// The label is derived from the story record on demand; the manager never
// stores it.

// State is the derived lifecycle label of a story.
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateDelivered  State = "delivered"
	StateGaveUp     State = "gave_up"
	StateCleared    State = "cleared"
	StateExpired    State = "expired"
)

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	switch s {
	case StateDelivered, StateGaveUp, StateCleared, StateExpired:
		return true
	}
	return false
}

// ValidTransition reports whether from → to is a legal lifecycle change.
func ValidTransition(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateInProgress || to == StateDelivered || to == StateGaveUp ||
			to == StateCleared || to == StateExpired
	case StateInProgress:
		// A failed attempt below the limit returns the story to pending.
		return to == StatePending || to == StateDelivered || to == StateGaveUp ||
			to == StateCleared || to == StateExpired
	}
	return false
}

func stateOf(e *entry, inProgress bool, now time.Time) State {
	s := e.story
	switch {
	case s.GaveUp:
		return StateGaveUp
	case e.cleared:
		return StateCleared
	case s.Delivered:
		return StateDelivered
	case inProgress:
		return StateInProgress
	case s.Expired(now):
		return StateExpired
	}
	return StatePending
}

// ready is the head readiness predicate.
func ready(s *types.QueuedStory, inProgress bool, now time.Time) bool {
	return !s.Delivered && !inProgress && s.InWindow(now)
}
