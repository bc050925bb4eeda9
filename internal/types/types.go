// Package types contains the core domain types shared across all storyq
// internal packages. It deliberately has zero imports of other storyq
// packages so that the queue, history and transport layers can all import it
// without creating import cycles.
package types

import (
	"fmt"
	"strings"
	"time"
)

// Priority orders story opportunities. Lower values are more urgent.
type Priority int

const (
	// PriorityImmediate is a user-initiated request or safety-critical content.
	PriorityImmediate Priority = iota + 1
	// PriorityHigh is a time-sensitive "perfect moment": proximity to a point
	// of interest, golden-hour lighting.
	PriorityHigh
	// PriorityMedium is routine scheduled interval content.
	PriorityMedium
	// PriorityLow is filler or background content.
	PriorityLow
	// PriorityDeferred has no urgency and may wait indefinitely.
	PriorityDeferred
)

// Priorities lists every level from most to least urgent.
var Priorities = []Priority{
	PriorityImmediate,
	PriorityHigh,
	PriorityMedium,
	PriorityLow,
	PriorityDeferred,
}

// String returns the lowercase name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityImmediate:
		return "immediate"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	case PriorityDeferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// Valid reports whether p is one of the five defined levels.
func (p Priority) Valid() bool {
	return p >= PriorityImmediate && p <= PriorityDeferred
}

// Urgent reports whether p may bypass the per-user capacity limit.
func (p Priority) Urgent() bool {
	return p == PriorityImmediate || p == PriorityHigh
}

// ParsePriority accepts a priority name ("high") or its numeric value ("2").
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, p := range Priorities {
		if s == p.String() || s == fmt.Sprint(int(p)) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// MarshalText encodes the priority by name.
func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText decodes a priority name or number.
func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// TriggerType describes why a story was queued. It never affects ordering.
type TriggerType string

const (
	TriggerUserRequest TriggerType = "user_request"
	TriggerProximity   TriggerType = "proximity"
	TriggerGoldenHour  TriggerType = "golden_hour"
	TriggerMilestone   TriggerType = "milestone"
	TriggerScheduled   TriggerType = "scheduled"
	TriggerContextual  TriggerType = "contextual"
	TriggerSafety      TriggerType = "safety"
)

// Valid reports whether t is a known trigger type.
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerUserRequest, TriggerProximity, TriggerGoldenHour, TriggerMilestone,
		TriggerScheduled, TriggerContextual, TriggerSafety:
		return true
	}
	return false
}

// QueueOptions are the optional time constraints supplied with a story.
// Zero values mean "use the default".
type QueueOptions struct {
	// EarliestTime is the instant before which the story must not be
	// delivered. Zero means immediately eligible.
	EarliestTime time.Time

	// LatestTime is the instant after which the story is no longer useful.
	// Zero means no upper bound beyond ExpiresAt.
	LatestTime time.Time

	// ExpiresAt is when the entry is discarded unread. Zero means
	// creation time + the manager's default expiry.
	ExpiresAt time.Time

	EstimatedDurationSeconds int
}

// QueuedStory is the scheduling unit.
//
// Context is owned by the story-generation collaborator and is never
// inspected by the scheduler; treat it as immutable once queued.
type QueuedStory struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	Priority    Priority       `json:"priority"`
	TriggerType TriggerType    `json:"trigger_type"`
	Context     map[string]any `json:"context,omitempty"`

	EarliestTime time.Time `json:"earliest_time"`
	LatestTime   time.Time `json:"latest_time,omitzero"`
	ExpiresAt    time.Time `json:"expires_at"`

	EstimatedDurationSeconds int `json:"estimated_duration_seconds,omitempty"`

	CreatedAt     time.Time `json:"created_at"`
	Attempts      int       `json:"attempts"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitzero"`
	Delivered     bool      `json:"delivered"`
	DeliveredAt   time.Time `json:"delivered_at,omitzero"`

	// GaveUp is set when the story was retired after exhausting its delivery
	// attempts. Such a story is also Delivered.
	GaveUp bool `json:"gave_up,omitempty"`
}

// Expired reports whether the story's hard expiry has passed at now.
func (s *QueuedStory) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Stale reports whether now is past the story's usefulness window.
func (s *QueuedStory) Stale(now time.Time) bool {
	return !s.LatestTime.IsZero() && now.After(s.LatestTime)
}

// InWindow reports whether now lies inside [EarliestTime, LatestTime] and
// before ExpiresAt.
func (s *QueuedStory) InWindow(now time.Time) bool {
	return !s.Expired(now) && !now.Before(s.EarliestTime) && !s.Stale(now)
}

// Clone returns a copy of the story. The Context map is shared.
func (s *QueuedStory) Clone() *QueuedStory {
	c := *s
	return &c
}

// QueueStats is a read-only summary of one user's queue.
type QueueStats struct {
	UserID     string           `json:"user_id"`
	Live       int              `json:"live"`
	ByPriority map[Priority]int `json:"by_priority"`
	InProgress int              `json:"in_progress"`

	// Ready reports whether GetNextStory would return a story right now,
	// spacing rule included.
	Ready bool `json:"ready"`

	LastDeliveredAt time.Time `json:"last_delivered_at,omitzero"`
}
