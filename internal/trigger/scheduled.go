package trigger

import (
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/snehjoshi/storyq/internal/session"
	"github.com/snehjoshi/storyq/internal/types"
)

// Parser accepts standard five-field expressions and descriptors such as
// "@hourly" or "@every 20m".
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSpec reports whether spec parses.
func ValidateSpec(spec string) error {
	if _, err := Parser.Parse(spec); err != nil {
		return fmt.Errorf("trigger: invalid cron spec %q: %w", spec, err)
	}
	return nil
}

// ActiveLister is the slice of the session registry the schedule needs.
type ActiveLister interface {
	Active(now time.Time) []session.Session
}

// Scheduled queues a Medium story for every active trip each time it runs.
type Scheduled struct {
	q        Enqueuer
	sessions ActiveLister
	context  map[string]any
	now      func() time.Time
	log      *slog.Logger
}

// NewScheduled creates the routine-content trigger. ctx is merged into every
// story's context.
func NewScheduled(q Enqueuer, sessions ActiveLister, ctx map[string]any, opts ...Option) *Scheduled {
	o := buildOptions(opts)
	return &Scheduled{
		q:        q,
		sessions: sessions,
		context:  ctx,
		now:      o.now,
		log:      o.log.With("component", "trigger.scheduled"),
	}
}

// Run queues one story per active trip and returns how many were accepted.
func (s *Scheduled) Run() int {
	now := s.now()
	accepted := 0
	active := s.sessions.Active(now)
	for _, sess := range active {
		ctx := maps.Clone(s.context)
		if ctx == nil {
			ctx = make(map[string]any, 2)
		}
		ctx["trip_id"] = sess.ID
		ctx["trip_minutes"] = int(now.Sub(sess.StartedAt).Minutes())
		if sess.HasPosition {
			ctx["lat"], ctx["lon"] = sess.Lat, sess.Lon
		}
		if _, ok := s.q.QueueStory(sess.UserID, types.PriorityMedium, types.TriggerScheduled, ctx, types.QueueOptions{}); ok {
			accepted++
		}
	}
	if len(active) > 0 {
		s.log.Info("scheduled stories queued", "active_trips", len(active), "accepted", accepted)
	}
	return accepted
}

// Register adds Run to c under spec.
func (s *Scheduled) Register(c *cron.Cron, spec string) (cron.EntryID, error) {
	id, err := c.AddFunc(spec, func() { s.Run() })
	if err != nil {
		return 0, fmt.Errorf("trigger: register schedule %q: %w", spec, err)
	}
	return id, nil
}
