// Package broker is the central orchestrator for storyq.
//
// Every transport (HTTP handlers, WebSocket, webhook consumer, CLI through
// the SDK) talks to the Broker, never directly to the scheduler. The broker
// validates requests, owns the trip sessions and triggers, and wires the
// scheduler's lifecycle hooks into metrics and the history archive.
//
// Data flow:
//
//	trigger / producer → Broker.QueueStory → queue.Manager.QueueStory
//	consumer           → Broker.ClaimStory → queue.Manager.ClaimNextStory
//	                   → Broker.MarkDelivered → queue.Manager.MarkDelivered
//	                                          → hooks → metrics, history
package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/snehjoshi/storyq/internal/config"
	"github.com/snehjoshi/storyq/internal/history"
	"github.com/snehjoshi/storyq/internal/metrics"
	"github.com/snehjoshi/storyq/internal/queue"
	"github.com/snehjoshi/storyq/internal/session"
	"github.com/snehjoshi/storyq/internal/trigger"
	"github.com/snehjoshi/storyq/internal/types"
)

// ─── Error sentinels ─────────────────────────────────────────────────────────

var (
	// ErrInvalidRequest wraps every validation failure.
	ErrInvalidRequest = errors.New("broker: invalid request")

	// ErrUnknownStory is returned for a story ID the scheduler does not hold,
	// either because it never existed or because the sweep purged it.
	ErrUnknownStory = errors.New("broker: unknown story")

	// ErrHistoryDisabled is returned by History when no archive is configured.
	ErrHistoryDisabled = errors.New("broker: history disabled")
)

// ─── Request / Response types ────────────────────────────────────────────────

// QueueRequest carries everything needed to queue one story.
type QueueRequest struct {
	UserID      string
	Priority    types.Priority
	TriggerType types.TriggerType // empty means contextual
	Context     map[string]any
	Options     types.QueueOptions
}

// QueueResult reports whether the scheduler took the story.
type QueueResult struct {
	StoryID  string `json:"story_id,omitempty"`
	Accepted bool   `json:"accepted"`
}

// StoryView is a registry record with its derived lifecycle state.
type StoryView struct {
	types.QueuedStory
	State queue.State `json:"state"`
}

// TripEnd is returned when a trip ends.
type TripEnd struct {
	Session session.Session `json:"session"`
	Cleared int             `json:"cleared"`
}

// PositionUpdate is returned after a position report.
type PositionUpdate struct {
	Session session.Session `json:"session"`
	Fired   []trigger.Fired `json:"fired"`
}

// Summary is a cheap process-wide snapshot for /api/summary.
type Summary struct {
	NodeID        string         `json:"node_id"`
	Queue         queue.Totals   `json:"queue"`
	Sessions      int            `json:"sessions"`
	ActiveTrips   int            `json:"active_trips"`
	POIs          int            `json:"pois"`
	History       *history.Stats `json:"history,omitempty"`
	HistoryStored int            `json:"history_stored,omitempty"`
}

// ─── Options ─────────────────────────────────────────────────────────────────

// Option is a functional option for the Broker.
type Option func(*Broker)

// WithMetrics attaches a metrics registry fed by the scheduler hooks.
func WithMetrics(reg *metrics.Registry) Option {
	return func(b *Broker) { b.metrics = reg }
}

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.log = l }
}

// WithClock replaces time.Now in the scheduler, sessions and triggers.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// WithHistory uses an already opened archive instead of opening one from
// config. The broker does not close it.
func WithHistory(h *history.Store) Option {
	return func(b *Broker) { b.history = h }
}

// ─── Broker ──────────────────────────────────────────────────────────────────

// Broker wires the scheduler, sessions, triggers and archive into a single
// facade used by every transport.
//
// All methods are safe for concurrent use.
type Broker struct {
	cfg    *config.Config
	nodeID string
	log    *slog.Logger
	now    func() time.Time

	qm        *queue.Manager
	sessions  *session.Registry
	proximity *trigger.Proximity // nil when disabled
	scheduled *trigger.Scheduled // nil when disabled
	cron      *cron.Cron

	// Optional integrations.
	metrics     *metrics.Registry
	history     *history.Store
	ownsHistory bool
}

// New creates and starts a Broker. The history archive is opened at
// cfg.History.Path, or <data_dir>/history.db, unless WithHistory supplied one.
func New(cfg *config.Config, nodeID string, opts ...Option) (*Broker, error) {
	b := &Broker{
		cfg:    cfg,
		nodeID: nodeID,
		log:    slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(b)
	}

	if b.history == nil && cfg.History.Enabled {
		path := cfg.History.Path
		if path == "" {
			if err := os.MkdirAll(cfg.Node.DataDir, 0o750); err != nil {
				return nil, fmt.Errorf("broker: create data dir: %w", err)
			}
			path = filepath.Join(cfg.Node.DataDir, "history.db")
		}
		h, err := history.Open(path,
			history.WithBuffer(cfg.History.BufferSize),
			history.WithLogger(b.log),
			history.WithNodeID(nodeID))
		if err != nil {
			return nil, fmt.Errorf("broker: %w", err)
		}
		b.history = h
		b.ownsHistory = true
	}

	var pois []trigger.POI
	if p := cfg.Triggers.Proximity; p.Enabled {
		var err error
		if pois, err = loadPOIs(p); err != nil {
			b.closeHistory()
			return nil, fmt.Errorf("broker: %w", err)
		}
	}

	b.qm = queue.New(queueConfig(cfg.Queue),
		queue.WithClock(b.now),
		queue.WithLogger(b.log),
		queue.WithHooks(b.hooks()))

	b.sessions = session.New(config.MustDuration(cfg.Sessions.IdleTimeout), session.WithClock(b.now))

	topts := []trigger.Option{trigger.WithClock(b.now), trigger.WithLogger(b.log)}
	if p := cfg.Triggers.Proximity; p.Enabled {
		b.proximity = trigger.NewProximity(trigger.ProximityConfig{
			POIs:         pois,
			RadiusMeters: p.RadiusMeters,
			Cooldown:     config.MustDuration(p.Cooldown),
			Window:       config.MustDuration(p.Window),
		}, b.qm, topts...)
	}
	if s := cfg.Triggers.Scheduled; s.Enabled {
		b.scheduled = trigger.NewScheduled(b.qm, b.sessions, s.Context, topts...)
	}

	if err := b.startCron(); err != nil {
		b.qm.Shutdown()
		b.closeHistory()
		return nil, err
	}

	if b.metrics != nil {
		b.metrics.RegisterSizes(metrics.SizeFuncs{
			Registry: b.qm.Len,
			Live:     func() int { return b.qm.Totals().Live },
			Users:    func() int { return b.qm.Totals().Users },
		})
	}
	return b, nil
}

func queueConfig(q config.QueueConfig) queue.Config {
	return queue.Config{
		MaxQueueSizePerUser: q.MaxQueueSizePerUser,
		DefaultStoryExpiry:  q.DefaultStoryExpiry(),
		MinStorySpacing:     q.MinStorySpacing(),
		MaxStoryAge:         q.MaxStoryAge(),
		CleanupInterval:     q.CleanupInterval(),
		MaxAttempts:         q.MaxAttempts,
		SweepBatchSize:      q.SweepBatchSize,
	}
}

func loadPOIs(p config.ProximityConfig) ([]trigger.POI, error) {
	pois := make([]trigger.POI, 0, len(p.POIs))
	for _, poi := range p.POIs {
		pois = append(pois, trigger.NewPOI(poi.ID, poi.Name, poi.Lat, poi.Lon, poi.Context))
	}
	if p.POIFile != "" {
		more, err := trigger.LoadPOIs(p.POIFile)
		if err != nil {
			return nil, err
		}
		pois = append(pois, more...)
	}
	return pois, nil
}

// Close stops background jobs and the scheduler, then flushes the archive.
func (b *Broker) Close() error {
	<-b.cron.Stop().Done()
	b.qm.Shutdown()
	return b.closeHistory()
}

func (b *Broker) closeHistory() error {
	if b.ownsHistory && b.history != nil {
		return b.history.Close()
	}
	return nil
}

// NodeID returns the identity stamped on archived records.
func (b *Broker) NodeID() string { return b.nodeID }

// ─── Queue ───────────────────────────────────────────────────────────────────

// QueueStory validates req and hands it to the scheduler. A full queue is not
// an error: the result simply reports Accepted=false.
func (b *Broker) QueueStory(req QueueRequest) (QueueResult, error) {
	if err := validUser(req.UserID); err != nil {
		return QueueResult{}, err
	}
	if !req.Priority.Valid() {
		return QueueResult{}, fmt.Errorf("%w: priority %d out of range", ErrInvalidRequest, int(req.Priority))
	}
	if req.TriggerType == "" {
		req.TriggerType = types.TriggerContextual
	}
	if !req.TriggerType.Valid() {
		return QueueResult{}, fmt.Errorf("%w: unknown trigger type %q", ErrInvalidRequest, req.TriggerType)
	}
	o := req.Options
	if !o.LatestTime.IsZero() && !o.EarliestTime.IsZero() && o.LatestTime.Before(o.EarliestTime) {
		return QueueResult{}, fmt.Errorf("%w: latest_time is before earliest_time", ErrInvalidRequest)
	}
	if o.EstimatedDurationSeconds < 0 {
		return QueueResult{}, fmt.Errorf("%w: estimated_duration_seconds must be >= 0", ErrInvalidRequest)
	}

	id, ok := b.qm.QueueStory(req.UserID, req.Priority, req.TriggerType, req.Context, o)
	if b.sessions.IsActive(req.UserID) {
		_, _ = b.sessions.Touch(req.UserID)
	}
	return QueueResult{StoryID: id, Accepted: ok}, nil
}

// ─── Consume ─────────────────────────────────────────────────────────────────

// NextStory peeks at the user's next ready story without claiming it.
func (b *Broker) NextStory(userID string) (*types.QueuedStory, bool, error) {
	if err := validUser(userID); err != nil {
		return nil, false, err
	}
	s, ok := b.qm.GetNextStory(userID)
	return s, ok, nil
}

// ClaimStory returns the user's next ready story and marks it in progress.
func (b *Broker) ClaimStory(userID string) (*types.QueuedStory, bool, error) {
	if err := validUser(userID); err != nil {
		return nil, false, err
	}
	s, ok := b.qm.ClaimNextStory(userID)
	return s, ok, nil
}

// MarkInProgress hides a story from NextStory until its outcome is reported.
func (b *Broker) MarkInProgress(storyID string) error {
	if !b.qm.MarkStoryInProgress(storyID) {
		return fmt.Errorf("%w: %s", ErrUnknownStory, storyID)
	}
	return nil
}

// MarkDelivered reports a delivery outcome and returns the updated record.
func (b *Broker) MarkDelivered(storyID string, success bool) (StoryView, error) {
	if !b.qm.MarkDelivered(storyID, success) {
		return StoryView{}, fmt.Errorf("%w: %s", ErrUnknownStory, storyID)
	}
	return b.Story(storyID)
}

// ─── Inspect ─────────────────────────────────────────────────────────────────

// Stats returns the user's queue summary.
func (b *Broker) Stats(userID string) (types.QueueStats, error) {
	if err := validUser(userID); err != nil {
		return types.QueueStats{}, err
	}
	return b.qm.GetQueueStats(userID), nil
}

// ClearQueue retires every live story of the user.
func (b *Broker) ClearQueue(userID string) (int, error) {
	if err := validUser(userID); err != nil {
		return 0, err
	}
	return b.qm.ClearUserQueue(userID), nil
}

// Story looks a story up in the scheduler registry.
func (b *Broker) Story(storyID string) (StoryView, error) {
	s, state, ok := b.qm.Lookup(storyID)
	if !ok {
		return StoryView{}, fmt.Errorf("%w: %s", ErrUnknownStory, storyID)
	}
	return StoryView{QueuedStory: s, State: state}, nil
}

// History lists the user's archived stories, newest first.
func (b *Broker) History(userID string, limit int) ([]history.Record, error) {
	if err := validUser(userID); err != nil {
		return nil, err
	}
	if b.history == nil {
		return nil, ErrHistoryDisabled
	}
	return b.history.List(userID, limit)
}

// Summary returns a process-wide snapshot.
func (b *Broker) Summary() Summary {
	s := Summary{
		NodeID:      b.nodeID,
		Queue:       b.qm.Totals(),
		Sessions:    b.sessions.Len(),
		ActiveTrips: len(b.sessions.Active(b.now())),
	}
	if b.proximity != nil {
		s.POIs = len(b.proximity.POIs())
	}
	if b.history != nil {
		st := b.history.Stats()
		s.History = &st
		if n, err := b.history.Count(); err == nil {
			s.HistoryStored = n
		}
	}
	return s
}

// Sweep runs the scheduler's age sweep synchronously.
func (b *Broker) Sweep() int { return b.qm.Sweep() }

// ─── Trips ───────────────────────────────────────────────────────────────────

// StartTrip begins (or resumes) the user's trip.
func (b *Broker) StartTrip(userID string) (session.Session, bool, error) {
	s, created, err := b.sessions.Start(userID)
	if errors.Is(err, session.ErrInvalidUser) {
		return s, false, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err == nil && created {
		b.log.Info("trip started", "user", userID, "session", s.ID)
	}
	return s, created, err
}

// EndTrip ends the user's trip and, when configured, clears the queue.
// It returns session.ErrNotFound when there is no trip.
func (b *Broker) EndTrip(userID string) (TripEnd, error) {
	s, err := b.sessions.End(userID)
	if err != nil {
		return TripEnd{}, err
	}
	out := TripEnd{Session: s}
	if b.cfg.Sessions.ClearOnEnd {
		out.Cleared = b.qm.ClearUserQueue(userID)
	}
	if b.proximity != nil {
		b.proximity.Forget(userID)
	}
	b.log.Info("trip ended", "user", userID, "session", s.ID, "cleared", out.Cleared)
	return out, nil
}

// UpdatePosition records the user's position, starting a trip if none is
// running, and fires proximity stories for POIs in range.
func (b *Broker) UpdatePosition(userID string, lat, lon float64) (PositionUpdate, error) {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return PositionUpdate{}, fmt.Errorf("%w: coordinates out of range", ErrInvalidRequest)
	}
	if _, _, err := b.StartTrip(userID); err != nil {
		return PositionUpdate{}, err
	}
	s, err := b.sessions.SetPosition(userID, lat, lon)
	if err != nil {
		return PositionUpdate{}, err
	}
	out := PositionUpdate{Session: s, Fired: []trigger.Fired{}}
	if b.proximity != nil {
		out.Fired = append(out.Fired, b.proximity.Check(userID, lat, lon)...)
	}
	return out, nil
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func validUser(userID string) error {
	if !session.ValidUserID(userID) {
		return fmt.Errorf("%w: invalid user id %q", ErrInvalidRequest, userID)
	}
	return nil
}
