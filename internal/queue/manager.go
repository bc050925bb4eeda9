// Package queue implements the per-user story scheduler.
//
// Each user owns a min-heap of story opportunities ordered by
// (Priority, EarliestTime). A flat registry keeps every story, live or not,
// until the background sweep purges it by age. GetNextStory only ever
// considers the head of a user's heap: a not-yet-ready head blocks everything
// behind it.
//
// All methods are safe for concurrent use. None of them block or sleep.
package queue

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snehjoshi/storyq/internal/node"
	"github.com/snehjoshi/storyq/internal/types"
)

// ─── Config ──────────────────────────────────────────────────────────────────

// Config holds the scheduler tunables.
type Config struct {
	// MaxQueueSizePerUser is the soft capacity of one user's heap. Immediate
	// and High stories are accepted past it.
	MaxQueueSizePerUser int

	// DefaultStoryExpiry is added to the creation time when the caller does
	// not set ExpiresAt.
	DefaultStoryExpiry time.Duration

	// MinStorySpacing is the minimum gap between two successful deliveries to
	// the same user. Zero disables spacing.
	MinStorySpacing time.Duration

	// MaxStoryAge bounds how long a registry record survives.
	MaxStoryAge time.Duration

	// CleanupInterval throttles how often QueueStory may wake the sweeper.
	CleanupInterval time.Duration

	// MaxAttempts is the number of failed deliveries after which a story is
	// given up.
	MaxAttempts int

	// SweepBatchSize is how many registry records one sweep deletes per lock
	// acquisition.
	SweepBatchSize int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxQueueSizePerUser: 10,
		DefaultStoryExpiry:  30 * time.Minute,
		MinStorySpacing:     90 * time.Second,
		MaxStoryAge:         24 * time.Hour,
		CleanupInterval:     5 * time.Minute,
		MaxAttempts:         3,
		SweepBatchSize:      256,
	}
}

// withDefaults fills unset fields. MinStorySpacing is left alone since zero
// is meaningful.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxQueueSizePerUser <= 0 {
		c.MaxQueueSizePerUser = d.MaxQueueSizePerUser
	}
	if c.DefaultStoryExpiry <= 0 {
		c.DefaultStoryExpiry = d.DefaultStoryExpiry
	}
	if c.MinStorySpacing < 0 {
		c.MinStorySpacing = 0
	}
	if c.MaxStoryAge <= 0 {
		c.MaxStoryAge = d.MaxStoryAge
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = d.SweepBatchSize
	}
	return c
}

// ─── Hooks ───────────────────────────────────────────────────────────────────

// Hooks are notified of lifecycle events. They run on the caller's goroutine
// after the manager lock has been released, and receive copies.
// Any field may be nil.
type Hooks struct {
	OnQueued    func(s types.QueuedStory)
	OnRejected  func(userID string, p types.Priority, t types.TriggerType)
	OnDelivered func(s types.QueuedStory)
	OnFailed    func(s types.QueuedStory, gaveUp bool)
	OnCleared   func(userID string, stories []types.QueuedStory)
	OnSwept     func(stories []types.QueuedStory)
}

// ─── Options ─────────────────────────────────────────────────────────────────

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now. Tests use it to drive time windows and spacing.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithHooks installs lifecycle hooks.
func WithHooks(h Hooks) Option {
	return func(m *Manager) { m.hooks = h }
}

// ─── Manager ─────────────────────────────────────────────────────────────────

// Manager owns every user's story heap.
//
// One RWMutex guards heaps, registry, inProgress and lastDelivered together.
// Internal helpers suffixed Locked expect the caller to hold it.
type Manager struct {
	cfg   Config
	now   func() time.Time
	log   *slog.Logger
	hooks Hooks

	mu            sync.RWMutex
	heaps         map[string]*storyHeap // userID → live stories
	registry      map[string]*entry     // storyID → record
	inProgress    map[string]struct{}   // storyID set
	lastDelivered map[string]time.Time  // userID → last successful delivery

	// lastSweepSignal is the UnixNano of the last time QueueStory woke the
	// sweeper.
	lastSweepSignal atomic.Int64

	// sweepCh has capacity 1 so at most one sweep is ever pending.
	sweepCh  chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Manager and starts its sweep worker. Call Shutdown to stop it.
func New(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:           cfg.withDefaults(),
		now:           time.Now,
		log:           slog.Default(),
		heaps:         make(map[string]*storyHeap),
		registry:      make(map[string]*entry),
		inProgress:    make(map[string]struct{}),
		lastDelivered: make(map[string]time.Time),
		sweepCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With("component", "queue")
	m.lastSweepSignal.Store(m.now().UnixNano())

	m.wg.Add(1)
	go m.sweepLoop()
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// ─── Queue ───────────────────────────────────────────────────────────────────

// QueueStory adds a story for userID and returns its ID. accepted is false
// when userID is empty, the priority is out of range, or the user's queue is
// full and the priority is below High.
func (m *Manager) QueueStory(userID string, priority types.Priority, trigger types.TriggerType,
	storyCtx map[string]any, opts types.QueueOptions) (string, bool) {

	if userID == "" || !priority.Valid() {
		m.log.Debug("story rejected: invalid input", "user", userID, "priority", int(priority))
		return "", false
	}

	now := m.now()
	s := &types.QueuedStory{
		ID:                       node.MustNewID(),
		UserID:                   userID,
		Priority:                 priority,
		TriggerType:              trigger,
		Context:                  storyCtx,
		EarliestTime:             opts.EarliestTime,
		LatestTime:               opts.LatestTime,
		ExpiresAt:                opts.ExpiresAt,
		EstimatedDurationSeconds: opts.EstimatedDurationSeconds,
		CreatedAt:                now,
	}
	if s.EarliestTime.IsZero() {
		s.EarliestTime = now
	}
	if s.ExpiresAt.IsZero() {
		s.ExpiresAt = now.Add(m.cfg.DefaultStoryExpiry)
	}

	m.mu.Lock()
	h := m.heaps[userID]
	if h == nil {
		h = &storyHeap{}
		m.heaps[userID] = h
	}
	m.pruneLocked(h, now)
	if h.len() >= m.cfg.MaxQueueSizePerUser && !priority.Urgent() {
		depth := h.len()
		m.mu.Unlock()

		m.log.Debug("story rejected: queue full", "user", userID, "priority", priority.String(), "depth", depth)
		if m.hooks.OnRejected != nil {
			m.hooks.OnRejected(userID, priority, trigger)
		}
		return "", false
	}
	e := &entry{story: s}
	h.push(e)
	m.registry[s.ID] = e
	snap := *s
	m.mu.Unlock()

	m.log.Debug("story queued", "user", userID, "id", s.ID, "priority", priority.String(), "trigger", string(trigger))
	if m.hooks.OnQueued != nil {
		m.hooks.OnQueued(snap)
	}
	m.maybeSignalSweep(now)
	return s.ID, true
}

// ─── Next ────────────────────────────────────────────────────────────────────

// GetNextStory returns a copy of the user's head story when it is ready and
// the spacing rule allows a delivery now. It never looks past the head.
// Delivery state is not changed; callers confirm with MarkDelivered.
func (m *Manager) GetNextStory(userID string) (*types.QueuedStory, bool) {
	now := m.now()

	m.mu.Lock()
	e := m.nextLocked(userID, now)
	var out *types.QueuedStory
	if e != nil {
		out = e.story.Clone()
	}
	m.mu.Unlock()

	return out, out != nil
}

// ClaimNextStory is GetNextStory followed by MarkStoryInProgress, atomically.
// Two consumers for the same user never claim the same story.
func (m *Manager) ClaimNextStory(userID string) (*types.QueuedStory, bool) {
	now := m.now()

	m.mu.Lock()
	e := m.nextLocked(userID, now)
	var out *types.QueuedStory
	if e != nil {
		m.inProgress[e.story.ID] = struct{}{}
		out = e.story.Clone()
	}
	m.mu.Unlock()

	return out, out != nil
}

func (m *Manager) nextLocked(userID string, now time.Time) *entry {
	h := m.heaps[userID]
	if h == nil {
		return nil
	}
	m.pruneLocked(h, now)

	head := h.peek()
	if head == nil {
		return nil
	}
	if !m.readyLocked(head, now) {
		m.log.Debug("head not ready", "user", userID, "id", head.story.ID)
		return nil
	}
	if !m.spacedLocked(userID, now) {
		m.log.Debug("spacing not satisfied", "user", userID)
		return nil
	}
	return head
}

func (m *Manager) readyLocked(e *entry, now time.Time) bool {
	_, busy := m.inProgress[e.story.ID]
	return ready(e.story, busy, now)
}

func (m *Manager) spacedLocked(userID string, now time.Time) bool {
	if m.cfg.MinStorySpacing <= 0 {
		return true
	}
	last, ok := m.lastDelivered[userID]
	return !ok || now.Sub(last) >= m.cfg.MinStorySpacing
}

// pruneLocked is the lazy cleanup: it drops delivered and expired stories,
// then re-heapifies once. A story past its LatestTime stays until it expires
// and blocks the stories behind it.
func (m *Manager) pruneLocked(h *storyHeap, now time.Time) {
	h.filter(func(e *entry) bool {
		s := e.story
		return !s.Delivered && !s.Expired(now)
	})
}

// ─── In progress ─────────────────────────────────────────────────────────────

// MarkStoryInProgress hides the story from GetNextStory until MarkDelivered
// is called for it. It is idempotent and reports whether the ID is known.
func (m *Manager) MarkStoryInProgress(storyID string) bool {
	m.mu.Lock()
	e, ok := m.registry[storyID]
	if ok && !e.story.Delivered {
		m.inProgress[storyID] = struct{}{}
	}
	m.mu.Unlock()

	if !ok {
		m.log.Warn("mark in progress: unknown story", "id", storyID)
	}
	return ok
}

// ─── Deliver ─────────────────────────────────────────────────────────────────

// MarkDelivered records the outcome of a delivery attempt and reports whether
// the story ID was known.
//
// Success retires the story and restarts the user's spacing window. Failure
// counts an attempt; once MaxAttempts is reached the story is given up: it is
// marked Delivered and GaveUp and leaves the heap. The in-progress flag is
// cleared either way. A story already in a terminal state, including one that
// expired unclaimed, is left untouched.
func (m *Manager) MarkDelivered(storyID string, success bool) bool {
	now := m.now()

	m.mu.Lock()
	e, ok := m.registry[storyID]
	if !ok {
		m.mu.Unlock()
		m.log.Warn("mark delivered: unknown story", "id", storyID, "success", success)
		return false
	}
	_, busy := m.inProgress[storyID]
	from := stateOf(e, busy, now)
	if from.Terminal() {
		delete(m.inProgress, storyID)
		m.mu.Unlock()
		m.log.Debug("mark delivered: already retired", "id", storyID, "state", string(from))
		return true
	}
	delete(m.inProgress, storyID)

	s := e.story
	gaveUp := false
	if success {
		s.Delivered = true
		s.DeliveredAt = now
		m.lastDelivered[s.UserID] = now
		m.unlinkLocked(e)
	} else {
		s.Attempts++
		s.LastAttemptAt = now
		if s.Attempts >= m.cfg.MaxAttempts {
			gaveUp = true
			s.Delivered = true
			s.GaveUp = true
			m.unlinkLocked(e)
		}
	}
	to := stateOf(e, false, now)
	snap := *s
	m.mu.Unlock()

	m.checkTransition(storyID, from, to)

	switch {
	case success:
		m.log.Debug("story delivered", "user", snap.UserID, "id", storyID)
		if m.hooks.OnDelivered != nil {
			m.hooks.OnDelivered(snap)
		}
	default:
		if gaveUp {
			m.log.Info("story given up", "user", snap.UserID, "id", storyID, "attempts", snap.Attempts)
		}
		if m.hooks.OnFailed != nil {
			m.hooks.OnFailed(snap, gaveUp)
		}
	}
	return true
}

// checkTransition logs a lifecycle change the state table does not allow.
// A failed attempt below the limit leaves a pending story pending.
func (m *Manager) checkTransition(storyID string, from, to State) {
	if from != to && !ValidTransition(from, to) {
		m.log.Error("illegal story transition", "id", storyID, "from", string(from), "to", string(to))
	}
}

// unlinkLocked removes e from its user's heap if it is still there.
func (m *Manager) unlinkLocked(e *entry) {
	if e.idx < 0 {
		return
	}
	h := m.heaps[e.story.UserID]
	if h == nil {
		return
	}
	h.remove(e)
}

// ─── Stats ───────────────────────────────────────────────────────────────────

// GetQueueStats summarises one user's queue without side effects.
func (m *Manager) GetQueueStats(userID string) types.QueueStats {
	now := m.now()
	st := types.QueueStats{
		UserID:     userID,
		ByPriority: make(map[types.Priority]int, len(types.Priorities)),
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	st.LastDeliveredAt = m.lastDelivered[userID]
	h := m.heaps[userID]
	if h == nil {
		return st
	}

	// The head after lazy cleanup is the minimum live entry; find it without
	// pruning, since this is a read-only view.
	var head *entry
	for _, e := range h.items {
		s := e.story
		if s.Delivered || s.Expired(now) {
			continue
		}
		st.Live++
		st.ByPriority[s.Priority]++
		if _, busy := m.inProgress[s.ID]; busy {
			st.InProgress++
		}
		if head == nil || less(e, head) {
			head = e
		}
	}
	st.Ready = head != nil && m.readyLocked(head, now) && m.spacedLocked(userID, now)
	return st
}

// ─── Clear ───────────────────────────────────────────────────────────────────

// ClearUserQueue retires every live story of userID and returns how many were
// cleared. Registry records are kept. A story already handed to a consumer is
// not interrupted, but its outcome will no longer be recorded.
func (m *Manager) ClearUserQueue(userID string) int {
	now := m.now()

	m.mu.Lock()
	h := m.heaps[userID]
	if h == nil {
		m.mu.Unlock()
		return 0
	}
	var cleared []types.QueuedStory
	for _, e := range h.drain() {
		s := e.story
		_, busy := m.inProgress[s.ID]
		delete(m.inProgress, s.ID)
		if stateOf(e, busy, now).Terminal() {
			continue
		}
		s.Delivered = true
		s.DeliveredAt = now
		e.cleared = true
		cleared = append(cleared, *s)
	}
	delete(m.heaps, userID)
	m.mu.Unlock()

	if len(cleared) > 0 {
		m.log.Debug("queue cleared", "user", userID, "count", len(cleared))
		if m.hooks.OnCleared != nil {
			m.hooks.OnCleared(userID, cleared)
		}
	}
	return len(cleared)
}

// ─── Lookup ──────────────────────────────────────────────────────────────────

// Lookup returns a copy of a registry record and its lifecycle state.
func (m *Manager) Lookup(storyID string) (types.QueuedStory, State, bool) {
	now := m.now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.registry[storyID]
	if !ok {
		return types.QueuedStory{}, "", false
	}
	_, busy := m.inProgress[storyID]
	return *e.story, stateOf(e, busy, now), true
}

// Totals is a process-wide snapshot.
type Totals struct {
	Users      int `json:"users"`
	Live       int `json:"live"`
	InProgress int `json:"in_progress"`
	Registry   int `json:"registry"`
}

// Totals counts users with a heap, heap entries, claimed stories and registry
// records. Heap entries may include stories that lazy cleanup has not yet
// dropped.
func (m *Manager) Totals() Totals {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t := Totals{
		Users:      len(m.heaps),
		InProgress: len(m.inProgress),
		Registry:   len(m.registry),
	}
	for _, h := range m.heaps {
		t.Live += h.len()
	}
	return t
}

// Len returns the number of registry records.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.registry)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the sweep worker and waits for an in-flight sweep to finish.
// It is safe to call more than once. The Manager stays usable afterwards, it
// just never sweeps again.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.done) })
	m.wg.Wait()
}
