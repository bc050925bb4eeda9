package broker_test

import (
	"errors"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/snehjoshi/storyq/internal/broker"
	"github.com/snehjoshi/storyq/internal/config"
	"github.com/snehjoshi/storyq/internal/history"
	"github.com/snehjoshi/storyq/internal/metrics"
	"github.com/snehjoshi/storyq/internal/queue"
	"github.com/snehjoshi/storyq/internal/session"
	"github.com/snehjoshi/storyq/internal/types"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	b       *broker.Broker
	clk     *clock
	metrics *metrics.Registry
	history *history.Store
}

// newTestBroker builds a broker on a fake clock with spacing disabled and a
// history archive in a temp dir. mutate may adjust the config.
func newTestBroker(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Node.DataDir = t.TempDir()
	cfg.Queue.MinStorySpacingSeconds = 0
	cfg.Triggers.Proximity.RadiusMeters = 200
	cfg.Triggers.Proximity.POIs = []config.POI{
		{ID: "tower-bridge", Name: "Tower Bridge", Lat: 51.5055, Lon: -0.0754},
	}
	if mutate != nil {
		mutate(cfg)
	}

	h, err := history.Open(cfg.Node.DataDir + "/history.db")
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })

	clk := &clock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	reg := metrics.New()
	b, err := broker.New(cfg, "test-node",
		broker.WithClock(clk.Now),
		broker.WithMetrics(reg),
		broker.WithHistory(h))
	if err != nil {
		t.Fatalf("broker.New: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return &fixture{b: b, clk: clk, metrics: reg, history: h}
}

func mustQueue(t *testing.T, b *broker.Broker, user string, p types.Priority) string {
	t.Helper()
	res, err := b.QueueStory(broker.QueueRequest{UserID: user, Priority: p})
	if err != nil {
		t.Fatalf("QueueStory: %v", err)
	}
	if !res.Accepted {
		t.Fatalf("QueueStory(%s, %s) rejected", user, p)
	}
	return res.StoryID
}

// waitHistory polls until the user's archive holds n records.
func waitHistory(t *testing.T, h *history.Store, user string, n int) []history.Record {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		recs, err := h.List(user, 0)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(recs) == n {
			return recs
		}
		if time.Now().After(deadline) {
			t.Fatalf("history for %s: got %d records, want %d", user, len(recs), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// ─── Queue ───────────────────────────────────────────────────────────────────

func TestBroker_QueueStory_Validation(t *testing.T) {
	f := newTestBroker(t, nil)
	now := f.clk.Now()

	cases := map[string]broker.QueueRequest{
		"empty user":    {UserID: "", Priority: types.PriorityHigh},
		"bad user":      {UserID: "has space", Priority: types.PriorityHigh},
		"zero priority": {UserID: "u1"},
		"priority 6":    {UserID: "u1", Priority: 6},
		"bad trigger":   {UserID: "u1", Priority: types.PriorityLow, TriggerType: "telepathy"},
		"inverted window": {UserID: "u1", Priority: types.PriorityLow, Options: types.QueueOptions{
			EarliestTime: now.Add(time.Hour), LatestTime: now,
		}},
		"negative duration": {UserID: "u1", Priority: types.PriorityLow, Options: types.QueueOptions{
			EstimatedDurationSeconds: -1,
		}},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.b.QueueStory(req)
			if !errors.Is(err, broker.ErrInvalidRequest) {
				t.Fatalf("err = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestBroker_QueueStory_DefaultsTrigger(t *testing.T) {
	f := newTestBroker(t, nil)
	id := mustQueue(t, f.b, "u1", types.PriorityMedium)

	v, err := f.b.Story(id)
	if err != nil {
		t.Fatalf("Story: %v", err)
	}
	if v.TriggerType != types.TriggerContextual {
		t.Errorf("trigger = %q, want contextual", v.TriggerType)
	}
	if v.State != queue.StatePending {
		t.Errorf("state = %s, want pending", v.State)
	}
	if got := testutil.ToFloat64(f.metrics.Queued.WithLabelValues("medium", "contextual")); got != 1 {
		t.Errorf("queued metric = %v, want 1", got)
	}
}

func TestBroker_QueueStory_FullQueueIsNotAnError(t *testing.T) {
	f := newTestBroker(t, func(c *config.Config) { c.Queue.MaxQueueSizePerUser = 1 })
	mustQueue(t, f.b, "u1", types.PriorityLow)

	res, err := f.b.QueueStory(broker.QueueRequest{UserID: "u1", Priority: types.PriorityLow})
	if err != nil {
		t.Fatalf("QueueStory: %v", err)
	}
	if res.Accepted || res.StoryID != "" {
		t.Fatalf("expected rejection, got %+v", res)
	}
	if got := testutil.ToFloat64(f.metrics.Rejected.WithLabelValues("low")); got != 1 {
		t.Errorf("rejected metric = %v, want 1", got)
	}

	// Urgent stories bypass the cap.
	mustQueue(t, f.b, "u1", types.PriorityImmediate)
}

// ─── Consume ─────────────────────────────────────────────────────────────────

func TestBroker_Claim_Deliver_Archives(t *testing.T) {
	f := newTestBroker(t, nil)
	id := mustQueue(t, f.b, "u1", types.PriorityHigh)

	peek, ok, err := f.b.NextStory("u1")
	if err != nil || !ok || peek.ID != id {
		t.Fatalf("NextStory = %v, %v, %v", peek, ok, err)
	}

	got, ok, err := f.b.ClaimStory("u1")
	if err != nil || !ok || got.ID != id {
		t.Fatalf("ClaimStory = %v, %v, %v", got, ok, err)
	}
	if _, ok, _ := f.b.ClaimStory("u1"); ok {
		t.Fatal("claimed story returned twice")
	}

	v, err := f.b.MarkDelivered(id, true)
	if err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	if v.State != queue.StateDelivered || v.DeliveredAt.IsZero() {
		t.Errorf("after delivery: state=%s delivered_at=%v", v.State, v.DeliveredAt)
	}
	if got := testutil.ToFloat64(f.metrics.Delivered.WithLabelValues("high")); got != 1 {
		t.Errorf("delivered metric = %v, want 1", got)
	}

	recs := waitHistory(t, f.history, "u1", 1)
	if recs[0].Outcome != history.OutcomeDelivered || recs[0].Story.ID != id {
		t.Errorf("archived %+v", recs[0])
	}
	if recs[0].Node != "" && recs[0].Node != "test-node" {
		t.Errorf("node = %q", recs[0].Node)
	}
}

func TestBroker_MarkDelivered_GiveUp(t *testing.T) {
	f := newTestBroker(t, func(c *config.Config) { c.Queue.MaxAttempts = 2 })
	id := mustQueue(t, f.b, "u1", types.PriorityMedium)

	for i := 0; i < 2; i++ {
		if _, err := f.b.MarkDelivered(id, false); err != nil {
			t.Fatalf("MarkDelivered #%d: %v", i, err)
		}
	}
	v, _ := f.b.Story(id)
	if v.State != queue.StateGaveUp || !v.GaveUp {
		t.Fatalf("state = %s gave_up=%v, want gave_up", v.State, v.GaveUp)
	}
	if got := testutil.ToFloat64(f.metrics.GaveUp); got != 1 {
		t.Errorf("gave_up metric = %v, want 1", got)
	}
	recs := waitHistory(t, f.history, "u1", 1)
	if recs[0].Outcome != history.OutcomeGaveUp {
		t.Errorf("outcome = %s, want gave_up", recs[0].Outcome)
	}
}

func TestBroker_UnknownStory(t *testing.T) {
	f := newTestBroker(t, nil)

	if _, err := f.b.MarkDelivered("nope", true); !errors.Is(err, broker.ErrUnknownStory) {
		t.Errorf("MarkDelivered err = %v", err)
	}
	if err := f.b.MarkInProgress("nope"); !errors.Is(err, broker.ErrUnknownStory) {
		t.Errorf("MarkInProgress err = %v", err)
	}
	if _, err := f.b.Story("nope"); !errors.Is(err, broker.ErrUnknownStory) {
		t.Errorf("Story err = %v", err)
	}
}

func TestBroker_MarkInProgress_HidesStory(t *testing.T) {
	f := newTestBroker(t, nil)
	id := mustQueue(t, f.b, "u1", types.PriorityHigh)

	if err := f.b.MarkInProgress(id); err != nil {
		t.Fatalf("MarkInProgress: %v", err)
	}
	if _, ok, _ := f.b.NextStory("u1"); ok {
		t.Fatal("in-progress story still offered")
	}
	st, _ := f.b.Stats("u1")
	if st.InProgress != 1 {
		t.Errorf("in_progress = %d, want 1", st.InProgress)
	}
}

// ─── Trips ───────────────────────────────────────────────────────────────────

func TestBroker_EndTrip_ClearsQueue(t *testing.T) {
	f := newTestBroker(t, nil)

	if _, created, err := f.b.StartTrip("u1"); err != nil || !created {
		t.Fatalf("StartTrip = %v, %v", created, err)
	}
	if _, created, _ := f.b.StartTrip("u1"); created {
		t.Error("second StartTrip created a new session")
	}
	mustQueue(t, f.b, "u1", types.PriorityLow)
	mustQueue(t, f.b, "u1", types.PriorityMedium)

	end, err := f.b.EndTrip("u1")
	if err != nil {
		t.Fatalf("EndTrip: %v", err)
	}
	if end.Cleared != 2 {
		t.Errorf("cleared = %d, want 2", end.Cleared)
	}
	if st, _ := f.b.Stats("u1"); st.Live != 0 {
		t.Errorf("live = %d after trip end", st.Live)
	}
	waitHistory(t, f.history, "u1", 2)

	if _, err := f.b.EndTrip("u1"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("second EndTrip err = %v, want ErrNotFound", err)
	}
}

func TestBroker_EndTrip_KeepsQueueWhenConfigured(t *testing.T) {
	f := newTestBroker(t, func(c *config.Config) { c.Sessions.ClearOnEnd = false })
	_, _, _ = f.b.StartTrip("u1")
	mustQueue(t, f.b, "u1", types.PriorityLow)

	end, err := f.b.EndTrip("u1")
	if err != nil || end.Cleared != 0 {
		t.Fatalf("EndTrip = %+v, %v", end, err)
	}
	if st, _ := f.b.Stats("u1"); st.Live != 1 {
		t.Errorf("live = %d, want 1", st.Live)
	}
}

func TestBroker_UpdatePosition_FiresProximity(t *testing.T) {
	f := newTestBroker(t, nil)

	upd, err := f.b.UpdatePosition("u1", 51.5055, -0.0754)
	if err != nil {
		t.Fatalf("UpdatePosition: %v", err)
	}
	if !upd.Session.HasPosition {
		t.Error("session has no position")
	}
	if len(upd.Fired) != 1 || !upd.Fired[0].Accepted {
		t.Fatalf("fired = %+v", upd.Fired)
	}

	s, ok, _ := f.b.NextStory("u1")
	if !ok || s.TriggerType != types.TriggerProximity || s.Priority != types.PriorityHigh {
		t.Fatalf("next = %+v, %v", s, ok)
	}

	// Cooldown: same spot, nothing new.
	upd, _ = f.b.UpdatePosition("u1", 51.5055, -0.0754)
	if len(upd.Fired) != 0 {
		t.Errorf("fired again during cooldown: %+v", upd.Fired)
	}

	if _, err := f.b.UpdatePosition("u1", 91, 0); !errors.Is(err, broker.ErrInvalidRequest) {
		t.Errorf("out of range err = %v", err)
	}
}

// ─── Inspect ─────────────────────────────────────────────────────────────────

func TestBroker_Summary(t *testing.T) {
	f := newTestBroker(t, nil)
	mustQueue(t, f.b, "u1", types.PriorityLow)
	mustQueue(t, f.b, "u2", types.PriorityLow)
	_, _, _ = f.b.StartTrip("u1")

	s := f.b.Summary()
	if s.NodeID != "test-node" {
		t.Errorf("node = %q", s.NodeID)
	}
	if s.Queue.Users != 2 || s.Queue.Live != 2 {
		t.Errorf("queue totals = %+v", s.Queue)
	}
	if s.Sessions != 1 || s.ActiveTrips != 1 {
		t.Errorf("sessions = %d active = %d", s.Sessions, s.ActiveTrips)
	}
	if s.POIs != 1 {
		t.Errorf("pois = %d", s.POIs)
	}
	if s.History == nil {
		t.Error("history stats missing")
	}
}

func TestBroker_PruneHistory(t *testing.T) {
	f := newTestBroker(t, nil)
	id := mustQueue(t, f.b, "u1", types.PriorityHigh)
	if _, err := f.b.MarkDelivered(id, true); err != nil {
		t.Fatal(err)
	}
	waitHistory(t, f.history, "u1", 1)

	f.clk.Advance(config.MustDuration(config.Default().History.Retention) + time.Hour)
	f.b.PruneHistory()
	waitHistory(t, f.history, "u1", 0)
}

func TestBroker_HistoryDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.Node.DataDir = t.TempDir()
	cfg.History.Enabled = false
	b, err := broker.New(cfg, "n")
	if err != nil {
		t.Fatalf("broker.New: %v", err)
	}
	defer b.Close()

	if _, err := b.History("u1", 10); !errors.Is(err, broker.ErrHistoryDisabled) {
		t.Errorf("err = %v, want ErrHistoryDisabled", err)
	}
	if b.Summary().History != nil {
		t.Error("summary reports history while disabled")
	}
}

func TestBroker_OwnsHistoryFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Node.DataDir = t.TempDir()
	cfg.Queue.MinStorySpacingSeconds = 0
	b, err := broker.New(cfg, "n")
	if err != nil {
		t.Fatalf("broker.New: %v", err)
	}
	id := mustQueue(t, b, "u1", types.PriorityHigh)
	if _, err := b.MarkDelivered(id, true); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Close flushed the archive; reopen it directly.
	h, err := history.Open(cfg.Node.DataDir + "/history.db")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer h.Close()
	if n, _ := h.Count(); n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestBroker_New_BadPOIFileReleasesResources(t *testing.T) {
	cfg := config.Default()
	cfg.Node.DataDir = t.TempDir()
	cfg.Triggers.Proximity.Enabled = true
	cfg.Triggers.Proximity.POIFile = filepath.Join(cfg.Node.DataDir, "missing.geojson")

	base := runtime.NumGoroutine()
	for i := 0; i < 5; i++ {
		if _, err := broker.New(cfg, "n"); err == nil {
			t.Fatal("expected an error for a missing POI file")
		}
	}

	// The owned archive was closed, so its file lock is free.
	h, err := history.Open(filepath.Join(cfg.Node.DataDir, "history.db"))
	if err != nil {
		t.Fatalf("reopen history: %v", err)
	}
	_ = h.Close()

	deadline := time.Now().Add(2 * time.Second)
	for runtime.NumGoroutine() > base {
		if time.Now().After(deadline) {
			t.Fatalf("goroutines: %d, want <= %d", runtime.NumGoroutine(), base)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
