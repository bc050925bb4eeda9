package session_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/storyq/internal/session"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time { c.mu.Lock(); defer c.mu.Unlock(); return c.t }

func (c *clock) Advance(d time.Duration) { c.mu.Lock(); c.t = c.t.Add(d); c.mu.Unlock() }

func newRegistry(idle time.Duration) (*session.Registry, *clock) {
	clk := &clock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	return session.New(idle, session.WithClock(clk.Now)), clk
}

func TestStart_CreatesOnceWhileActive(t *testing.T) {
	r, clk := newRegistry(time.Hour)

	s1, created, err := r.Start("u1")
	require.NoError(t, err)
	assert.True(t, created)

	clk.Advance(10 * time.Minute)
	s2, created, err := r.Start("u1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, s1.ID, s2.ID)
	assert.Equal(t, clk.Now(), s2.LastSeen)
}

func TestStart_ReplacesIdleTrip(t *testing.T) {
	r, clk := newRegistry(time.Hour)
	s1, _, err := r.Start("u1")
	require.NoError(t, err)

	clk.Advance(2 * time.Hour)
	s2, created, err := r.Start("u1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, s1.ID, s2.ID)
}

func TestStart_InvalidUser(t *testing.T) {
	r, _ := newRegistry(time.Hour)
	for _, id := range []string{"", "has space", "-leading", string(make([]byte, 200))} {
		_, _, err := r.Start(id)
		assert.ErrorIs(t, err, session.ErrInvalidUser, "id %q", id)
	}
	assert.True(t, session.ValidUserID("driver@fleet:42"))
}

func TestSetPositionAndEnd(t *testing.T) {
	r, _ := newRegistry(time.Hour)

	_, err := r.SetPosition("ghost", 1, 2)
	assert.ErrorIs(t, err, session.ErrNotFound)

	_, _, err = r.Start("u1")
	require.NoError(t, err)
	s, err := r.SetPosition("u1", 51.5055, -0.0754)
	require.NoError(t, err)
	assert.True(t, s.HasPosition)
	assert.InDelta(t, 51.5055, s.Lat, 1e-9)

	ended, err := r.End("u1")
	require.NoError(t, err)
	assert.Equal(t, s.ID, ended.ID)

	_, err = r.Get("u1")
	assert.ErrorIs(t, err, session.ErrNotFound)
	_, err = r.End("u1")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestActiveAndPrune(t *testing.T) {
	r, clk := newRegistry(30 * time.Minute)

	for _, u := range []string{"c", "a", "b"} {
		_, _, err := r.Start(u)
		require.NoError(t, err)
	}
	clk.Advance(20 * time.Minute)
	_, err := r.Touch("b")
	require.NoError(t, err)
	clk.Advance(15 * time.Minute)

	active := r.Active(clk.Now())
	require.Len(t, active, 1)
	assert.Equal(t, "b", active[0].UserID)
	assert.True(t, r.IsActive("b"))
	assert.False(t, r.IsActive("a"))

	// Idle sessions remain visible until pruned.
	_, err = r.Get("a")
	require.NoError(t, err)

	pruned := r.PruneIdle(clk.Now())
	assert.Len(t, pruned, 2)
	assert.Equal(t, 1, r.Len())
}
