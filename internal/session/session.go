// Package session tracks active trips.
//
// A trip starts when a listener sets off and ends explicitly or by going
// idle. Only active trips receive scheduled stories, and ending a trip is
// the usual reason a user's queue gets cleared.
//
// Design rules:
//   - User IDs are 1-128 characters: letters, digits, '-', '_', '.', '@' or ':'.
//   - A session idle longer than the idle timeout is no longer active, though
//     it stays visible through Get until PruneIdle removes it.
//   - All methods are safe for concurrent use.
package session

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/snehjoshi/storyq/internal/node"
)

var userRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.@:\-]{0,127}$`)

// ErrNotFound is returned when the user has no session.
var ErrNotFound = errors.New("session: not found")

// ErrInvalidUser is returned for a user ID that fails validation.
var ErrInvalidUser = errors.New("session: invalid user id")

// ValidUserID reports whether id is an acceptable user ID.
func ValidUserID(id string) bool { return userRe.MatchString(id) }

// Session is one user's trip.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	StartedAt time.Time `json:"started_at"`
	LastSeen  time.Time `json:"last_seen"`

	HasPosition bool    `json:"has_position"`
	Lat         float64 `json:"lat,omitempty"`
	Lon         float64 `json:"lon,omitempty"`
}

// Registry is the in-memory set of sessions, one per user.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	idle     time.Duration
	now      func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a Registry whose sessions go inactive after idle.
func New(idle time.Duration, opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		idle:     idle,
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start begins a trip for userID. An existing active trip is kept and
// touched; created reports whether a new one was made.
func (r *Registry) Start(userID string) (s Session, created bool, err error) {
	if !ValidUserID(userID) {
		return Session{}, false, fmt.Errorf("%w: %q", ErrInvalidUser, userID)
	}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[userID]; ok && r.activeAt(cur, now) {
		cur.LastSeen = now
		return *cur, false, nil
	}
	cur := &Session{
		ID:        node.MustNewID(),
		UserID:    userID,
		StartedAt: now,
		LastSeen:  now,
	}
	r.sessions[userID] = cur
	return *cur, true, nil
}

// Touch marks the user's trip as seen now.
func (r *Registry) Touch(userID string) (Session, error) {
	return r.update(userID, func(*Session) {})
}

// SetPosition records the user's latest position and touches the trip.
func (r *Registry) SetPosition(userID string, lat, lon float64) (Session, error) {
	return r.update(userID, func(s *Session) {
		s.HasPosition = true
		s.Lat, s.Lon = lat, lon
	})
}

func (r *Registry) update(userID string, fn func(*Session)) (Session, error) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[userID]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	fn(s)
	s.LastSeen = now
	return *s, nil
}

// End removes the user's trip and returns it.
func (r *Registry) End(userID string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[userID]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	delete(r.sessions, userID)
	return *s, nil
}

// Get returns the user's trip, active or idle.
func (r *Registry) Get(userID string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[userID]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	return *s, nil
}

// IsActive reports whether userID has a trip that is not idle.
func (r *Registry) IsActive(userID string) bool {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[userID]
	return ok && r.activeAt(s, now)
}

// Active returns every non-idle trip at now, sorted by user ID.
func (r *Registry) Active(now time.Time) []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if r.activeAt(s, now) {
			out = append(out, *s)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// PruneIdle removes trips idle at now and returns them.
func (r *Registry) PruneIdle(now time.Time) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Session
	for user, s := range r.sessions {
		if !r.activeAt(s, now) {
			out = append(out, *s)
			delete(r.sessions, user)
		}
	}
	return out
}

// Len returns the number of sessions, idle ones included.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) activeAt(s *Session, now time.Time) bool {
	return r.idle <= 0 || now.Sub(s.LastSeen) < r.idle
}
