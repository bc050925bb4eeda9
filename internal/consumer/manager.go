// Package consumer pushes claimed stories to webhook subscribers, typically
// the story generation and TTS pipeline.
//
// Every subscription runs its own polling loop: claim the user's next ready
// story, POST it, and report the outcome back to the broker. Only an HTTP 200
// counts as delivered; anything else is a failed attempt and the scheduler
// decides whether to retry or give up.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/snehjoshi/storyq/internal/broker"
	"github.com/snehjoshi/storyq/internal/node"
	"github.com/snehjoshi/storyq/internal/session"
	"github.com/snehjoshi/storyq/internal/types"
)

var (
	ErrSubscriptionNotFound = errors.New("consumer: subscription not found")
	ErrInvalidURL           = errors.New("consumer: webhook url must be absolute http or https")
	ErrInvalidUser          = errors.New("consumer: invalid user id")
	ErrTooManySubscriptions = errors.New("consumer: subscription limit reached for user")
)

// Claimer is the slice of the broker a delivery loop needs.
type Claimer interface {
	ClaimStory(userID string) (*types.QueuedStory, bool, error)
	MarkDelivered(storyID string, success bool) (broker.StoryView, error)
}

// Subscription is one registered webhook.
type Subscription struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`

	secret string
	cancel context.CancelFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithPollInterval sets how often each subscription tries to claim a story.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) { m.poll = d }
}

// WithTimeout bounds a single webhook POST.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.client.Timeout = d }
}

// WithMaxPerUser caps subscriptions per user. 0 means unlimited.
func WithMaxPerUser(n int) Option {
	return func(m *Manager) { m.maxPerUser = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// Manager owns the webhook subscriptions and their delivery loops.
type Manager struct {
	b          Claimer
	client     *http.Client
	poll       time.Duration
	maxPerUser int
	log        *slog.Logger

	mu   sync.RWMutex
	subs map[string]*Subscription
	wg   sync.WaitGroup
}

// NewManager creates a Manager delivering stories claimed from b.
func NewManager(b Claimer, opts ...Option) *Manager {
	m := &Manager{
		b:      b,
		client: &http.Client{Timeout: 10 * time.Second},
		poll:   time.Second,
		log:    slog.Default(),
		subs:   make(map[string]*Subscription),
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With("component", "consumer")
	return m
}

// Register subscribes rawURL to userID's stories and starts its loop.
func (m *Manager) Register(userID, rawURL, secret string) (Subscription, error) {
	if !session.ValidUserID(userID) {
		return Subscription{}, fmt.Errorf("%w: %q", ErrInvalidUser, userID)
	}
	if !validWebhookURL(rawURL) {
		return Subscription{}, ErrInvalidURL
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		ID:        node.MustNewID(),
		UserID:    userID,
		URL:       rawURL,
		CreatedAt: time.Now().UTC(),
		secret:    secret,
		cancel:    cancel,
	}

	m.mu.Lock()
	if m.maxPerUser > 0 && m.countLocked(userID) >= m.maxPerUser {
		m.mu.Unlock()
		cancel()
		return Subscription{}, fmt.Errorf("%w: %d", ErrTooManySubscriptions, m.maxPerUser)
	}
	m.subs[sub.ID] = sub
	m.wg.Add(1)
	m.mu.Unlock()

	go m.deliveryLoop(ctx, sub)
	m.log.Info("subscription registered", "id", sub.ID, "user", userID, "url", rawURL)
	return *sub, nil
}

func (m *Manager) countLocked(userID string) int {
	n := 0
	for _, s := range m.subs {
		if s.UserID == userID {
			n++
		}
	}
	return n
}

// Deregister stops and removes a subscription.
func (m *Manager) Deregister(id string) error {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}
	sub.cancel()
	m.log.Info("subscription deregistered", "id", id, "user", sub.UserID)
	return nil
}

// List returns the user's subscriptions, oldest first. An empty userID lists
// every subscription.
func (m *Manager) List(userID string) []Subscription {
	m.mu.RLock()
	out := make([]Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		if userID == "" || s.UserID == userID {
			out = append(out, *s)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close stops every loop and waits for in-flight deliveries to finish.
func (m *Manager) Close() {
	m.mu.Lock()
	for _, sub := range m.subs {
		sub.cancel()
	}
	m.subs = make(map[string]*Subscription)
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) deliveryLoop(ctx context.Context, sub *Subscription) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.deliverOne(ctx, sub)
		}
	}
}

// deliverOne claims at most one story. A story claimed here is always
// resolved, even when the loop is being cancelled, so it never stays in
// progress.
func (m *Manager) deliverOne(ctx context.Context, sub *Subscription) {
	story, ok, err := m.b.ClaimStory(sub.UserID)
	if err != nil {
		m.log.Warn("claim failed", "sub", sub.ID, "error", err)
		return
	}
	if !ok {
		return
	}

	derr := deliverStory(ctx, m.client, sub, story)
	if derr != nil {
		m.log.Warn("delivery failed", "sub", sub.ID, "story", story.ID, "attempt", story.Attempts+1, "error", derr)
	}
	view, err := m.b.MarkDelivered(story.ID, derr == nil)
	if err != nil {
		m.log.Warn("report outcome failed", "sub", sub.ID, "story", story.ID, "error", err)
		return
	}
	m.log.Debug("delivery reported", "sub", sub.ID, "story", story.ID, "state", view.State)
}

func validWebhookURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
