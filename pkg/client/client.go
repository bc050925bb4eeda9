// Package client is the Go SDK for the storyq HTTP API.
//
// # Quick start
//
//	c := client.New("http://localhost:8080")
//
//	// Queue a story for the user, deliverable in the next ten minutes
//	res, err := c.QueueStory(ctx, "u1", client.PriorityHigh,
//	    client.WithTrigger("proximity"),
//	    client.WithContext(map[string]any{"poi": "tower-bridge"}),
//	    client.WithLatest(time.Now().Add(10*time.Minute)))
//
//	// Narrate
//	s, err := c.ClaimStory(ctx, "u1")
//	if s != nil {
//	    narrate(s)
//	    c.MarkDelivered(ctx, s.ID, true)
//	}
//
// # Error handling
//
// All methods return an *APIError when the server responds with a non-2xx
// status code. Use IsNotFound or errors.As to inspect it.
//
// # Connection reuse
//
// Client is safe for concurrent use. It shares a single http.Client
// internally so connections are reused across goroutines.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ─── Error type ──────────────────────────────────────────────────────────────

// APIError is returned when the server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("storyq: server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the error is a 404 from the server.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// IsBadRequest reports whether the error is a 400 from the server.
func IsBadRequest(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusBadRequest
}

// ─── Priority ────────────────────────────────────────────────────────────────

// Priority is a story's urgency; lower is more urgent. It is sent as a number
// and read back from the server's name form.
type Priority int

const (
	PriorityImmediate Priority = 1
	PriorityHigh      Priority = 2
	PriorityMedium    Priority = 3
	PriorityLow       Priority = 4
	PriorityDeferred  Priority = 5
)

var priorityNames = [...]string{"", "immediate", "high", "medium", "low", "deferred"}

func (p Priority) String() string {
	if p < PriorityImmediate || p > PriorityDeferred {
		return "unknown"
	}
	return priorityNames[p]
}

// ParsePriority accepts a name ("high") or a number ("2").
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil && n >= 1 && n <= 5 {
		return Priority(n), nil
	}
	for i := 1; i < len(priorityNames); i++ {
		if priorityNames[i] == s {
			return Priority(i), nil
		}
	}
	return 0, fmt.Errorf("storyq: unknown priority %q", s)
}

// UnmarshalText decodes the server's name form.
func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ─── Client options ──────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the API key sent in every request as the X-Api-Key header.
// Required when the server has auth.enabled = true.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout. The default is 30 seconds.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ──────────────────────────────────────────────────────────────────

// Client is the storyq API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a Client for the server at baseURL.
//
//	c := client.New("http://localhost:8080")
//	c := client.New("https://storyq.example.com", client.WithAPIKey("secret"))
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Story options ───────────────────────────────────────────────────────────

// StoryOption configures a single QueueStory call.
type StoryOption func(*queuePayload)

// WithTrigger sets the trigger type, e.g. "proximity". The default is
// "contextual".
func WithTrigger(t string) StoryOption {
	return func(p *queuePayload) { p.TriggerType = t }
}

// WithContext attaches the opaque story context.
func WithContext(ctx map[string]any) StoryOption {
	return func(p *queuePayload) { p.Context = ctx }
}

// WithEarliest sets the instant before which the story must not be delivered.
func WithEarliest(t time.Time) StoryOption {
	return func(p *queuePayload) { p.EarliestTime = &t }
}

// WithDelay is WithEarliest relative to now.
func WithDelay(d time.Duration) StoryOption {
	return func(p *queuePayload) { t := time.Now().Add(d); p.EarliestTime = &t }
}

// WithLatest sets the instant after which the story is no longer useful.
func WithLatest(t time.Time) StoryOption {
	return func(p *queuePayload) { p.LatestTime = &t }
}

// WithExpiresAt overrides the server's default expiry.
func WithExpiresAt(t time.Time) StoryOption {
	return func(p *queuePayload) { p.ExpiresAt = &t }
}

// WithEstimatedDuration records the expected narration length.
func WithEstimatedDuration(d time.Duration) StoryOption {
	return func(p *queuePayload) { p.EstimatedDurationSeconds = int(d / time.Second) }
}

// ─── Public types ────────────────────────────────────────────────────────────

// Story is a queued story as returned by the server.
type Story struct {
	ID                       string         `json:"id"`
	UserID                   string         `json:"user_id"`
	Priority                 Priority       `json:"priority"`
	TriggerType              string         `json:"trigger_type"`
	Context                  map[string]any `json:"context,omitempty"`
	EarliestTime             time.Time      `json:"earliest_time"`
	LatestTime               time.Time      `json:"latest_time"`
	ExpiresAt                time.Time      `json:"expires_at"`
	EstimatedDurationSeconds int            `json:"estimated_duration_seconds"`
	CreatedAt                time.Time      `json:"created_at"`
	Attempts                 int            `json:"attempts"`
	LastAttemptAt            time.Time      `json:"last_attempt_at"`
	Delivered                bool           `json:"delivered"`
	DeliveredAt              time.Time      `json:"delivered_at"`
	GaveUp                   bool           `json:"gave_up"`
}

// StoryStatus is a story with its lifecycle state: pending, in_progress,
// delivered, gave_up, cleared or expired.
type StoryStatus struct {
	Story
	State string `json:"state"`
}

// QueueResult reports whether the server accepted a story.
type QueueResult struct {
	StoryID  string `json:"story_id"`
	Accepted bool   `json:"accepted"`
}

// Stats summarises one user's queue.
type Stats struct {
	UserID          string         `json:"user_id"`
	Live            int            `json:"live"`
	ByPriority      map[string]int `json:"by_priority"`
	InProgress      int            `json:"in_progress"`
	Ready           bool           `json:"ready"`
	LastDeliveredAt time.Time      `json:"last_delivered_at"`
}

// HistoryRecord is one archived story.
type HistoryRecord struct {
	Story      Story     `json:"story"`
	Outcome    string    `json:"outcome"`
	ArchivedAt time.Time `json:"archived_at"`
	Node       string    `json:"node"`
}

// Trip is a user's trip session.
type Trip struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	StartedAt   time.Time `json:"started_at"`
	LastSeen    time.Time `json:"last_seen"`
	HasPosition bool      `json:"has_position"`
	Lat         float64   `json:"lat"`
	Lon         float64   `json:"lon"`
}

// Fired is a proximity story triggered by a position update.
type Fired struct {
	POIID    string  `json:"poi_id"`
	Distance float64 `json:"distance_m"`
	StoryID  string  `json:"story_id"`
	Accepted bool    `json:"accepted"`
}

// Subscription is a registered webhook.
type Subscription struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}

// HealthInfo is returned by the /health endpoint.
type HealthInfo struct {
	Status   string `json:"status"`
	NodeID   string `json:"node_id"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
}

// Summary is the server-wide snapshot from /api/summary.
type Summary struct {
	NodeID string `json:"node_id"`
	Queue  struct {
		Users      int `json:"users"`
		Live       int `json:"live"`
		InProgress int `json:"in_progress"`
		Registry   int `json:"registry"`
	} `json:"queue"`
	Sessions      int `json:"sessions"`
	ActiveTrips   int `json:"active_trips"`
	POIs          int `json:"pois"`
	HistoryStored int `json:"history_stored"`
}

// ─── Stories ─────────────────────────────────────────────────────────────────

// QueueStory submits a story for userID. A full queue is not an error:
// the result reports Accepted=false.
func (c *Client) QueueStory(ctx context.Context, userID string, p Priority, opts ...StoryOption) (*QueueResult, error) {
	payload := queuePayload{Priority: int(p)}
	for _, o := range opts {
		o(&payload)
	}
	var res QueueResult
	if err := c.do(ctx, http.MethodPost, userPath(userID, "stories"), payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// NextStory peeks at the user's next ready story. It returns nil, nil when
// nothing is ready.
func (c *Client) NextStory(ctx context.Context, userID string) (*Story, error) {
	return c.next(ctx, userID, false)
}

// ClaimStory returns the user's next ready story and marks it in progress.
// It returns nil, nil when nothing is ready.
func (c *Client) ClaimStory(ctx context.Context, userID string) (*Story, error) {
	return c.next(ctx, userID, true)
}

func (c *Client) next(ctx context.Context, userID string, claim bool) (*Story, error) {
	path := userPath(userID, "stories/next")
	if claim {
		path += "?claim=true"
	}
	var s Story
	if err := c.do(ctx, http.MethodGet, path, nil, &s); err != nil {
		return nil, err
	}
	if s.ID == "" {
		return nil, nil
	}
	return &s, nil
}

// GetStory looks a story up by ID.
func (c *Client) GetStory(ctx context.Context, storyID string) (*StoryStatus, error) {
	var s StoryStatus
	if err := c.do(ctx, http.MethodGet, storyPath(storyID, ""), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// MarkInProgress hides a story from NextStory until its outcome is reported.
func (c *Client) MarkInProgress(ctx context.Context, storyID string) error {
	return c.do(ctx, http.MethodPost, storyPath(storyID, "in-progress"), nil, nil)
}

// MarkDelivered reports a delivery outcome.
func (c *Client) MarkDelivered(ctx context.Context, storyID string, success bool) (*StoryStatus, error) {
	var s StoryStatus
	body := map[string]bool{"success": success}
	if err := c.do(ctx, http.MethodPost, storyPath(storyID, "delivery"), body, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Stats returns the user's queue summary.
func (c *Client) Stats(ctx context.Context, userID string) (*Stats, error) {
	var s Stats
	if err := c.do(ctx, http.MethodGet, userPath(userID, "stats"), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ClearQueue retires every live story of the user and returns how many.
func (c *Client) ClearQueue(ctx context.Context, userID string) (int, error) {
	var resp struct {
		Cleared int `json:"cleared"`
	}
	if err := c.do(ctx, http.MethodDelete, userPath(userID, "stories"), nil, &resp); err != nil {
		return 0, err
	}
	return resp.Cleared, nil
}

// History lists the user's archived stories, newest first. limit <= 0 uses
// the server default.
func (c *Client) History(ctx context.Context, userID string, limit int) ([]HistoryRecord, error) {
	path := userPath(userID, "history")
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Records []HistoryRecord `json:"records"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// ─── Trips ───────────────────────────────────────────────────────────────────

// StartTrip begins or resumes the user's trip. created is false when a trip
// was already running.
func (c *Client) StartTrip(ctx context.Context, userID string) (trip *Trip, created bool, err error) {
	var resp struct {
		Session Trip `json:"session"`
		Created bool `json:"created"`
	}
	if err := c.do(ctx, http.MethodPost, userPath(userID, "trip"), nil, &resp); err != nil {
		return nil, false, err
	}
	return &resp.Session, resp.Created, nil
}

// EndTrip ends the user's trip and returns how many stories were cleared.
func (c *Client) EndTrip(ctx context.Context, userID string) (*Trip, int, error) {
	var resp struct {
		Session Trip `json:"session"`
		Cleared int  `json:"cleared"`
	}
	if err := c.do(ctx, http.MethodDelete, userPath(userID, "trip"), nil, &resp); err != nil {
		return nil, 0, err
	}
	return &resp.Session, resp.Cleared, nil
}

// UpdatePosition reports the user's position and returns the proximity
// stories it triggered.
func (c *Client) UpdatePosition(ctx context.Context, userID string, lat, lon float64) ([]Fired, error) {
	var resp struct {
		Fired []Fired `json:"fired"`
	}
	body := map[string]float64{"lat": lat, "lon": lon}
	if err := c.do(ctx, http.MethodPost, userPath(userID, "position"), body, &resp); err != nil {
		return nil, err
	}
	return resp.Fired, nil
}

// ─── Subscriptions ───────────────────────────────────────────────────────────

// Subscribe registers a webhook receiving the user's stories. When secret is
// set, each POST carries an X-Storyq-Signature HMAC-SHA256 header.
func (c *Client) Subscribe(ctx context.Context, userID, webhookURL, secret string) (*Subscription, error) {
	var s Subscription
	body := map[string]string{"url": webhookURL, "secret": secret}
	if err := c.do(ctx, http.MethodPost, userPath(userID, "subscriptions"), body, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Subscriptions lists the user's webhooks.
func (c *Client) Subscriptions(ctx context.Context, userID string) ([]Subscription, error) {
	var resp struct {
		Subscriptions []Subscription `json:"subscriptions"`
	}
	if err := c.do(ctx, http.MethodGet, userPath(userID, "subscriptions"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Subscriptions, nil
}

// Unsubscribe removes a webhook.
func (c *Client) Unsubscribe(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/subscriptions/"+url.PathEscape(id), nil, nil)
}

// ─── Server ──────────────────────────────────────────────────────────────────

// Health returns the server's health info.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var h HealthInfo
	if err := c.do(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Summary returns the server-wide snapshot.
func (c *Client) Summary(ctx context.Context) (*Summary, error) {
	var s Summary
	if err := c.do(ctx, http.MethodGet, "/api/summary", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Sweep runs the registry age sweep now and returns how many records it
// removed.
func (c *Client) Sweep(ctx context.Context) (int, error) {
	var resp struct {
		Removed int `json:"removed"`
	}
	if err := c.do(ctx, http.MethodPost, "/admin/sweep", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Removed, nil
}

// ─── HTTP transport ──────────────────────────────────────────────────────────

func userPath(userID, rest string) string {
	return "/users/" + url.PathEscape(userID) + "/" + rest
}

func storyPath(storyID, rest string) string {
	p := "/stories/" + url.PathEscape(storyID)
	if rest != "" {
		p += "/" + rest
	}
	return p
}

// do performs a single HTTP request.
// body is encoded as JSON when non-nil, resp is decoded from JSON when non-nil.
// A 204 No Content response is treated as success with no body.
func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("storyq: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("storyq: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("storyq: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("storyq: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}

	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("storyq: decode response: %w", err)
		}
	}
	return nil
}

// ─── Internal wire types ─────────────────────────────────────────────────────

type queuePayload struct {
	Priority                 int            `json:"priority"`
	TriggerType              string         `json:"trigger_type,omitempty"`
	Context                  map[string]any `json:"context,omitempty"`
	EarliestTime             *time.Time     `json:"earliest_time,omitempty"`
	LatestTime               *time.Time     `json:"latest_time,omitempty"`
	ExpiresAt                *time.Time     `json:"expires_at,omitempty"`
	EstimatedDurationSeconds int            `json:"estimated_duration_seconds,omitempty"`
}
