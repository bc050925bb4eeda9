package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/snehjoshi/storyq/internal/broker"
	"github.com/snehjoshi/storyq/internal/consumer"
	"github.com/snehjoshi/storyq/internal/history"
	"github.com/snehjoshi/storyq/internal/session"
	"github.com/snehjoshi/storyq/internal/types"
)

// Handler groups all HTTP request handlers around a Broker.
type Handler struct {
	broker   *broker.Broker
	consumer *consumer.Manager
	// maxContextBytes caps the encoded story context. 0 disables the check.
	maxContextBytes int
	started         time.Time
}

// ─── DTOs ────────────────────────────────────────────────────────────────────

// QueueStoryRequest is the body of POST /users/{user}/stories. Priority is a
// name ("high") or a number (2).
type QueueStoryRequest struct {
	Priority                 json.RawMessage   `json:"priority"`
	TriggerType              types.TriggerType `json:"trigger_type"`
	Context                  map[string]any    `json:"context"`
	EarliestTime             time.Time         `json:"earliest_time"`
	LatestTime               time.Time         `json:"latest_time"`
	ExpiresAt                time.Time         `json:"expires_at"`
	EstimatedDurationSeconds int               `json:"estimated_duration_seconds"`
}

// DeliveryRequest is the body of POST /stories/{id}/delivery.
type DeliveryRequest struct {
	Success *bool `json:"success"`
}

// PositionRequest is the body of POST /users/{user}/position.
type PositionRequest struct {
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
}

// SubscribeRequest is the body of POST /users/{user}/subscriptions.
type SubscribeRequest struct {
	URL    string `json:"url"`
	Secret string `json:"secret"`
}

// TripResponse is returned by POST /users/{user}/trip.
type TripResponse struct {
	Session session.Session `json:"session"`
	Created bool            `json:"created"`
}

// ClearResponse is returned by DELETE /users/{user}/stories.
type ClearResponse struct {
	Cleared int `json:"cleared"`
}

// HistoryResponse is returned by GET /users/{user}/history.
type HistoryResponse struct {
	Records []history.Record `json:"records"`
}

// SubscriptionsResponse is returned by GET /users/{user}/subscriptions.
type SubscriptionsResponse struct {
	Subscriptions []consumer.Subscription `json:"subscriptions"`
}

// SweepResponse is returned by POST /admin/sweep.
type SweepResponse struct {
	Removed int `json:"removed"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	NodeID   string `json:"node_id"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
}

type errorResp struct {
	Error string `json:"error"`
}

// ─── Health & summary ────────────────────────────────────────────────────────

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	up := time.Since(h.started)
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:   "ok",
		NodeID:   h.broker.NodeID(),
		Uptime:   up.Round(time.Second).String(),
		UptimeMs: up.Milliseconds(),
	})
}

func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.broker.Summary())
}

func (h *Handler) sweep(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, SweepResponse{Removed: h.broker.Sweep()})
}

// ─── Stories ─────────────────────────────────────────────────────────────────

// queueStory answers 201 when the story was accepted and 200 with
// accepted=false when the user's queue is full.
func (h *Handler) queueStory(w http.ResponseWriter, r *http.Request) {
	var req QueueStoryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := parsePriority(req.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if h.maxContextBytes > 0 && len(req.Context) > 0 {
		raw, err := json.Marshal(req.Context)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("context: %w", err))
			return
		}
		if len(raw) > h.maxContextBytes {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Errorf("context is %d bytes, limit %d", len(raw), h.maxContextBytes))
			return
		}
	}

	res, err := h.broker.QueueStory(broker.QueueRequest{
		UserID:      chi.URLParam(r, "user"),
		Priority:    p,
		TriggerType: req.TriggerType,
		Context:     req.Context,
		Options: types.QueueOptions{
			EarliestTime:             req.EarliestTime,
			LatestTime:               req.LatestTime,
			ExpiresAt:                req.ExpiresAt,
			EstimatedDurationSeconds: req.EstimatedDurationSeconds,
		},
	})
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	code := http.StatusOK
	if res.Accepted {
		code = http.StatusCreated
	}
	writeJSON(w, code, res)
}

// nextStory peeks, or claims with ?claim=true. 204 when nothing is ready.
func (h *Handler) nextStory(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	claim, _ := strconv.ParseBool(r.URL.Query().Get("claim"))

	next := h.broker.NextStory
	if claim {
		next = h.broker.ClaimStory
	}
	s, ok, err := next(user)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) clearQueue(w http.ResponseWriter, r *http.Request) {
	n, err := h.broker.ClearQueue(chi.URLParam(r, "user"))
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ClearResponse{Cleared: n})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.broker.Stats(chi.URLParam(r, "user"))
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", 50)
	recs, err := h.broker.History(chi.URLParam(r, "user"), min(limit, 500))
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	if recs == nil {
		recs = []history.Record{}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Records: recs})
}

func (h *Handler) getStory(w http.ResponseWriter, r *http.Request) {
	v, err := h.broker.Story(chi.URLParam(r, "id"))
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) markInProgress(w http.ResponseWriter, r *http.Request) {
	if err := h.broker.MarkInProgress(chi.URLParam(r, "id")); err != nil {
		writeBrokerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) markDelivered(w http.ResponseWriter, r *http.Request) {
	var req DeliveryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Success == nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "success is required"})
		return
	}
	v, err := h.broker.MarkDelivered(chi.URLParam(r, "id"), *req.Success)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// ─── Trips ───────────────────────────────────────────────────────────────────

func (h *Handler) startTrip(w http.ResponseWriter, r *http.Request) {
	s, created, err := h.broker.StartTrip(chi.URLParam(r, "user"))
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, TripResponse{Session: s, Created: created})
}

func (h *Handler) endTrip(w http.ResponseWriter, r *http.Request) {
	end, err := h.broker.EndTrip(chi.URLParam(r, "user"))
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, end)
}

func (h *Handler) position(w http.ResponseWriter, r *http.Request) {
	var req PositionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Lat == nil || req.Lon == nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "lat and lon are required"})
		return
	}
	upd, err := h.broker.UpdatePosition(chi.URLParam(r, "user"), *req.Lat, *req.Lon)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, upd)
}

// ─── Subscriptions (webhook) ─────────────────────────────────────────────────

func (h *Handler) createSubscription(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.URL == "" {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "url is required"})
		return
	}
	sub, err := h.consumer.Register(chi.URLParam(r, "user"), req.URL, req.Secret)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (h *Handler) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	if !session.ValidUserID(user) {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid user id"})
		return
	}
	writeJSON(w, http.StatusOK, SubscriptionsResponse{Subscriptions: h.consumer.List(user)})
}

func (h *Handler) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	if err := h.consumer.Deregister(chi.URLParam(r, "id")); err != nil {
		writeBrokerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func parsePriority(raw json.RawMessage) (types.Priority, error) {
	if len(raw) == 0 {
		return 0, errors.New("priority is required")
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		p := types.Priority(n)
		if !p.Valid() {
			return 0, fmt.Errorf("priority %d out of range 1..5", n)
		}
		return p, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, errors.New("priority must be a name or a number")
	}
	return types.ParsePriority(s)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, broker.ErrInvalidRequest),
		errors.Is(err, consumer.ErrInvalidURL),
		errors.Is(err, consumer.ErrInvalidUser):
		return http.StatusBadRequest
	case errors.Is(err, broker.ErrUnknownStory),
		errors.Is(err, broker.ErrHistoryDisabled),
		errors.Is(err, session.ErrNotFound),
		errors.Is(err, consumer.ErrSubscriptionNotFound):
		return http.StatusNotFound
	case errors.Is(err, consumer.ErrTooManySubscriptions):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeBrokerError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err)
}

func parseIntParam(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorResp{Error: err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResp{Error: "request body too large"})
			return false
		}
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid json: " + err.Error()})
		return false
	}
	return true
}
