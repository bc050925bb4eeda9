// Package websocket provides push delivery of stories over a WebSocket.
//
// Clients open a connection to:
//
//	GET /users/{user}/ws
//
// Every poll tick the server claims the user's next ready story, unless one
// is already out with this client, and pushes it. The client reports the
// outcome, which frees the connection for the next story.
//
// Server → client:
//
//	{"type":"story","story":{...QueuedStory...}}
//	{"type":"ack","story_id":"<ULID>","state":"delivered"}
//	{"type":"error","story_id":"<ULID>","error":"..."}
//
// Client → server:
//
//	{"type":"delivered","story_id":"<ULID>"}
//	{"type":"failed",   "story_id":"<ULID>"}
//
// A story still outstanding when the connection drops is reported failed.
package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	gorillaws "github.com/gorilla/websocket"

	"github.com/snehjoshi/storyq/internal/broker"
	"github.com/snehjoshi/storyq/internal/types"
)

const writeWait = 10 * time.Second

var upgrader = gorillaws.Upgrader{
	// Same-origin only for browsers; requests without Origin (native clients)
	// are allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host, err := parseHost(origin)
		if err != nil {
			return false
		}
		return host == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// Claimer is the slice of the broker the push loop needs.
type Claimer interface {
	ClaimStory(userID string) (*types.QueuedStory, bool, error)
	MarkDelivered(storyID string, success bool) (broker.StoryView, error)
}

// Handler serves the WebSocket endpoint. It reads {user} from the chi route.
type Handler struct {
	Broker Claimer
	// Poll is the claim interval. Zero means 200ms.
	Poll time.Duration
	Log  *slog.Logger
}

// ServerFrame is sent to the client.
type ServerFrame struct {
	Type    string             `json:"type"` // story | ack | error
	Story   *types.QueuedStory `json:"story,omitempty"`
	StoryID string             `json:"story_id,omitempty"`
	State   string             `json:"state,omitempty"`
	Error   string             `json:"error,omitempty"`
}

// ClientFrame is sent by the client.
type ClientFrame struct {
	Type    string `json:"type"` // delivered | failed
	StoryID string `json:"story_id"`
}

// ServeHTTP upgrades the connection and runs the push loop until the client
// disconnects or the request context ends.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := h.Log
	if log == nil {
		log = slog.Default()
	}
	user := chi.URLParam(r, "user")
	poll := h.Poll
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "user", user, "error", err)
		return
	}
	defer conn.Close()
	log = log.With("user", user)
	log.Debug("websocket connected")

	controlCh := make(chan ClientFrame, 16)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(controlCh)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cf ClientFrame
			if json.Unmarshal(raw, &cf) != nil {
				continue
			}
			select {
			case controlCh <- cf:
			case <-done:
				return
			}
		}
	}()

	send := func(f ServerFrame) bool {
		data, _ := json.Marshal(f)
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(gorillaws.TextMessage, data) == nil
	}

	// outstanding is the story pushed and not yet reported.
	var outstanding string
	defer func() {
		if outstanding != "" {
			if _, err := h.Broker.MarkDelivered(outstanding, false); err != nil {
				log.Warn("release outstanding story failed", "story", outstanding, "error", err)
			}
		}
	}()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case cf, ok := <-controlCh:
			if !ok {
				return
			}
			var success bool
			switch cf.Type {
			case "delivered":
				success = true
			case "failed":
			default:
				if !send(ServerFrame{Type: "error", StoryID: cf.StoryID, Error: "unknown frame type " + cf.Type}) {
					return
				}
				continue
			}
			view, err := h.Broker.MarkDelivered(cf.StoryID, success)
			if cf.StoryID == outstanding {
				outstanding = ""
			}
			reply := ServerFrame{Type: "ack", StoryID: cf.StoryID, State: string(view.State)}
			if err != nil {
				reply = ServerFrame{Type: "error", StoryID: cf.StoryID, Error: err.Error()}
			}
			if !send(reply) {
				return
			}

		case <-ticker.C:
			if outstanding != "" {
				continue
			}
			s, ok, err := h.Broker.ClaimStory(user)
			if err != nil {
				_ = send(ServerFrame{Type: "error", Error: err.Error()})
				return
			}
			if !ok {
				continue
			}
			outstanding = s.ID
			if !send(ServerFrame{Type: "story", Story: s}) {
				return
			}
		}
	}
}
