package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/snehjoshi/storyq/internal/broker"
	"github.com/snehjoshi/storyq/internal/config"
	"github.com/snehjoshi/storyq/internal/consumer"
	transphttp "github.com/snehjoshi/storyq/internal/transport/http"
)

func newServer(t *testing.T) string {
	t.Helper()
	cfg := config.Default()
	cfg.Node.DataDir = t.TempDir()
	cfg.Queue.MinStorySpacingSeconds = 0
	b, err := broker.New(cfg, "test-node")
	if err != nil {
		t.Fatalf("broker.New: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	cm := consumer.NewManager(b)
	t.Cleanup(cm.Close)

	ts := httptest.NewServer(transphttp.New(b, cm, cfg, nil, nil).Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

// runCmd executes storyctl against server and returns stdout.
func runCmd(t *testing.T, server string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--server", server}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestQueueNextDeliver(t *testing.T) {
	srv := newServer(t)

	out, err := runCmd(t, srv, "queue", "u1", "high", "--trigger", "milestone", "--context", `{"km":100}`, "--window", "10m")
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	var res struct {
		StoryID  string `json:"story_id"`
		Accepted bool   `json:"accepted"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil || !res.Accepted {
		t.Fatalf("queue output %q: %v", out, err)
	}

	out, err = runCmd(t, srv, "next", "u1", "--claim")
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if !strings.Contains(out, res.StoryID) || !strings.Contains(out, `"milestone"`) {
		t.Errorf("next output: %s", out)
	}

	out, err = runCmd(t, srv, "deliver", res.StoryID)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if !strings.Contains(out, `"state": "delivered"`) {
		t.Errorf("deliver output: %s", out)
	}

	out, err = runCmd(t, srv, "next", "u1")
	if err != nil || out != "" {
		t.Errorf("next on empty queue = %q, %v", out, err)
	}
}

func TestStatsAndClear(t *testing.T) {
	srv := newServer(t)
	for _, p := range []string{"low", "4", "deferred"} {
		if _, err := runCmd(t, srv, "queue", "u1", p); err != nil {
			t.Fatalf("queue %s: %v", p, err)
		}
	}

	out, err := runCmd(t, srv, "stats", "u1")
	if err != nil || !strings.Contains(out, `"live": 3`) {
		t.Fatalf("stats = %s, %v", out, err)
	}

	out, err = runCmd(t, srv, "clear", "u1")
	if err != nil || !strings.Contains(out, `"cleared": 3`) {
		t.Fatalf("clear = %s, %v", out, err)
	}
}

func TestArgumentErrors(t *testing.T) {
	srv := newServer(t)

	if _, err := runCmd(t, srv, "queue", "u1"); err == nil {
		t.Error("queue with one arg succeeded")
	}
	if _, err := runCmd(t, srv, "queue", "u1", "urgent"); err == nil {
		t.Error("unknown priority accepted")
	}
	if _, err := runCmd(t, srv, "queue", "u1", "low", "--context", "[1]"); err == nil {
		t.Error("non-object context accepted")
	}
	if _, err := runCmd(t, srv, "position", "u1", "north", "0"); err == nil {
		t.Error("bad latitude accepted")
	}
	_, err := runCmd(t, srv, "deliver", "missing")
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("deliver missing: %v", err)
	}
}

func TestTrip(t *testing.T) {
	srv := newServer(t)
	out, err := runCmd(t, srv, "trip", "start", "u1")
	if err != nil || !strings.Contains(out, `"created": true`) {
		t.Fatalf("trip start = %s, %v", out, err)
	}
	if _, err := runCmd(t, srv, "position", "u1", "51.5", "-0.1"); err != nil {
		t.Fatalf("position: %v", err)
	}
	out, err = runCmd(t, srv, "trip", "end", "u1")
	if err != nil || !strings.Contains(out, `"cleared": 0`) {
		t.Fatalf("trip end = %s, %v", out, err)
	}
}

func TestPosition_NegativeCoordinates(t *testing.T) {
	srv := newServer(t)
	for _, c := range [][2]string{{"-33.8568", "151.2153"}, {"40.7", "-74.0"}, {"-22.9", "-43.2"}} {
		if _, err := runCmd(t, srv, "position", "u1", c[0], c[1]); err != nil {
			t.Errorf("position %s %s: %v", c[0], c[1], err)
		}
	}
}
