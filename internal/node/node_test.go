package node_test

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/snehjoshi/storyq/internal/node"
)

func TestNew_StableAcrossRestarts(t *testing.T) {
	dir := t.TempDir()

	first, err := node.New(dir, "auto")
	if err != nil {
		t.Fatalf("first New: %v", err)
	}
	if first.ID().IsZero() || len(first.ID().String()) != 26 {
		t.Fatalf("expected a 26-char ULID, got %q", first.ID())
	}

	second, err := node.New(dir, "")
	if err != nil {
		t.Fatalf("second New: %v", err)
	}
	if first.ID() != second.ID() {
		t.Errorf("id changed across restarts: %s != %s", first.ID(), second.ID())
	}

	data, err := os.ReadFile(filepath.Join(dir, "node_id"))
	if err != nil {
		t.Fatalf("node_id not written: %v", err)
	}
	if strings.TrimSpace(string(data)) != first.ID().String() {
		t.Errorf("persisted %q, returned %q", data, first.ID())
	}
}

func TestNew_Override(t *testing.T) {
	want := node.MustNewID()
	n, err := node.New(t.TempDir(), want)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if n.ID().String() != want {
		t.Errorf("got %s, want %s", n.ID(), want)
	}

	if _, err := node.New(t.TempDir(), "tower-bridge"); err == nil {
		t.Error("expected error for a non-ULID override")
	}
}

func TestNew_Errors(t *testing.T) {
	if _, err := node.New("", "auto"); err == nil {
		t.Error("expected error for empty data dir")
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "node_id"), []byte("garbage\n"), 0o640); err != nil {
		t.Fatal(err)
	}
	if _, err := node.New(dir, "auto"); err == nil {
		t.Error("expected error for corrupt node_id")
	}
}

func TestNew_CreatesNestedDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "var", "storyq")
	if _, err := node.New(dir, "auto"); err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("data dir not created: %v", err)
	}
}

func TestMustNewID_UniqueAndSorted(t *testing.T) {
	prev := node.MustNewID()
	for i := 0; i < 1000; i++ {
		id := node.MustNewID()
		if id <= prev {
			t.Fatalf("ids must increase: %s then %s", prev, id)
		}
		prev = id
	}
}

func TestMustNewID_ConcurrentUnique(t *testing.T) {
	var (
		mu   sync.Mutex
		seen = make(map[string]bool)
		wg   sync.WaitGroup
	)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				id := node.MustNewID()
				mu.Lock()
				if seen[id] {
					t.Errorf("duplicate id %s", id)
				}
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}

func TestIDTime(t *testing.T) {
	before := time.Now().Add(-time.Second)
	ts, err := node.IDTime(node.MustNewID())
	if err != nil {
		t.Fatalf("IDTime: %v", err)
	}
	if ts.Before(before) || ts.After(time.Now().Add(time.Second)) {
		t.Errorf("embedded time %v is not close to now", ts)
	}
	if _, err := node.IDTime("nope"); err == nil {
		t.Error("expected error for invalid id")
	}
}
