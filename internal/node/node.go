// Package node owns identifiers: the stable identity of this storyq process
// and the ULIDs handed out to stories and subscriptions.
//
// The node ID is generated on first start and kept in the data directory. It
// is stamped on every archived history record so an operator can tell which
// instance retired a story.
package node

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const idFile = "node_id"

// ID is a ULID naming one storyq instance.
type ID string

func (id ID) String() string { return string(id) }

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool { return id == "" }

// Node is the identity of this server instance.
type Node struct {
	id        ID
	dataDir   string
	startedAt time.Time
}

// New loads dataDir/node_id, creating it on first start. An override other
// than "" or "auto" is used verbatim and must itself be a ULID.
func New(dataDir, override string) (*Node, error) {
	if dataDir == "" {
		return nil, errors.New("node: data dir must not be empty")
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("node: create data dir: %w", err)
	}

	n := &Node{dataDir: dataDir, startedAt: time.Now()}
	if override != "" && override != "auto" {
		if _, err := ulid.ParseStrict(override); err != nil {
			return nil, fmt.Errorf("node: invalid id override %q: %w", override, err)
		}
		n.id = ID(override)
		return n, nil
	}

	id, err := loadOrCreate(filepath.Join(dataDir, idFile))
	if err != nil {
		return nil, err
	}
	n.id = id
	return n, nil
}

// ID returns the instance ID.
func (n *Node) ID() ID { return n.id }

// DataDir returns the root data directory.
func (n *Node) DataDir() string { return n.dataDir }

// Uptime returns how long ago New was called.
func (n *Node) Uptime() time.Duration { return time.Since(n.startedAt) }

func loadOrCreate(path string) (ID, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		s := strings.TrimSpace(string(data))
		if _, err := ulid.ParseStrict(s); err != nil {
			return "", fmt.Errorf("node: persisted id %q is invalid: %w", s, err)
		}
		return ID(s), nil
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("node: read id file: %w", err)
	}

	s, err := NewID()
	if err != nil {
		return "", fmt.Errorf("node: generate id: %w", err)
	}
	if err := os.WriteFile(path, []byte(s+"\n"), 0o640); err != nil {
		return "", fmt.Errorf("node: persist id: %w", err)
	}
	return ID(s), nil
}

// One monotonic entropy source for the whole process keeps IDs generated in
// the same millisecond sortable.
var (
	entropyMu sync.Mutex
	entropy   io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a fresh ULID string. IDs sort by creation time.
func NewID() (string, error) {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustNewID is like NewID but panics on error. crypto/rand does not fail in
// practice, so the scheduler's hot path uses this.
func MustNewID() string {
	id, err := NewID()
	if err != nil {
		panic(fmt.Sprintf("node.MustNewID: %v", err))
	}
	return id
}

// IDTime extracts the creation time embedded in a ULID.
func IDTime(id string) (time.Time, error) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()), nil
}
