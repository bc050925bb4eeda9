// Package history archives retired stories to a bbolt file so delivery
// outcomes stay queryable after the scheduler's sweep has forgotten them.
//
// Records are keyed "userID\x00storyID". Story IDs are ULIDs, so a prefix scan
// over one user yields that user's stories in creation order.
//
// Writes normally go through Archive, which hands the record to a single
// writer goroutine over a buffered channel. When the buffer is full the
// record is dropped and counted; the scheduler never waits on disk.
package history

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/storyq/internal/types"
)

var bucketStories = []byte("stories")

// ErrNotFound is returned by Get for an unknown user/story pair.
var ErrNotFound = errors.New("history: record not found")

// ErrClosed is returned by Put after Close.
var ErrClosed = errors.New("history: store closed")

// Outcome says why a story left the scheduler.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeGaveUp    Outcome = "gave_up"
	OutcomeCleared   Outcome = "cleared"
	// OutcomeSwept is a story removed by the age sweep without ever being
	// retired, usually because its window passed unread.
	OutcomeSwept Outcome = "swept"
)

// Record is one archived story.
type Record struct {
	Story      types.QueuedStory `json:"story"`
	Outcome    Outcome           `json:"outcome"`
	ArchivedAt time.Time         `json:"archived_at"`
	Node       string            `json:"node,omitempty"`
}

// Option configures a Store.
type Option func(*Store)

// WithBuffer sets the capacity of the asynchronous write channel.
func WithBuffer(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.bufSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithNodeID stamps every record written by this store.
func WithNodeID(id string) Option {
	return func(s *Store) { s.node = id }
}

// Store is the archive. All methods are safe for concurrent use.
type Store struct {
	db      *bbolt.DB
	log     *slog.Logger
	node    string
	bufSize int

	mu      sync.RWMutex // guards closed and sends on ch
	closed  bool
	ch      chan Record
	wg      sync.WaitGroup
	dropped atomic.Int64
	written atomic.Int64
}

// maxBatch bounds how many queued records one bbolt transaction commits.
const maxBatch = 128

// Open opens or creates the archive at path and starts its writer.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{log: slog.Default(), bufSize: 1024}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("component", "history")

	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketStories)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: init bucket: %w", err)
	}
	s.db = db
	s.ch = make(chan Record, s.bufSize)

	s.wg.Add(1)
	go s.writer()
	return s, nil
}

func key(userID, storyID string) []byte {
	k := make([]byte, 0, len(userID)+1+len(storyID))
	k = append(k, userID...)
	k = append(k, 0)
	return append(k, storyID...)
}

// ─── Write ───────────────────────────────────────────────────────────────────

// Archive queues r for writing and reports whether it was accepted. It never
// blocks.
func (s *Store) Archive(r Record) bool {
	s.stamp(&r)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- r:
		return true
	default:
		n := s.dropped.Add(1)
		s.log.Warn("history buffer full, record dropped", "story", r.Story.ID, "dropped_total", n)
		return false
	}
}

// Put writes r synchronously.
func (s *Store) Put(r Record) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	s.stamp(&r)
	return s.write([]Record{r})
}

func (s *Store) stamp(r *Record) {
	if r.ArchivedAt.IsZero() {
		r.ArchivedAt = time.Now().UTC()
	}
	if r.Node == "" {
		r.Node = s.node
	}
}

func (s *Store) write(batch []Record) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketStories)
		for _, r := range batch {
			val, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("marshal %s: %w", r.Story.ID, err)
			}
			if err := b.Put(key(r.Story.UserID, r.Story.ID), val); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		s.written.Add(int64(len(batch)))
	}
	return err
}

// writer drains the channel, committing whatever is already queued in one
// transaction.
func (s *Store) writer() {
	defer s.wg.Done()
	batch := make([]Record, 0, maxBatch)
	for r := range s.ch {
		batch = append(batch[:0], r)
	drain:
		for len(batch) < maxBatch {
			select {
			case next, ok := <-s.ch:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		if err := s.write(batch); err != nil {
			s.log.Error("history write failed", "records", len(batch), "error", err)
		}
	}
}

// ─── Read ────────────────────────────────────────────────────────────────────

// Get returns one archived record.
func (s *Store) Get(userID, storyID string) (Record, error) {
	var r Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketStories).Get(key(userID, storyID))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &r)
	})
	return r, err
}

// List returns up to limit records for userID, newest story first.
// limit <= 0 returns everything.
func (s *Store) List(userID string, limit int) ([]Record, error) {
	prefix := key(userID, "")
	var out []Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketStories).Cursor()

		// Position on the last key of the prefix and walk backwards.
		k, v := c.Seek(append(bytes.Clone(prefix[:len(prefix)-1]), 1))
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Prev() {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("history: decode %q: %w", k, err)
			}
			out = append(out, r)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// Count returns the number of archived records.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketStories).Stats().KeyN
		return nil
	})
	return n, err
}

// ─── Retention ───────────────────────────────────────────────────────────────

// Prune deletes records archived before the cutoff and returns how many.
func (s *Store) Prune(before time.Time) (int, error) {
	var n int
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketStories)
		var stale [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var r struct {
				ArchivedAt time.Time `json:"archived_at"`
			}
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("history: decode %q: %w", k, err)
			}
			if r.ArchivedAt.Before(before) {
				stale = append(stale, bytes.Clone(k))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = len(stale)
		return nil
	})
	return n, err
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

// Stats reports writer throughput.
type Stats struct {
	Written int64 `json:"written"`
	Dropped int64 `json:"dropped"`
	Pending int   `json:"pending"`
}

// Stats returns counters for the asynchronous writer.
func (s *Store) Stats() Stats {
	return Stats{
		Written: s.written.Load(),
		Dropped: s.dropped.Load(),
		Pending: len(s.ch),
	}
}

// Close flushes queued records and closes the database. It is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	s.wg.Wait()
	return s.db.Close()
}
