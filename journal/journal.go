// Package journal records the outcome of each lock cycle. The journal
// is an append-only record consumed by the status endpoint; it holds
// outcomes only, never in-flight retry state.
package journal

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

// Outcome is the terminal condition of one cycle's attempt loop.
type Outcome string

const (
	OutcomeSucceeded   Outcome = "succeeded"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeExhausted   Outcome = "exhausted"
)

// Entry is one journaled cycle.
type Entry struct {
	ID         string        `json:"id"`
	StartedAt  time.Time     `json:"started_at"`
	Outcome    Outcome       `json:"outcome"`
	Attempts   int           `json:"attempts"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Journal persists cycle entries.
type Journal interface {
	Append(e Entry) error
	// Recent returns up to n entries, newest first.
	Recent(n int) ([]Entry, error)
	Close() error
}

var cyclesBucket = []byte("cycles")

// Store is a bbolt-backed Journal.
type Store struct {
	db *bbolt.DB
}

var _ Journal = (*Store)(nil)

// Open opens (or creates) the journal database at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening journal db: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cyclesBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Append writes one entry. Keys are RFC3339Nano start time plus the
// cycle ID, so byte order is chronological order.
func (s *Store) Append(e Entry) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		key := e.StartedAt.UTC().Format(time.RFC3339Nano) + ":" + e.ID
		return tx.Bucket(cyclesBucket).Put([]byte(key), data)
	})
}

// Recent returns the newest n entries.
func (s *Store) Recent(n int) ([]Entry, error) {
	var entries []Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(cyclesBucket).Cursor()
		for k, v := c.Last(); k != nil && len(entries) < n; k, v = c.Prev() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Memory is an in-memory Journal for tests and for running without a
// data directory.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

var _ Journal = (*Memory)(nil)

// NewMemory returns an empty in-memory journal.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Append(e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *Memory) Recent(n int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
