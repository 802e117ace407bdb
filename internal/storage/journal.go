package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// Bucket names
const (
	BucketJournal = "journal"
	BucketLabels  = "labels"
)

// AllBuckets returns all bucket names
var AllBuckets = []string{
	BucketJournal,
	BucketLabels,
}

// Outcomes recorded for a verb
const (
	OutcomeOK      = "ok"
	OutcomeWarning = "warning"
	OutcomeFailed  = "failed"
)

// initBuckets creates all required buckets
func (s *Storage) initBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range AllBuckets {
			_, err := tx.CreateBucketIfNotExists([]byte(bucket))
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Entry is one lifecycle action applied to a service
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Verb      string    `json:"verb"`
	Name      string    `json:"name"`
	Label     string    `json:"label"`
	User      string    `json:"user"`
	Outcome   string    `json:"outcome"`
	Message   string    `json:"message,omitempty"`
}

// Record appends an entry to the journal and makes it the label's latest
func (s *Storage) Record(entry Entry) (Entry, error) {
	if entry.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return entry, fmt.Errorf("failed to generate entry id: %w", err)
		}
		entry.ID = id.String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return entry, fmt.Errorf("failed to marshal entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(BucketJournal)).Put([]byte(entry.ID), data); err != nil {
			return err
		}
		if entry.Label == "" {
			return nil
		}
		return tx.Bucket([]byte(BucketLabels)).Put([]byte(entry.Label), data)
	})
	if err != nil {
		return entry, fmt.Errorf("failed to record journal entry: %w", err)
	}
	return entry, nil
}

// Last returns the most recent entry recorded for label
func (s *Storage) Last(label string) (Entry, bool, error) {
	var entry Entry
	found, err := s.GetJSON(BucketLabels, label, &entry)
	if err != nil && s.readOnly {
		// A database created by an older run may lack the bucket.
		return Entry{}, false, nil
	}
	return entry, found, err
}

// Reader answers history lookups by opening the journal read-only for each
// lookup, so the shared lock is held only while one entry is read.
type Reader struct {
	path    string
	timeout time.Duration
}

// NewReader returns a Reader for the journal at path. timeout bounds how long
// a lookup waits for a writer to release the lock.
func NewReader(path string, timeout time.Duration) *Reader {
	return &Reader{path: path, timeout: timeout}
}

// Last returns the label's most recent entry. A journal that does not exist
// yet has no entries.
func (r *Reader) Last(label string) (Entry, bool, error) {
	s, err := New(r.path, Options{ReadOnly: true, Timeout: r.timeout})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	defer s.Close()
	return s.Last(label)
}

// Prune drops journal entries older than retention. Per-label latest entries
// are kept so `info` can always show the last action.
func (s *Storage) Prune(retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	return s.DeleteOlderThan(BucketJournal, time.Now().Add(-retention))
}
