package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrBusy is returned when another invocation holds the database lock
var ErrBusy = errors.New("another svcbridge invocation is in progress")

// Options controls how the database is opened
type Options struct {
	// ReadOnly takes a shared lock instead of an exclusive one.
	ReadOnly bool
	// Timeout bounds the wait for the file lock.
	Timeout time.Duration
}

// Storage manages the BoltDB database. Holding a read-write Storage open is
// what serializes mutating invocations within a scope.
type Storage struct {
	db       *bolt.DB
	mu       sync.RWMutex
	readOnly bool
}

// New opens the database at path, creating it for read-write opens.
// Read-only opens of a missing database fail with an fs.ErrNotExist error.
func New(path string, opts Options) (*Storage, error) {
	if opts.ReadOnly {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
	} else if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout:  timeout,
		ReadOnly: opts.ReadOnly,
	})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, fmt.Errorf("%w: lock on %s not released within %s", ErrBusy, path, timeout)
		}
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Storage{db: db, readOnly: opts.ReadOnly}

	if !opts.ReadOnly {
		if err := s.initBuckets(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize buckets: %w", err)
		}
	}

	return s, nil
}

// Close closes the database and releases the lock
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// ReadOnly reports whether the database was opened without the write lock
func (s *Storage) ReadOnly() bool {
	return s.readOnly
}

// Get retrieves a value from a bucket. A missing key yields nil.
func (s *Storage) Get(bucket, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}
		v := b.Get([]byte(key))
		if v != nil {
			value = make([]byte, len(v))
			copy(value, v)
		}
		return nil
	})
	return value, err
}

// GetJSON retrieves and unmarshals a JSON value. It reports whether the key existed.
func (s *Storage) GetJSON(bucket, key string, v interface{}) (bool, error) {
	data, err := s.Get(bucket, key)
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	return true, json.Unmarshal(data, v)
}

// DeleteOlderThan removes the bucket's entries whose JSON "timestamp" field is
// before cutoff and returns how many were removed. Entries without a readable
// timestamp are kept.
func (s *Storage) DeleteOlderThan(bucket string, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keysToDelete [][]byte

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}
		return b.ForEach(func(k, v []byte) error {
			var entry struct {
				Timestamp time.Time `json:"timestamp"`
			}
			if err := json.Unmarshal(v, &entry); err == nil {
				if entry.Timestamp.Before(cutoff) {
					key := make([]byte, len(k))
					copy(key, k)
					keysToDelete = append(keysToDelete, key)
				}
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	if len(keysToDelete) == 0 {
		return 0, nil
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		for _, key := range keysToDelete {
			if err := b.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(keysToDelete), nil
}

// Count returns the number of entries in a bucket
func (s *Storage) Count(bucket string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}
		count = b.Stats().KeyN
		return nil
	})
	return count, err
}
