// Package checkpoint records per-document completion so an interrupted
// batch resumes where it stopped instead of reprocessing (and re-billing
// LLM calls for) documents that already finished.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/medredact/deid/internal/phi"
)

// Record is the stored state of one processed document.
type Record struct {
	DocID       string    `json:"doc_id"`
	Failed      bool      `json:"failed"`
	EntityCount int       `json:"entity_count"`
	CompletedAt time.Time `json:"completed_at"`
}

// Store persists batch progress. Implementations must be safe for
// concurrent use.
type Store interface {
	// Completed reports whether the document finished in a previous run.
	// Failed documents count as completed: retrying them is an operator
	// decision, not an automatic one.
	Completed(docID string) (bool, error)

	// Mark records the outcome of one document.
	Mark(rec Record) error

	// Stats returns how many documents completed and how many of those
	// failed.
	Stats() (done, failed int, err error)

	Close() error
}

var docBucket = []byte("documents")

// BoltStore is a bbolt-backed Store. The database file is the unit of
// batch identity: point two runs at the same file and the second resumes
// the first.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the checkpoint database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: open checkpoint db %s: %v", phi.ErrConfiguration, path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(docBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: init checkpoint db: %v", phi.ErrConfiguration, err)
	}
	return &BoltStore{db: db}, nil
}

// Completed implements Store.
func (s *BoltStore) Completed(docID string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(docBucket).Get([]byte(docID)) != nil
		return nil
	})
	return found, err
}

// Mark implements Store.
func (s *BoltStore) Mark(rec Record) error {
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(docBucket).Put([]byte(rec.DocID), data)
	})
}

// Stats implements Store.
func (s *BoltStore) Stats() (done, failed int, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(docBucket).ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			done++
			if rec.Failed {
				failed++
			}
			return nil
		})
	})
	return done, failed, err
}

// Close implements Store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// MemoryStore is an in-process Store for runs with checkpointing disabled
// and for tests.
type MemoryStore struct {
	mu   sync.RWMutex
	recs map[string]Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: map[string]Record{}}
}

// Completed implements Store.
func (s *MemoryStore) Completed(docID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.recs[docID]
	return ok, nil
}

// Mark implements Store.
func (s *MemoryStore) Mark(rec Record) error {
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.DocID] = rec
	return nil
}

// Stats implements Store.
func (s *MemoryStore) Stats() (done, failed int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.recs {
		done++
		if rec.Failed {
			failed++
		}
	}
	return done, failed, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
