package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	durablestreams "github.com/durable-streams/durable-streams-go"
)

// boltFileName is the database file inside the store directory.
const boltFileName = "checkpoints.db"

var checkpointBucket = []byte("checkpoints")

// boltPosition is the serialized form of a Position.
type boltPosition struct {
	Offset    string `json:"offset"`
	Cursor    string `json:"cursor,omitempty"`
	UpToDate  bool   `json:"up_to_date,omitempty"`
	UpdatedAt int64  `json:"updated_at"` // Unix timestamp
}

// BoltStore keeps positions in a bbolt database.
type BoltStore struct {
	db     *bbolt.DB
	mu     sync.RWMutex
	path   string
	closed bool
}

// OpenBolt opens (creating if needed) the checkpoint database in dataDir.
func OpenBolt(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, boltFileName)
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(checkpointBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create checkpoint bucket: %w", err)
	}

	return &BoltStore{db: db, path: dbPath}, nil
}

// Load returns the position stored under key.
func (s *BoltStore) Load(_ context.Context, key string) (durablestreams.Position, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return durablestreams.Position{}, false, ErrClosed
	}

	var (
		bp    boltPosition
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(checkpointBucket).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &bp)
	})
	if err != nil {
		return durablestreams.Position{}, false, fmt.Errorf("failed to load checkpoint %q: %w", key, err)
	}
	if !found {
		return durablestreams.Position{}, false, nil
	}
	return durablestreams.Position{
		Offset:   durablestreams.Offset(bp.Offset),
		Cursor:   bp.Cursor,
		UpToDate: bp.UpToDate,
	}, true, nil
}

// Save stores pos under key.
func (s *BoltStore) Save(_ context.Context, key string, pos durablestreams.Position) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	data, err := json.Marshal(boltPosition{
		Offset:    pos.Offset.String(),
		Cursor:    pos.Cursor,
		UpToDate:  pos.UpToDate,
		UpdatedAt: time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(checkpointBucket).Put([]byte(key), data)
	})
}

// Delete removes the position stored under key.
func (s *BoltStore) Delete(_ context.Context, key string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(checkpointBucket).Delete([]byte(key))
	})
}

// Keys returns every key with a stored position, in key order.
func (s *BoltStore) Keys() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var keys []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(checkpointBucket).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// Path returns the database file path.
func (s *BoltStore) Path() string {
	return s.path
}

// Close closes the database. Later operations return ErrClosed.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

var _ durablestreams.Checkpointer = (*BoltStore)(nil)
