// Package checkpoint persists durable stream resumption positions.
//
// Stores implement durablestreams.Checkpointer and are passed to a read
// with durablestreams.WithCheckpoint:
//
//	store, err := checkpoint.OpenBolt(dir)
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	session, err := stream.Open(ctx,
//	    durablestreams.WithLive(durablestreams.LiveModeLongPoll),
//	    durablestreams.WithCheckpoint(store, "orders-consumer"),
//	)
//
// A session commits the position of a chunk once its consumer asks for the
// next one, so a restarted reader sees each chunk at least once.
package checkpoint

import (
	"context"
	"errors"
	"sync"

	durablestreams "github.com/durable-streams/durable-streams-go"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("checkpoint: store is closed")

// MemoryStore keeps positions in memory. It is safe for concurrent use.
type MemoryStore struct {
	mu        sync.RWMutex
	positions map[string]durablestreams.Position
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{positions: make(map[string]durablestreams.Position)}
}

// Load returns the position stored under key.
func (m *MemoryStore) Load(_ context.Context, key string) (durablestreams.Position, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.positions[key]
	return pos, ok, nil
}

// Save stores pos under key, replacing any previous position.
func (m *MemoryStore) Save(_ context.Context, key string, pos durablestreams.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[key] = pos
	return nil
}

// Delete removes the position stored under key.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, key)
	return nil
}

var _ durablestreams.Checkpointer = (*MemoryStore)(nil)
