package durablestreams

import (
	"context"
	"encoding/json"
	"errors"
	"io"
)

// Batch contains parsed JSON items from one chunk.
type Batch[T any] struct {
	// Items are the parsed JSON values from this chunk.
	// Top-level arrays are flattened one level.
	Items []T

	// NextOffset is the position after this batch.
	// Use this for resumption/checkpointing.
	NextOffset Offset

	// UpToDate is true if this batch ends at stream head.
	UpToDate bool

	// Cursor for CDN collapsing (automatically propagated by the session).
	Cursor string
}

// newBatch decodes chunk into a Batch. Empty chunks (204 responses,
// control-only push events) become empty batches.
func newBatch[T any](chunk *Chunk) (*Batch[T], error) {
	items, err := parseJSONBatch[T](chunk.Data)
	if err != nil {
		return nil, err
	}
	return &Batch[T]{
		Items:      items,
		NextOffset: chunk.NextOffset,
		UpToDate:   chunk.UpToDate,
		Cursor:     chunk.Cursor,
	}, nil
}

// JSONBatchIterator iterates over JSON batches from a session.
// Each batch corresponds to one chunk containing JSON data.
//
// Example:
//
//	type Event struct {
//	    Type string `json:"type"`
//	    Data string `json:"data"`
//	}
//
//	it := durablestreams.ReadJSON[Event](session)
//	defer it.Close()
//
//	for {
//	    batch, err := it.Next()
//	    if errors.Is(err, durablestreams.Done) {
//	        break
//	    }
//	    if err != nil {
//	        return err
//	    }
//	    for _, event := range batch.Items {
//	        process(event)
//	    }
//	}
type JSONBatchIterator[T any] struct {
	chunks *ChunkIterator

	// Offset is the current position in the stream.
	Offset Offset

	// UpToDate is true when the iterator has caught up to stream head.
	UpToDate bool

	// Cursor is the current cursor value (for debugging/advanced use).
	Cursor string
}

// ReadJSON returns a lazy iterator over the session's records decoded as T.
// The session must be in ModeJSON; otherwise the first Next returns an
// InvalidModeError and the session is left unclaimed.
func ReadJSON[T any](s *Session) *JSONBatchIterator[T] {
	err := s.requireJSON()
	if err == nil {
		err = s.claim("ReadJSON")
	}
	pos := s.Position()
	return &JSONBatchIterator[T]{
		chunks:   &ChunkIterator{session: s, err: err},
		Offset:   pos.Offset,
		UpToDate: pos.UpToDate,
		Cursor:   pos.Cursor,
	}
}

// Batches returns a lazy iterator over the session's raw JSON records.
func (s *Session) Batches() *JSONBatchIterator[json.RawMessage] {
	return ReadJSON[json.RawMessage](s)
}

// Next returns the next batch of JSON items from the stream.
// Returns Done when iteration is complete.
// In live mode, blocks waiting for new data.
func (it *JSONBatchIterator[T]) Next() (*Batch[T], error) {
	chunk, err := it.chunks.Next()
	if err != nil {
		return nil, err
	}

	batch, err := newBatch[T](chunk)
	if err != nil {
		// A payload that cannot be decoded ends the session.
		return nil, it.chunks.session.fail(err)
	}

	it.Offset = batch.NextOffset
	it.UpToDate = batch.UpToDate
	it.Cursor = batch.Cursor
	return batch, nil
}

// Close releases the session the same way ChunkIterator.Close does.
// Implements io.Closer.
func (it *JSONBatchIterator[T]) Close() error {
	return it.chunks.Close()
}

// Ensure JSONBatchIterator implements io.Closer
var _ io.Closer = (*JSONBatchIterator[any])(nil)

// Items returns a channel that yields individual items from the session.
// This is a convenience wrapper that flattens batches into individual items.
// The channel is closed when iteration completes or an error occurs.
// Errors are reported via the second return value channel. Cancelling ctx
// stops delivery and cancels the session.
//
// Example:
//
//	items, errs := durablestreams.Items[Event](ctx, session)
//	for item := range items {
//	    process(item)
//	}
//	if err := <-errs; err != nil {
//	    return err
//	}
func Items[T any](ctx context.Context, s *Session) (<-chan T, <-chan error) {
	items := make(chan T)
	errs := make(chan error, 1)

	go func() {
		defer close(items)
		defer close(errs)

		it := ReadJSON[T](s)
		defer it.Close()
		// Unblocks a Next waiting on a long-poll or push.
		stop := context.AfterFunc(ctx, s.Cancel)
		defer stop()

		for {
			batch, err := it.Next()
			if errors.Is(err, Done) {
				return
			}
			if err != nil {
				errs <- err
				return
			}

			for _, item := range batch.Items {
				select {
				case items <- item:
				case <-ctx.Done():
					s.Cancel()
					return
				}
			}
		}
	}()

	return items, errs
}
