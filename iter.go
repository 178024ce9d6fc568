package durablestreams

import (
	"context"
	"errors"
	"iter"
)

// Chunks opens a session and returns an iterator over its raw byte chunks.
// Use with range syntax:
//
//	for chunk, err := range stream.Chunks(ctx) {
//	    if err != nil {
//	        return err
//	    }
//	    process(chunk.Data)
//	}
//
// A failed Open is yielded as the first and only error. Breaking out of the
// loop cancels the session.
func (s *Stream) Chunks(ctx context.Context, opts ...ReadOption) iter.Seq2[*Chunk, error] {
	return func(yield func(*Chunk, error) bool) {
		session, err := s.Open(ctx, opts...)
		if err != nil {
			yield(nil, err)
			return
		}
		session.ChunkSeq()(yield)
	}
}

// ChunkSeq returns the session's chunks as an iter.Seq2. It claims the
// session like Chunks does.
func (s *Session) ChunkSeq() iter.Seq2[*Chunk, error] {
	return func(yield func(*Chunk, error) bool) {
		it := s.Chunks()
		defer it.Close()
		drainSeq(it.Next, yield)
	}
}

// TextSeq returns the session's decoded text as an iter.Seq2.
func (s *Session) TextSeq() iter.Seq2[*TextChunk, error] {
	return func(yield func(*TextChunk, error) bool) {
		it := s.TextChunks()
		defer it.Close()
		drainSeq(it.Next, yield)
	}
}

// JSONItems returns an iterator over individual JSON items of a session.
// Items from batches are automatically flattened.
//
//	type Event struct {
//	    Type string `json:"type"`
//	    Data string `json:"data"`
//	}
//
//	for event, err := range durablestreams.JSONItems[Event](session) {
//	    if err != nil {
//	        return err
//	    }
//	    process(event)
//	}
func JSONItems[T any](s *Session) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		it := ReadJSON[T](s)
		defer it.Close()

		for {
			batch, err := it.Next()
			if errors.Is(err, Done) {
				return
			}
			if err != nil {
				var zero T
				yield(zero, err)
				return
			}

			for _, item := range batch.Items {
				if !yield(item, nil) {
					return
				}
			}
		}
	}
}

// JSONBatches returns an iterator over the JSON batches of a session.
// Each batch contains the items of one chunk.
func JSONBatches[T any](s *Session) iter.Seq2[*Batch[T], error] {
	return func(yield func(*Batch[T], error) bool) {
		it := ReadJSON[T](s)
		defer it.Close()
		drainSeq(it.Next, yield)
	}
}

// drainSeq yields values from next until Done, an error, or the consumer
// stops.
func drainSeq[T any](next func() (T, error), yield func(T, error) bool) {
	for {
		v, err := next()
		if errors.Is(err, Done) {
			return
		}
		if !yield(v, err) {
			return
		}
		if err != nil {
			return
		}
	}
}
