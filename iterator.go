package durablestreams

import (
	"errors"
	"io"
)

// Chunk represents one response body (or one push event) from the stream.
type Chunk struct {
	// NextOffset is the position after this chunk.
	// Use this for resumption/checkpointing.
	NextOffset Offset

	// Data is the raw bytes from this response.
	Data []byte

	// UpToDate is true if this chunk ends at stream head.
	UpToDate bool

	// Cursor for CDN collapsing (automatically propagated by the session).
	Cursor string

	// ETag for conditional requests.
	ETag string
}

// Position returns the resumption position this chunk was tagged with.
func (c *Chunk) Position() Position {
	return Position{Offset: c.NextOffset, Cursor: c.Cursor, UpToDate: c.UpToDate}
}

// ChunkIterator iterates over raw byte chunks of a session.
// Call Next() in a loop until it returns Done.
//
// The iterator does not stop at up-to-date: with a live mode configured it
// keeps blocking for new data until Close is called or the context given to
// Stream.Open is cancelled.
//
// Always call Close() when done to release resources.
type ChunkIterator struct {
	session *Session
	err     error
	closed  bool

	// Offset is the current position in the stream.
	// Updated after each successful Next() call.
	Offset Offset

	// UpToDate is true when the iterator has caught up to stream head.
	UpToDate bool

	// Cursor is the current cursor value (for debugging/advanced use).
	Cursor string
}

// Chunks returns a lazy iterator over the session's byte chunks.
// It claims the session; a claim failure is returned by the first Next.
func (s *Session) Chunks() *ChunkIterator {
	pos := s.Position()
	return &ChunkIterator{
		session:  s,
		err:      s.claim("Chunks"),
		Offset:   pos.Offset,
		UpToDate: pos.UpToDate,
		Cursor:   pos.Cursor,
	}
}

// Next returns the next chunk of bytes from the stream.
// Returns Done when iteration is complete (not live and caught up, or
// cancelled). In live mode, blocks waiting for new data.
//
// Example:
//
//	for {
//	    chunk, err := it.Next()
//	    if errors.Is(err, durablestreams.Done) {
//	        break
//	    }
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Printf("Got %d bytes at offset %s\n", len(chunk.Data), chunk.NextOffset)
//	}
func (it *ChunkIterator) Next() (*Chunk, error) {
	if it.closed {
		return nil, ErrAlreadyClosed
	}
	if it.err != nil {
		return nil, it.err
	}

	chunk, err := it.session.pull()
	if err != nil {
		return nil, err
	}

	it.Offset = chunk.NextOffset
	it.UpToDate = chunk.UpToDate
	it.Cursor = chunk.Cursor
	return chunk, nil
}

// Session returns the session the iterator reads from.
func (it *ChunkIterator) Session() *Session {
	return it.session
}

// Close releases the session. A session whose last chunk was already
// returned completes and commits it; any other session is cancelled.
// Always call Close when done, even if iteration completed.
// Implements io.Closer.
func (it *ChunkIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	// A rejected claim does not own the session.
	if it.err == nil {
		it.session.release()
		// Only a session that completed still commits its last chunk.
		it.session.commit()
	}
	return nil
}

// TextChunk is a decoded slice of text together with the position of the
// chunk that completed it.
type TextChunk struct {
	Text       string
	NextOffset Offset
	UpToDate   bool
	Cursor     string
}

// TextIterator iterates over a session's payload decoded as UTF-8 text.
// Multi-byte sequences split across chunks are held back until complete;
// anything left at the end of the stream is flushed as a final TextChunk.
type TextIterator struct {
	chunks  *ChunkIterator
	decoder *textDecoder
	last    Position
	flushed bool
}

// TextChunks returns a lazy iterator over the session's text.
func (s *Session) TextChunks() *TextIterator {
	chunks := &ChunkIterator{session: s, err: s.claim("TextChunks")}
	return &TextIterator{
		chunks:  chunks,
		decoder: newTextDecoder(),
		last:    s.Position(),
	}
}

// Next returns the next decoded text. Returns Done when the session ends.
func (it *TextIterator) Next() (*TextChunk, error) {
	if it.flushed {
		return nil, Done
	}
	chunk, err := it.chunks.Next()
	if errors.Is(err, Done) {
		it.flushed = true
		if rest := it.decoder.flush(); rest != "" {
			return &TextChunk{Text: rest, NextOffset: it.last.Offset, UpToDate: it.last.UpToDate, Cursor: it.last.Cursor}, nil
		}
		return nil, Done
	}
	if err != nil {
		return nil, err
	}
	it.last = chunk.Position()
	return &TextChunk{
		Text:       it.decoder.decode(chunk.Data),
		NextOffset: chunk.NextOffset,
		UpToDate:   chunk.UpToDate,
		Cursor:     chunk.Cursor,
	}, nil
}

// Close cancels the session. Implements io.Closer.
func (it *TextIterator) Close() error {
	return it.chunks.Close()
}

// Ensure iterators implement io.Closer
var (
	_ io.Closer = (*ChunkIterator)(nil)
	_ io.Closer = (*TextIterator)(nil)
	_ io.Closer = (*Session)(nil)
)
