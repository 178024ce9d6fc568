package durablestreams

import (
	"errors"
	"io"

	"go.uber.org/zap"
)

// pull produces the next chunk of the session. It returns Done once the
// session has ended cleanly, including after cancellation. Only one pull may
// be outstanding at a time.
//
// The first pull drains the initial response body into a single chunk.
// Later pulls continue from the current position: catch-up reads until the
// server reports up-to-date, then long-poll or push continuation when the
// session is live.
func (s *Session) pull() (*Chunk, error) {
	if !s.pulling.CompareAndSwap(false, true) {
		return nil, ErrConcurrentPull
	}
	defer s.pulling.Store(false)

	// The previous chunk was consumed if the consumer is back for more.
	s.commit()

	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return nil, Done
	}
	if s.finished {
		s.mu.Unlock()
		s.closeWith(closeCompleted, nil)
		return nil, Done
	}
	if s.state == SessionReady {
		s.state = SessionConsuming
		s.logger.Debug("session consuming", zap.String("consumer", s.consumer))
	}
	first := !s.firstPulled
	s.firstPulled = true
	pos := s.pos
	live := s.shouldContinueLiveLocked()
	s.mu.Unlock()

	if s.ctx.Err() != nil {
		s.closeWith(closeCancelled, nil)
		return nil, Done
	}

	if first {
		return s.pullInitial(pos)
	}

	if pos.UpToDate && !live {
		s.closeWith(closeCompleted, nil)
		return nil, Done
	}

	var (
		chunk *Chunk
		err   error
	)
	if live && s.live == LiveModeSSE && s.push != nil {
		chunk, err = s.pullPush(pos)
	} else {
		chunk, err = s.pullFetch(pos, live)
	}
	if errors.Is(err, io.EOF) {
		s.closeWith(closeCompleted, nil)
		return nil, Done
	}
	if err != nil {
		return nil, s.fail(err)
	}
	return s.emit(chunk)
}

// pullInitial emits the whole initial body as one chunk tagged with the
// position parsed from the initial response headers.
func (s *Session) pullInitial(pos Position) (*Chunk, error) {
	data := []byte{}
	if body := s.initial.Body; body != nil {
		var err error
		data, err = io.ReadAll(body)
		body.Close()
		if err != nil {
			return nil, s.fail(transportError("read", s.url, err))
		}
	}
	return s.emit(&Chunk{
		Data:       data,
		NextOffset: pos.Offset,
		Cursor:     pos.Cursor,
		UpToDate:   pos.UpToDate,
	})
}

// pullFetch issues one continuation request and reads its full body.
func (s *Session) pullFetch(pos Position, live bool) (*Chunk, error) {
	if s.fetch == nil {
		return nil, io.EOF
	}
	s.logger.Debug("fetching continuation",
		zap.String("offset", string(pos.Offset)),
		zap.String("cursor", pos.Cursor),
		zap.Bool("live", live))

	resp, err := s.fetch(s.ctx, ContinuationRequest{Position: pos, Live: live})
	if err != nil {
		return nil, err
	}
	data := []byte{}
	if resp.Body != nil {
		defer resp.Body.Close()
		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return nil, transportError("read", s.url, err)
		}
	}

	next := pos.merge(resp.Offset, resp.Cursor, resp.UpToDate)
	return &Chunk{
		Data:       data,
		NextOffset: next.Offset,
		Cursor:     next.Cursor,
		UpToDate:   next.UpToDate,
		ETag:       resp.ETag,
	}, nil
}

// pullPush advances the push iterator, opening it on first use.
func (s *Session) pullPush(pos Position) (*Chunk, error) {
	s.mu.Lock()
	it := s.pushIter
	s.mu.Unlock()

	if it == nil {
		s.logger.Debug("opening push iterator",
			zap.String("offset", string(pos.Offset)),
			zap.String("cursor", pos.Cursor))
		var err error
		it, err = s.push(s.ctx, pos)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		if s.state == SessionClosed {
			s.mu.Unlock()
			it.Close()
			return nil, io.EOF
		}
		s.pushIter = it
		s.mu.Unlock()
	}

	chunk, err := it.Next(s.ctx)
	if err != nil {
		return nil, err
	}
	// Fields a push event leaves out keep their previous values.
	next := pos.merge(chunk.NextOffset, chunk.Cursor, chunk.UpToDate)
	chunk.NextOffset = next.Offset
	chunk.Cursor = next.Cursor
	return chunk, nil
}

// emit makes chunk's position the session position and hands the chunk out.
// A session closed while the chunk was in flight keeps its last position.
// The last chunk of a non-live read marks the session finished; it closes on
// the next pull or when the consumer lets go, so a decode error on that chunk
// can still fail it.
func (s *Session) emit(chunk *Chunk) (*Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SessionClosed {
		return nil, Done
	}
	s.pos = Position{Offset: chunk.NextOffset, Cursor: chunk.Cursor, UpToDate: chunk.UpToDate}
	pos := s.pos
	s.uncommitted = &pos
	if chunk.UpToDate && !s.shouldContinueLiveLocked() {
		s.finished = true
	}
	return chunk, nil
}

// fail closes the session after a producer or decode error. Errors that race
// with cancellation end the session cleanly instead: the caller sees Done.
// A session that already closed keeps its reason and the error is only
// returned to the caller.
func (s *Session) fail(err error) error {
	if s.isCancelled() {
		s.closeWith(closeCancelled, nil)
	} else {
		s.closeWith(closeFailed, err)
	}

	s.mu.Lock()
	reason := s.reason
	s.uncommitted = nil
	s.mu.Unlock()
	if reason == closeCancelled {
		return Done
	}
	return err
}
