package durablestreams

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"

	"go.uber.org/zap"
)

// =============================================================================
// Accumulating
// =============================================================================

// collect pulls chunks until the session is caught up or ends and hands each
// to fn. The session stops at up-to-date even when a live mode is set.
func (s *Session) collect(fn func(*Chunk) error) error {
	s.stopAtUpToDate()
	for {
		chunk, err := s.pull()
		if errors.Is(err, Done) {
			break
		}
		if err != nil {
			return err
		}
		if err := fn(chunk); err != nil {
			return s.fail(err)
		}
		if chunk.UpToDate {
			break
		}
	}
	s.closeWith(closeCompleted, nil)
	s.commit()
	return nil
}

// ReadAll reads the session until it is caught up and returns the bytes of
// every chunk concatenated in arrival order. The session is closed when
// ReadAll returns.
func (s *Session) ReadAll() ([]byte, error) {
	if err := s.claim("ReadAll"); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	err := s.collect(func(chunk *Chunk) error {
		buf.Write(chunk.Data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadAllText is ReadAll decoded as UTF-8.
func (s *Session) ReadAllText() (string, error) {
	if err := s.claim("ReadAllText"); err != nil {
		return "", err
	}
	var sb strings.Builder
	decoder := newTextDecoder()
	err := s.collect(func(chunk *Chunk) error {
		sb.WriteString(decoder.decode(chunk.Data))
		return nil
	})
	if err != nil {
		return "", err
	}
	sb.WriteString(decoder.flush())
	return sb.String(), nil
}

// ReadAllRecords reads the session until it is caught up and returns every
// JSON record, batches flattened in arrival order. The session must be in
// ModeJSON; otherwise an InvalidModeError is returned before any I/O.
func (s *Session) ReadAllRecords() ([]json.RawMessage, error) {
	return ReadAllJSON[json.RawMessage](s)
}

// ReadAllJSON is ReadAllRecords with each record decoded into T.
func ReadAllJSON[T any](s *Session) ([]T, error) {
	if err := s.requireJSON(); err != nil {
		return nil, err
	}
	if err := s.claim("ReadAllJSON"); err != nil {
		return nil, err
	}
	items := []T{}
	err := s.collect(func(chunk *Chunk) error {
		batch, err := parseJSONBatch[T](chunk.Data)
		if err != nil {
			return err
		}
		items = append(items, batch...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// =============================================================================
// Subscriptions
// =============================================================================

// subscribe runs deliver for every chunk on a background goroutine, one at a
// time and in order. The returned function cancels the loop and the session.
//
// An error from deliver, finish or the producer ends the loop and closes the
// session with that error, observable through Err. Errors that arrive after
// the session was cancelled are dropped. Handlers run under the session
// context, which stays live until the loop has closed the session.
func (s *Session) subscribe(name string, deliver func(*Chunk) error, finish func() error) func() {
	go func() {
		for {
X, zap.String("subscription", name), zap.Error(err))
				return
			}
			if err := deliver(chunk); err != nil {
				if s.fail(err) != Done {
					s.logger.Warn("subscription handler failed", zap.String("subscription", name), zap.Error(err))
				}
				return
			}
			if s.isFinished() {
				break
			}
		}
		if finish != nil {
			if err := finish(); err != nil {
				if s.fail(err) != Done {
					s.logger.Warn("subscription handler failed", zap.String("subscription", name), zap.Error(err))
				}
				return
			}
		}
		s.closeWith(closeCompleted, nil)
		s.commit()
	}()
	return s.Cancel
}

// SubscribeBytes calls fn with every chunk of the session, in order, from a
// background goroutine. fn is not called again until it returns. Unlike the
// accumulating readers, a live session keeps delivering past up-to-date.
//
// The returned function unsubscribes: it cancels the session and aborts any
// in-flight request. It may be called any number of times. The error is
// non-nil only when the session cannot be consumed.
func (s *Session) SubscribeBytes(fn func(ctx context.Context, chunk *Chunk) error) (func(), error) {
	if err := s.claim("SubscribeBytes"); err != nil {
		return nil, err
	}
	return s.subscribe("bytes", func(chunk *Chunk) error {
		return fn(s.ctx, chunk)
	}, nil), nil
}

// SubscribeText calls fn with the session's text, decoded across chunk
// boundaries. See SubscribeBytes for delivery and unsubscribe semantics.
func (s *Session) SubscribeText(fn func(ctx context.Context, text *TextChunk) error) (func(), error) {
	if err := s.claim("SubscribeText"); err != nil {
		return nil, err
	}
	decoder := newTextDecoder()
	last := s.Position()
	deliver := func(chunk *Chunk) error {
		last = chunk.Position()
		return fn(s.ctx, &TextChunk{
			Text:       decoder.decode(chunk.Data),
			NextOffset: chunk.NextOffset,
			UpToDate:   chunk.UpToDate,
			Cursor:     chunk.Cursor,
		})
	}
	finish := func() error {
		rest := decoder.flush()
		if rest == "" {
			return nil
		}
		return fn(s.ctx, &TextChunk{Text: rest, NextOffset: last.Offset, UpToDate: last.UpToDate, Cursor: last.Cursor})
	}
	return s.subscribe("text", deliver, finish), nil
}

// SubscribeRecords calls fn with every batch of JSON records. The session
// must be in ModeJSON. See SubscribeBytes for delivery semantics.
func (s *Session) SubscribeRecords(fn func(ctx context.Context, batch *Batch[json.RawMessage]) error) (func(), error) {
	return SubscribeJSON[json.RawMessage](s, fn)
}

// SubscribeJSON is SubscribeRecords with each record decoded into T.
func SubscribeJSON[T any](s *Session, fn func(ctx context.Context, batch *Batch[T]) error) (func(), error) {
	if err := s.requireJSON(); err != nil {
		return nil, err
	}
	if err := s.claim("SubscribeJSON"); err != nil {
		return nil, err
	}
	return s.subscribe("records", func(chunk *Chunk) error {
		batch, err := newBatch[T](chunk)
		if err != nil {
			return err
		}
		return fn(s.ctx, batch)
	}, nil), nil
}
