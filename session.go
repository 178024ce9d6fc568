package durablestreams

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SessionState is the lifecycle state of a Session.
type SessionState int32

const (
	SessionReady     SessionState = iota // Initial response received, body untouched.
	SessionConsuming                     // A consumption method has pulled a chunk.
	SessionClosed                        // Terminal.
)

func (s SessionState) String() string {
	switch s {
	case SessionReady:
		return "ready"
	case SessionConsuming:
		return "consuming"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// closeReason records why a session reached SessionClosed.
type closeReason int

const (
	closeCompleted closeReason = iota + 1
	closeCancelled
	closeFailed
)

// SessionConfig wires a Session to its transport. Stream.Open fills it for
// HTTP; other transports can build sessions directly with NewSession.
type SessionConfig struct {
	URL string

	// Live must be LiveModeNone, LiveModeLongPoll or LiveModeSSE.
	Live LiveMode

	StartOffset Offset
	Initial     InitialResponse

	// Fetch serves catch-up reads and long-poll continuation.
	Fetch FetchFunc

	// Push serves SSE continuation. When nil, SSE sessions fall back to Fetch.
	Push PushFunc

	Logger *zap.Logger

	Checkpoint    Checkpointer
	CheckpointKey string
}

// Session is one logical read of a stream: the initial response plus
// whatever continuation the live mode calls for, exposed through exactly one
// of the consumption methods (accumulating, lazy iterator, or subscription).
//
// A Session is created by Stream.Open. Calling a second consumption method
// returns ErrAlreadyConsumed. Cancel may be called from any goroutine at any
// time; it aborts the in-flight request and closes the session.
type Session struct {
	id          string
	url         string
	contentType string
	mode        Mode
	live        LiveMode
	startOffset Offset

	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	fetch FetchFunc
	push  PushFunc

	checkpoint    Checkpointer
	checkpointKey string

	// pulling enforces the single-flight pull discipline.
	pulling atomic.Bool

	mu                sync.Mutex
	state             SessionState
	reason            closeReason
	pos               Position
	uncommitted       *Position
	stopAfterUpToDate bool
	consumer          string
	initial           InitialResponse
	firstPulled       bool
	pushIter          PushIterator

	// finished is set once the last chunk of a non-live read is handed out.
	// The session closes as completed when the consumer is done with it.
	finished bool
	// cancelled is set by Cancel. Completion also cancels ctx, so ctx.Err
	// alone cannot tell the two apart.
	cancelled bool

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// NewSession creates a session in SessionReady from an initial response.
// The session owns cfg.Initial.Body from here on.
func NewSession(ctx context.Context, cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	sessCtx, cancel := context.WithCancel(ctx)

	s := &Session{
		id:            id,
		url:           cfg.URL,
		contentType:   cfg.Initial.ContentType,
		mode:          modeFor(cfg.Initial.ContentType, cfg.Initial.JSON),
		live:          cfg.Live,
		startOffset:   cfg.StartOffset,
		parent:        ctx,
		ctx:           sessCtx,
		cancel:        cancel,
		logger:        logger.With(zap.String("session_id", id), zap.String("url", cfg.URL)),
		fetch:         cfg.Fetch,
		push:          cfg.Push,
		checkpoint:    cfg.Checkpoint,
		checkpointKey: cfg.CheckpointKey,
		state:         SessionReady,
		pos:           cfg.Initial.Position,
		initial:       cfg.Initial,
		done:          make(chan struct{}),
	}
	s.logger.Debug("session opened",
		zap.String("mode", string(s.mode)),
		zap.String("live", string(s.live)),
		zap.String("offset", string(s.pos.Offset)),
		zap.Bool("up_to_date", s.pos.UpToDate))
	return s
}

// ID returns the session's unique identifier, used in log fields.
func (s *Session) ID() string { return s.id }

// URL returns the stream URL.
func (s *Session) URL() string { return s.url }

// ContentType returns the content type from the initial response.
func (s *Session) ContentType() string { return s.contentType }

// Mode returns the negotiated payload mode.
func (s *Session) Mode() Mode { return s.mode }

// Live returns the live mode the session continues with.
func (s *Session) Live() LiveMode { return s.live }

// StartOffset returns the offset the read started from.
func (s *Session) StartOffset() Offset { return s.startOffset }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Position returns the current resumption position.
func (s *Session) Position() Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// Done returns a channel that is closed once the session reaches
// SessionClosed, whatever the cause.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the error the session closed with. It is nil while the session
// is open and after a clean close (completion or cancellation).
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Cancel aborts any in-flight continuation and closes the session cleanly.
// It is safe to call before consumption, during it, after it, and more
// than once.
func (s *Session) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
	s.closeWith(closeCancelled, nil)
}

// release ends the session on behalf of a consumer that stops pulling. A
// session whose last chunk was already handed out completes; any other
// session is cancelled.
func (s *Session) release() {
	if s.isFinished() {
		s.closeWith(closeCompleted, nil)
		return
	}
	s.Cancel()
}

func (s *Session) isFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// isCancelled reports whether the session was cancelled directly or through
// the context it was opened with.
func (s *Session) isCancelled() bool {
	s.mu.Lock()
	cancelled := s.cancelled
	s.mu.Unlock()
	return cancelled || s.parent.Err() != nil
}

// Close implements io.Closer by cancelling the session.
func (s *Session) Close() error {
	s.Cancel()
	return nil
}

// claim records the consumption method that owns the session.
func (s *Session) claim(consumer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SessionClosed {
		return ErrAlreadyClosed
	}
	if s.consumer != "" {
		return ErrAlreadyConsumed
	}
	s.consumer = consumer
	return nil
}

// requireJSON fails with InvalidModeError unless the session is structured.
func (s *Session) requireJSON() error {
	if s.mode != ModeJSON {
		return &InvalidModeError{Mode: s.mode, ContentType: s.contentType}
	}
	return nil
}

// stopAtUpToDate makes the producer end the session once it is caught up,
// even when a live mode is configured.
func (s *Session) stopAtUpToDate() {
	s.mu.Lock()
	s.stopAfterUpToDate = true
	s.mu.Unlock()
}

func (s *Session) shouldContinueLiveLocked() bool {
	if s.stopAfterUpToDate {
		return false
	}
	return s.live == LiveModeLongPoll || s.live == LiveModeSSE
}

// closeWith moves the session to SessionClosed exactly once and releases the
// transport. Later calls are no-ops.
func (s *Session) closeWith(reason closeReason, err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = SessionClosed
		s.reason = reason
		s.err = err
		pushIter := s.pushIter
		s.pushIter = nil
		body := s.initial.Body
		s.mu.Unlock()

		s.cancel()
		if pushIter != nil {
			pushIter.Close()
		}
		// Closing aborts a first pull still reading the body.
		if body != nil {
			body.Close()
		}

		switch reason {
		case closeFailed:
			s.logger.Error("session closed with error", zap.Error(err))
		case closeCancelled:
			s.logger.Debug("session cancelled")
		default:
			s.logger.Debug("session completed")
		}
		close(s.done)
	})
}

// commit saves the position of the last chunk handed to the consumer. It
// runs when the consumer comes back for more, so the chunk was processed.
// A cancelled or failed session does not commit its last chunk.
func (s *Session) commit() {
	if s.checkpoint == nil {
		return
	}
	s.mu.Lock()
	pos := s.uncommitted
	if pos == nil || (s.state == SessionClosed && s.reason != closeCompleted) {
		s.mu.Unlock()
		return
	}
	s.uncommitted = nil
	s.mu.Unlock()

	// The session context is already cancelled once the session completed.
	if err := s.checkpoint.Save(context.WithoutCancel(s.ctx), s.checkpointKey, *pos); err != nil {
		s.logger.Warn("checkpoint save failed", zap.String("key", s.checkpointKey), zap.Error(err))
		return
	}
	s.logger.Debug("checkpoint committed",
		zap.String("key", s.checkpointKey),
		zap.String("offset", string(pos.Offset)))
}
