package durablestreams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Fakes
// =============================================================================

// trackedBody is a response body that records Close.
type trackedBody struct {
	io.Reader
	closed atomic.Bool
}

func (b *trackedBody) Close() error {
	b.closed.Store(true)
	return nil
}

func body(s string) *trackedBody {
	return &trackedBody{Reader: strings.NewReader(s)}
}

type fetchStep struct {
	resp *ContinuationResponse
	err  error
}

// scriptedFetch serves steps in order, then blocks until ctx is done.
type scriptedFetch struct {
	mu       sync.Mutex
	steps    []fetchStep
	requests []ContinuationRequest
	called   chan struct{}
}

func newScriptedFetch(steps ...fetchStep) *scriptedFetch {
	return &scriptedFetch{steps: steps, called: make(chan struct{}, 64)}
}

func respond(offset Offset, cursor string, upToDate bool, data string) fetchStep {
	return fetchStep{resp: &ContinuationResponse{
		Offset:   offset,
		Cursor:   cursor,
		UpToDate: upToDate,
		Body:     body(data),
	}}
}

func (f *scriptedFetch) fetch(ctx context.Context, req ContinuationRequest) (*ContinuationResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	select {
	case f.called <- struct{}{}:
	default:
	}
	if len(f.steps) == 0 {
		f.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	step := f.steps[0]
	f.steps = f.steps[1:]
	f.mu.Unlock()
	return step.resp, step.err
}

func (f *scriptedFetch) Requests() []ContinuationRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ContinuationRequest(nil), f.requests...)
}

// fakePush yields chunks in order, then blocks until ctx is done.
type fakePush struct {
	mu     sync.Mutex
	chunks []*Chunk
	opened []Position
	closed atomic.Bool
}

func (p *fakePush) open(_ context.Context, pos Position) (PushIterator, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opened = append(p.opened, pos)
	return p, nil
}

func (p *fakePush) Next(ctx context.Context) (*Chunk, error) {
	p.mu.Lock()
	if len(p.chunks) == 0 {
		p.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	c := p.chunks[0]
	p.chunks = p.chunks[1:]
	p.mu.Unlock()
	return c, nil
}

func (p *fakePush) Close() error {
	p.closed.Store(true)
	return nil
}

// memCheckpoint records every saved position.
type memCheckpoint struct {
	mu    sync.Mutex
	saved []Position
	start *Position
}

func (m *memCheckpoint) Load(_ context.Context, _ string) (Position, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.start == nil {
		return Position{}, false, nil
	}
	return *m.start, true, nil
}

func (m *memCheckpoint) Save(_ context.Context, _ string, pos Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, pos)
	return nil
}

func (m *memCheckpoint) offsets() []Offset {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Offset
	for _, p := range m.saved {
		out = append(out, p.Offset)
	}
	return out
}

type sessionOpts struct {
	contentType string
	live        LiveMode
	pos         Position
	data        string
	noBody      bool
	fetch       FetchFunc
	push        PushFunc
	checkpoint  Checkpointer
}

func newTestSession(t *testing.T, o sessionOpts) (*Session, *trackedBody) {
	t.Helper()
	if o.contentType == "" {
		o.contentType = "application/octet-stream"
	}
	initial := InitialResponse{ContentType: o.contentType, Position: o.pos}
	var b *trackedBody
	if !o.noBody {
		b = body(o.data)
		initial.Body = b
	}
	s := NewSession(context.Background(), SessionConfig{
		URL:           "http://example.com/streams/test",
		Live:          o.live,
		StartOffset:   StartOffset,
		Initial:       initial,
		Fetch:         o.fetch,
		Push:          o.push,
		Checkpoint:    o.checkpoint,
		CheckpointKey: "test",
	})
	t.Cleanup(s.Cancel)
	return s, b
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not close")
	}
}

func rawStrings(records []json.RawMessage) []string {
	if len(records) == 0 {
		return nil
	}
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = string(r)
	}
	return out
}

// =============================================================================
// End-to-end scenarios
// =============================================================================

func TestSession_ReplayReadAllRecords(t *testing.T) {
	s, _ := newTestSession(t, sessionOpts{
		contentType: "application/json",
		pos:         Position{Offset: "1", UpToDate: true},
		data:        "[1,2]",
	})

	records, err := s.ReadAllRecords()
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, rawStrings(records))
	assert.Equal(t, SessionClosed, s.State())
	assert.NoError(t, s.Err())
}

func TestSession_LongPollLazyBatches(t *testing.T) {
	fetch := newScriptedFetch(respond("2", "c1", true, "[3]"))
	s, _ := newTestSession(t, sessionOpts{
		contentType: "application/json",
		live:        LiveModeLongPoll,
		pos:         Position{Offset: "1", UpToDate: true},
		data:        "[]",
		fetch:       fetch.fetch,
	})

	it := s.Batches()
	defer it.Close()

	first, err := it.Next()
	require.NoError(t, err)
	assert.Empty(t, first.Items)
	assert.True(t, first.UpToDate)

	second, err := it.Next()
	require.NoError(t, err)
	assert.Equal(t, []string{"3"}, rawStrings(second.Items))
	assert.True(t, second.UpToDate)
	assert.Equal(t, Offset("2"), it.Offset)
	assert.Equal(t, "c1", it.Cursor)

	requests := fetch.Requests()
	require.Len(t, requests, 1)
	assert.True(t, requests[0].Live)
	assert.Equal(t, Offset("1"), requests[0].Position.Offset)
	assert.Equal(t, SessionConsuming, s.State())
}

func TestSession_InvalidModeBeforeIO(t *testing.T) {
	fetch := newScriptedFetch()
	s, b := newTestSession(t, sessionOpts{
		contentType: "application/octet-stream",
		pos:         Position{Offset: "1", UpToDate: true},
		data:        "raw",
		fetch:       fetch.fetch,
	})

	_, err := s.ReadAllRecords()
	require.ErrorIs(t, err, ErrInvalidMode)
	var modeErr *InvalidModeError
	require.ErrorAs(t, err, &modeErr)
	assert.Equal(t, ModeBytes, modeErr.Mode)
	assert.Equal(t, "application/octet-stream", modeErr.ContentType)

	assert.Empty(t, fetch.Requests())
	assert.Equal(t, SessionReady, s.State())
	assert.False(t, b.closed.Load())

	// The session is still available to a byte consumer.
	data, err := s.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, "raw", string(data))
}

func TestSession_SubscribeHandlerError(t *testing.T) {
	fetch := newScriptedFetch(respond("2", "", true, "[2]"))
	s, _ := newTestSession(t, sessionOpts{
		contentType: "application/json",
		live:        LiveModeLongPoll,
		pos:         Position{Offset: "1", UpToDate: true},
		data:        "[1]",
		fetch:       fetch.fetch,
	})

	boom := errors.New("boom")
	var calls atomic.Int32
	unsubscribe, err := s.SubscribeRecords(func(ctx context.Context, batch *Batch[json.RawMessage]) error {
		if calls.Add(1) == 2 {
			return boom
		}
		return nil
	})
	require.NoError(t, err)

	waitDone(t, s)
	assert.Equal(t, int32(2), calls.Load())
	assert.ErrorIs(t, s.Err(), boom)

	unsubscribe()
	unsubscribe()
	assert.Equal(t, SessionClosed, s.State())
	assert.ErrorIs(t, s.Err(), boom)
}

// =============================================================================
// State machine
// =============================================================================

func TestSession_CancelBeforeConsumption(t *testing.T) {
	s, b := newTestSession(t, sessionOpts{pos: Position{Offset: "1"}, data: "abc"})

	s.Cancel()
	s.Cancel()
	waitDone(t, s)

	assert.Equal(t, SessionClosed, s.State())
	assert.NoError(t, s.Err())
	assert.True(t, b.closed.Load())

	_, err := s.ReadAll()
	assert.ErrorIs(t, err, ErrAlreadyClosed)

	_, err = s.Chunks().Next()
	assert.ErrorIs(t, err, ErrAlreadyClosed)
}

func TestSession_SecondConsumerRejected(t *testing.T) {
	tests := []struct {
		name   string
		second func(s *Session) error
	}{
		{"ReadAll", func(s *Session) error { _, err := s.ReadAll(); return err }},
		{"ReadAllText", func(s *Session) error { _, err := s.ReadAllText(); return err }},
		{"Chunks", func(s *Session) error { _, err := s.Chunks().Next(); return err }},
		{"TextChunks", func(s *Session) error { _, err := s.TextChunks().Next(); return err }},
		{"SubscribeBytes", func(s *Session) error {
			_, err := s.SubscribeBytes(func(context.Context, *Chunk) error { return nil })
			return err
		}},
		{"SubscribeText", func(s *Session) error {
			_, err := s.SubscribeText(func(context.Context, *TextChunk) error { return nil })
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestSession(t, sessionOpts{
				live: LiveModeLongPoll,
				pos:  Position{Offset: "1", UpToDate: true},
				data: "abc",
			})

			it := s.Chunks()
			chunk, err := it.Next()
			require.NoError(t, err)
			assert.Equal(t, "abc", string(chunk.Data))

			assert.ErrorIs(t, tt.second(s), ErrAlreadyConsumed)
			assert.Equal(t, SessionConsuming, s.State())
		})
	}
}

func TestSession_ConcurrentPullRejected(t *testing.T) {
	fetch := newScriptedFetch()
	s, _ := newTestSession(t, sessionOpts{
		live:  LiveModeLongPoll,
		pos:   Position{Offset: "1", UpToDate: true},
		data:  "a",
		fetch: fetch.fetch,
	})

	it := s.Chunks()
	_, err := it.Next()
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := it.Next()
		errs <- err
	}()
	<-fetch.called

	_, err = s.pull()
	assert.ErrorIs(t, err, ErrConcurrentPull)

	s.Cancel()
	assert.ErrorIs(t, <-errs, Done)
}

func TestSession_CancelMidPullKeepsPosition(t *testing.T) {
	fetch := newScriptedFetch()
	start := Position{Offset: "7", Cursor: "c7", UpToDate: true}
	s, _ := newTestSession(t, sessionOpts{
		live:  LiveModeLongPoll,
		pos:   start,
		data:  "a",
		fetch: fetch.fetch,
	})

	it := s.Chunks()
	_, err := it.Next()
	require.NoError(t, err)

	go func() {
		<-fetch.called
		s.Cancel()
	}()

	_, err = it.Next()
	assert.ErrorIs(t, err, Done)
	assert.Equal(t, start, s.Position())
	assert.Equal(t, SessionClosed, s.State())
	assert.NoError(t, s.Err())
}

func TestSession_ClosedResolvesOnce(t *testing.T) {
	s, _ := newTestSession(t, sessionOpts{pos: Position{Offset: "1", UpToDate: true}, data: "x"})

	_, err := s.ReadAll()
	require.NoError(t, err)
	waitDone(t, s)

	// Late closes are no-ops.
	s.closeWith(closeFailed, errors.New("late"))
	s.Cancel()
	assert.NoError(t, s.Err())

	_, err = s.pull()
	assert.ErrorIs(t, err, Done)
}

func TestSession_TransportErrorFailsSession(t *testing.T) {
	notFound := classifyStatus("read", "http://example.com/streams/test", 404)
	fetch := newScriptedFetch(fetchStep{err: notFound})
	s, _ := newTestSession(t, sessionOpts{
		pos:   Position{Offset: "1"},
		data:  "a",
		fetch: fetch.fetch,
	})

	_, err := s.ReadAll()
	require.ErrorIs(t, err, ErrStreamNotFound)
	waitDone(t, s)
	assert.ErrorIs(t, s.Err(), ErrStreamNotFound)
}

func TestSession_NoBodyEmitsEmptyChunk(t *testing.T) {
	s, _ := newTestSession(t, sessionOpts{
		pos:    Position{Offset: "3", UpToDate: true},
		noBody: true,
	})

	it := s.Chunks()
	defer it.Close()
	chunk, err := it.Next()
	require.NoError(t, err)
	assert.Empty(t, chunk.Data)
	assert.Equal(t, Offset("3"), chunk.NextOffset)

	_, err = it.Next()
	assert.ErrorIs(t, err, Done)
}

// =============================================================================
// Continuation
// =============================================================================

func TestSession_CatchUpFetchesUntilUpToDate(t *testing.T) {
	fetch := newScriptedFetch(
		respond("2", "", false, "b"),
		respond("3", "", true, "c"),
	)
	s, _ := newTestSession(t, sessionOpts{
		live:  LiveModeLongPoll,
		pos:   Position{Offset: "1"},
		data:  "a",
		fetch: fetch.fetch,
	})

	data, err := s.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
	assert.Equal(t, Position{Offset: "3", UpToDate: true}, s.Position())

	// Accumulating reads never ask the server to hold the request.
	for _, req := range fetch.Requests() {
		assert.False(t, req.Live)
	}
}

func TestSession_AbsentHeadersKeepPosition(t *testing.T) {
	fetch := newScriptedFetch(respond("", "", true, "x"))
	s, _ := newTestSession(t, sessionOpts{
		pos:   Position{Offset: "5", Cursor: "c1"},
		data:  "init",
		fetch: fetch.fetch,
	})

	data, err := s.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, "initx", string(data))
	assert.Equal(t, Position{Offset: "5", Cursor: "c1", UpToDate: true}, s.Position())
}

func TestSession_PushContinuation(t *testing.T) {
	push := &fakePush{chunks: []*Chunk{
		{Data: []byte("b"), NextOffset: "2", Cursor: "k2"},
		{Data: []byte{}, UpToDate: true},
		{Data: []byte("c"), NextOffset: "3", UpToDate: true},
	}}
	s, _ := newTestSession(t, sessionOpts{
		contentType: "text/plain",
		live:        LiveModeSSE,
		pos:         Position{Offset: "1", UpToDate: true},
		data:        "a",
		push:        push.open,
	})

	it := s.TextChunks()
	var got []string
	var offsets []Offset
	var cursors []string
	for i := 0; i < 4; i++ {
		text, err := it.Next()
		require.NoError(t, err)
		got = append(got, text.Text)
		offsets = append(offsets, text.NextOffset)
		cursors = append(cursors, text.Cursor)
	}
	assert.Equal(t, []string{"a", "b", "", "c"}, got)
	// A chunk without an offset or cursor keeps the previous one.
	assert.Equal(t, []Offset{"1", "2", "2", "3"}, offsets)
	assert.Equal(t, []string{"", "k2", "k2", "k2"}, cursors)
	assert.Equal(t, "k2", s.Position().Cursor)

	require.Len(t, push.opened, 1)
	assert.Equal(t, Offset("1"), push.opened[0].Offset)

	require.NoError(t, it.Close())
	waitDone(t, s)
	assert.True(t, push.closed.Load())
}

func TestSession_PushSessionCatchesUpWithFetch(t *testing.T) {
	push := &fakePush{}
	fetch := newScriptedFetch(respond("2", "", true, "b"))
	s, _ := newTestSession(t, sessionOpts{
		contentType: "text/plain",
		live:        LiveModeSSE,
		pos:         Position{Offset: "1"},
		data:        "a",
		fetch:       fetch.fetch,
		push:        push.open,
	})

	text, err := s.ReadAllText()
	require.NoError(t, err)
	assert.Equal(t, "ab", text)
	assert.Empty(t, push.opened)
}

// =============================================================================
// Decoding through the session
// =============================================================================

func TestSession_DecodeErrorClosesSession(t *testing.T) {
	s, _ := newTestSession(t, sessionOpts{
		contentType: "application/json",
		pos:         Position{Offset: "1", UpToDate: true},
		data:        "{bad json",
	})

	_, err := s.Batches().Next()
	require.ErrorIs(t, err, ErrDecode)
	waitDone(t, s)
	assert.ErrorIs(t, s.Err(), ErrDecode)
}

func TestSession_ReadAllRecordsDecodeErrorFailsSession(t *testing.T) {
	s, _ := newTestSession(t, sessionOpts{
		contentType: "application/json",
		pos:         Position{Offset: "1", UpToDate: true},
		data:        "{bad json",
	})

	_, err := s.ReadAllRecords()
	require.ErrorIs(t, err, ErrDecode)
	waitDone(t, s)
	assert.Equal(t, SessionClosed, s.State())
	assert.ErrorIs(t, s.Err(), ErrDecode)
}

func TestSession_LastChunkCompletesOnClose(t *testing.T) {
	cp := &memCheckpoint{}
	s, _ := newTestSession(t, sessionOpts{
		pos:        Position{Offset: "4", UpToDate: true},
		data:       "tail",
		checkpoint: cp,
	})

	it := s.Chunks()
	chunk, err := it.Next()
	require.NoError(t, err)
	assert.True(t, chunk.UpToDate)

	// The consumer still holds the last chunk.
	assert.Equal(t, SessionConsuming, s.State())
	select {
	case <-s.Done():
		t.Fatal("session closed before the consumer let go")
	default:
	}

	require.NoError(t, it.Close())
	waitDone(t, s)
	assert.NoError(t, s.Err())
	assert.Equal(t, []Offset{"4"}, cp.offsets())
}

func TestSession_ReadAllTextAcrossChunks(t *testing.T) {
	fetch := newScriptedFetch(respond("2", "", true, "\xa9!"))
	s, _ := newTestSession(t, sessionOpts{
		contentType: "text/plain; charset=utf-8",
		pos:         Position{Offset: "1"},
		data:        "caf\xc3",
		fetch:       fetch.fetch,
	})

	text, err := s.ReadAllText()
	require.NoError(t, err)
	assert.Equal(t, "café!", text)
}

func TestReadAllJSON_Typed(t *testing.T) {
	type event struct {
		ID int `json:"id"`
	}
	fetch := newScriptedFetch(respond("2", "", true, "{\"id\":3}\n{\"id\":4}\n"))
	s, _ := newTestSession(t, sessionOpts{
		contentType: "application/json",
		pos:         Position{Offset: "1"},
		data:        `[{"id":1},{"id":2}]`,
		fetch:       fetch.fetch,
	})

	events, err := ReadAllJSON[event](s)
	require.NoError(t, err)
	assert.Equal(t, []event{{1}, {2}, {3}, {4}}, events)
}

func TestSubscribeText_FlushesRemainder(t *testing.T) {
	s, _ := newTestSession(t, sessionOpts{
		contentType: "text/plain",
		pos:         Position{Offset: "1", UpToDate: true},
		data:        "ok\xe2\x82",
	})

	var mu sync.Mutex
	var texts []string
	finished := make(chan struct{})
	_, err := s.SubscribeText(func(_ context.Context, text *TextChunk) error {
		mu.Lock()
		defer mu.Unlock()
		texts = append(texts, text.Text)
		if len(texts) == 2 {
			close(finished)
		}
		return nil
	})
	require.NoError(t, err)

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("remainder was not flushed")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, texts, 2)
	assert.Equal(t, "ok", texts[0])
	assert.NotEmpty(t, texts[1])
	assert.Empty(t, strings.Trim(texts[1], "\uFFFD"), "an incomplete sequence decodes to replacement characters")
}

func TestSession_SubscribeHandlerContextLive(t *testing.T) {
	s, _ := newTestSession(t, sessionOpts{
		contentType: "application/json",
		pos:         Position{Offset: "1", UpToDate: true},
		data:        "[1,2]",
	})

	ctxErrs := make(chan error, 1)
	_, err := s.SubscribeRecords(func(ctx context.Context, batch *Batch[json.RawMessage]) error {
		ctxErrs <- ctx.Err()
		return nil
	})
	require.NoError(t, err)

	select {
	case err := <-ctxErrs:
		assert.NoError(t, err, "the handler for the last batch runs before the session closes")
	case <-time.After(5 * time.Second):
		t.Fatal("handler not called")
	}
	waitDone(t, s)
	assert.NoError(t, s.Err())
}

func TestSubscribeText_FlushErrorFailsSession(t *testing.T) {
	s, _ := newTestSession(t, sessionOpts{
		contentType: "text/plain",
		pos:         Position{Offset: "1", UpToDate: true},
		data:        "ok\xe2\x82",
	})

	boom := errors.New("boom")
	var calls atomic.Int32
	_, err := s.SubscribeText(func(_ context.Context, _ *TextChunk) error {
		if calls.Add(1) == 2 {
			return boom
		}
		return nil
	})
	require.NoError(t, err)

	waitDone(t, s)
	assert.Equal(t, int32(2), calls.Load())
	assert.ErrorIs(t, s.Err(), boom)
}

func TestItems(t *testing.T) {
	s, _ := newTestSession(t, sessionOpts{
		contentType: "application/json",
		pos:         Position{Offset: "1", UpToDate: true},
		data:        `["a","b","c"]`,
	})

	items, errs := Items[string](context.Background(), s)
	var got []string
	for item := range items {
		got = append(got, item)
	}
	require.NoError(t, <-errs)
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestItems_CancelStopsBlockedSession(t *testing.T) {
	fetch := newScriptedFetch()
	s, _ := newTestSession(t, sessionOpts{
		contentType: "application/json",
		live:        LiveModeLongPoll,
		pos:         Position{Offset: "1", UpToDate: true},
		data:        `["a"]`,
		fetch:       fetch.fetch,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	items, errs := Items[string](ctx, s)
	require.Equal(t, "a", <-items)

	// Wait for the long-poll to be in flight.
	select {
	case <-fetch.called:
	case <-time.After(5 * time.Second):
		t.Fatal("long-poll not issued")
	}
	cancel()

	select {
	case _, ok := <-items:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("items channel not closed after cancel")
	}
	assert.NoError(t, <-errs)
	waitDone(t, s)
	assert.Equal(t, SessionClosed, s.State())
	assert.NoError(t, s.Err())
}

// =============================================================================
// Checkpoints
// =============================================================================

func TestSession_CheckpointCommitsConsumedChunks(t *testing.T) {
	cp := &memCheckpoint{}
	fetch := newScriptedFetch(respond("2", "", true, "b"))
	s, _ := newTestSession(t, sessionOpts{
		pos:        Position{Offset: "1"},
		data:       "a",
		fetch:      fetch.fetch,
		checkpoint: cp,
	})

	it := s.Chunks()
	_, err := it.Next()
	require.NoError(t, err)
	assert.Empty(t, cp.offsets(), "a chunk is committed only once the next one is requested")

	_, err = it.Next()
	require.NoError(t, err)
	assert.Equal(t, []Offset{"1"}, cp.offsets())

	_, err = it.Next()
	require.ErrorIs(t, err, Done)
	assert.Equal(t, []Offset{"1", "2"}, cp.offsets())
}

func TestSession_CheckpointSkippedOnCancel(t *testing.T) {
	cp := &memCheckpoint{}
	s, _ := newTestSession(t, sessionOpts{
		live:       LiveModeLongPoll,
		pos:        Position{Offset: "1", UpToDate: true},
		data:       "a",
		fetch:      newScriptedFetch().fetch,
		checkpoint: cp,
	})

	it := s.Chunks()
	_, err := it.Next()
	require.NoError(t, err)
	s.Cancel()

	_, err = it.Next()
	assert.ErrorIs(t, err, Done)
	assert.Empty(t, cp.offsets())
}

func TestSession_CheckpointAfterReadAll(t *testing.T) {
	cp := &memCheckpoint{}
	s, _ := newTestSession(t, sessionOpts{
		pos:        Position{Offset: "9", UpToDate: true},
		data:       "a",
		checkpoint: cp,
	})

	_, err := s.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, []Offset{"9"}, cp.offsets())
}

// =============================================================================
// Properties
// =============================================================================

func TestPositionNeverRegressesProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("omitted headers never reset offset or cursor", prop.ForAll(
		func(omitOffset []bool, omitCursor []bool) bool {
			n := min(len(omitOffset), len(omitCursor))
			steps := make([]fetchStep, 0, n)
			for i := 0; i < n; i++ {
				var offset Offset
				var cursor string
				if !omitOffset[i] {
					offset = Offset(fmt.Sprintf("%08d", i+1))
				}
				if !omitCursor[i] {
					cursor = fmt.Sprintf("c%08d", i+1)
				}
				steps = append(steps, respond(offset, cursor, i == n-1, "x"))
			}

			s, _ := newTestSession(t, sessionOpts{
				pos:   Position{Offset: "00000000", UpToDate: n == 0},
				fetch: newScriptedFetch(steps...).fetch,
			})
			it := s.Chunks()
			defer it.Close()

			prev := Position{Offset: "00000000"}
			for {
				chunk, err := it.Next()
				if errors.Is(err, Done) {
					return true
				}
				if err != nil {
					return false
				}
				if chunk.NextOffset < prev.Offset || chunk.NextOffset == "" {
					return false
				}
				if prev.Cursor != "" && chunk.Cursor == "" {
					return false
				}
				prev = chunk.Position()
			}
		},
		gen.SliceOf(gen.Bool()),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
