package durablestreams

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/durable-streams/durable-streams-go/internal/sse"
)

// =============================================================================
// Long-poll continuation
// =============================================================================

// longPollFetch returns the FetchFunc serving catch-up reads and long-poll
// continuation over plain GET requests.
func (s *Stream) longPollFetch(headers map[string]string) FetchFunc {
	return func(ctx context.Context, req ContinuationRequest) (_ *ContinuationResponse, err error) {
		live := LiveModeNone
		if req.Live {
			live = LiveModeLongPoll
		}

		ctx, span := s.client.tracer.Start(ctx, "durablestreams.fetch",
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("durablestreams.url", s.url),
				attribute.String("durablestreams.offset", string(req.Position.Offset)),
				attribute.Bool("durablestreams.live", req.Live),
			))
		defer func() { endSpan(span, err) }()

		readURL := s.buildReadURL(req.Position.Offset, live, req.Position.Cursor)
		resp, err := s.client.do(ctx, "read", s.url, s.getRequest(readURL, headers, ""))
		if err != nil {
			return nil, err
		}
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

		switch resp.StatusCode {
		case http.StatusOK:
			return &ContinuationResponse{
				Offset:   Offset(resp.Header.Get(headerStreamOffset)),
				Cursor:   resp.Header.Get(headerStreamCursor),
				UpToDate: resp.Header.Get(headerStreamUpToDate) == "true",
				ETag:     resp.Header.Get(headerETag),
				Body:     resp.Body,
			}, nil

		case http.StatusNoContent:
			// Long-poll timeout, or nothing past the offset on a catch-up read.
			drain(resp)
			return &ContinuationResponse{
				Offset:   Offset(resp.Header.Get(headerStreamOffset)),
				Cursor:   resp.Header.Get(headerStreamCursor),
				UpToDate: resp.Header.Get(headerStreamUpToDate) == "true" || !req.Live,
			}, nil

		case http.StatusNotModified:
			// Cache hit: nothing new, only the cursor may move.
			drain(resp)
			return &ContinuationResponse{
				Cursor:   resp.Header.Get(headerStreamCursor),
				UpToDate: req.Position.UpToDate,
			}, nil

		default:
			drain(resp)
			return nil, classifyStatus("read", s.url, resp.StatusCode)
		}
	}
}

// =============================================================================
// SSE continuation
// =============================================================================

// ssePush returns the PushFunc that tails the stream over Server-Sent
// Events. joinLines joins consecutive data events with newlines, which keeps
// separately framed JSON values parseable as line-delimited records.
func (s *Stream) ssePush(headers map[string]string, joinLines bool) PushFunc {
	return func(ctx context.Context, pos Position) (PushIterator, error) {
		it := &sseIterator{
			stream:    s,
			headers:   headers,
			joinLines: joinLines,
			limiter:   rate.NewLimiter(rate.Every(s.client.sseReconnect), 1),
			pos:       pos,
			logger:    s.client.logger.With(zap.String("url", s.url)),
		}
		if err := it.connect(ctx); err != nil {
			return nil, err
		}
		return it, nil
	}
}

// sseIterator turns SSE events into chunks. Data events are buffered until
// the control event that carries their offset. When the server ends the
// event stream the iterator reconnects from the last control position.
type sseIterator struct {
	stream    *Stream
	headers   map[string]string
	joinLines bool
	limiter   *rate.Limiter
	logger    *zap.Logger

	pos     Position
	pending []byte
	hasData bool

	mu     sync.Mutex
	body   io.ReadCloser
	parser *sse.Parser
	base64 bool
	closed bool
}

// connect opens a new event stream at it.pos. Reconnects are paced by the
// limiter.
func (it *sseIterator) connect(ctx context.Context) (err error) {
	if err := it.limiter.Wait(ctx); err != nil {
		return err
	}

	ctx, span := it.stream.client.tracer.Start(ctx, "durablestreams.sse.connect",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("durablestreams.url", it.stream.url),
			attribute.String("durablestreams.offset", string(it.pos.Offset)),
		))
	defer func() { endSpan(span, err) }()

	readURL := it.stream.buildReadURL(it.pos.Offset, LiveModeSSE, it.pos.Cursor)
	resp, err := it.stream.client.do(ctx, "read", it.stream.url,
		it.stream.getRequest(readURL, it.headers, "text/event-stream"))
	if err != nil {
		return err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		if ct := resp.Header.Get(headerContentType); !strings.HasPrefix(ct, "text/event-stream") {
			drain(resp)
			return newStreamError("read", it.stream.url, resp.StatusCode, ErrContentTypeMismatch)
		}
	case http.StatusBadRequest:
		// SSE is refused for binary streams.
		drain(resp)
		return newStreamError("read", it.stream.url, resp.StatusCode, ErrContentTypeMismatch)
	default:
		drain(resp)
		return classifyStatus("read", it.stream.url, resp.StatusCode)
	}

	it.mu.Lock()
	defer it.mu.Unlock()
	if it.closed {
		resp.Body.Close()
		return io.EOF
	}
	it.body = resp.Body
	it.parser = sse.NewParser(resp.Body)
	it.base64 = strings.EqualFold(resp.Header.Get(headerSSEEncoding), "base64")
	it.pending = nil
	it.hasData = false
	it.logger.Debug("sse connected",
		zap.String("offset", string(it.pos.Offset)),
		zap.Bool("base64", it.base64))
	return nil
}

// disconnect closes the current event stream, if any.
func (it *sseIterator) disconnect() {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.body != nil {
		it.body.Close()
	}
	it.body = nil
	it.parser = nil
}

// Next returns the chunk completed by the next control event.
func (it *sseIterator) Next(ctx context.Context) (*Chunk, error) {
	for {
		it.mu.Lock()
		parser, closed := it.parser, it.closed
		it.mu.Unlock()
		if closed {
			return nil, io.EOF
		}
		if parser == nil {
			if err := it.connect(ctx); err != nil {
				return nil, err
			}
			continue
		}

		event, err := parser.Next()
		if err != nil {
			it.disconnect()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if err == io.EOF {
				// The server ended the event stream; data without a control
				// event is sent again after reconnecting.
				it.logger.Debug("sse stream ended, reconnecting", zap.String("offset", string(it.pos.Offset)))
				continue
			}
			return nil, transportError("read", it.stream.url, err)
		}

		switch e := event.(type) {
		case sse.DataEvent:
			if err := it.buffer(e.Data); err != nil {
				return nil, newStreamError("read", it.stream.url, 0, err)
			}

		case sse.ControlEvent:
			it.pos = it.pos.merge(Offset(e.StreamNextOffset), e.StreamCursor, e.UpToDate)
			if !it.hasData && !e.UpToDate {
				continue
			}
			chunk := &Chunk{
				Data:       it.pending,
				NextOffset: it.pos.Offset,
				Cursor:     it.pos.Cursor,
				UpToDate:   it.pos.UpToDate,
			}
			if chunk.Data == nil {
				chunk.Data = []byte{}
			}
			it.pending = nil
			it.hasData = false
			return chunk, nil
		}
	}
}

// buffer adds one data event to the pending chunk.
func (it *sseIterator) buffer(data string) error {
	payload := []byte(data)
	if it.base64 {
		clean := strings.Map(func(r rune) rune {
			if r == '\n' || r == '\r' || r == ' ' {
				return -1
			}
			return r
		}, data)
		decoded, err := base64.StdEncoding.DecodeString(clean)
		if err != nil {
			return fmt.Errorf("decode base64 event data: %w", err)
		}
		payload = decoded
	}
	if it.hasData && it.joinLines && !bytes.HasSuffix(it.pending, []byte("\n")) {
		it.pending = append(it.pending, '\n')
	}
	it.pending = append(it.pending, payload...)
	it.hasData = true
	return nil
}

// Close closes the event stream. Next returns io.EOF afterwards.
func (it *sseIterator) Close() error {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.closed = true
	if it.body != nil {
		it.body.Close()
		it.body = nil
	}
	it.parser = nil
	return nil
}
