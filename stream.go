package durablestreams

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Protocol header names
const (
	headerContentType    = "Content-Type"
	headerStreamOffset   = "Stream-Next-Offset"
	headerStreamCursor   = "Stream-Cursor"
	headerStreamUpToDate = "Stream-Up-To-Date"
	headerStreamSeq      = "Stream-Seq"
	headerStreamTTL      = "Stream-TTL"
	headerStreamExpires  = "Stream-Expires-At"
	headerETag           = "ETag"
	headerIfMatch        = "If-Match"
	headerSSEEncoding    = "Stream-SSE-Data-Encoding"
)

// Stream represents a durable stream handle.
// It is a lightweight, reusable object - not a persistent connection.
//
// Create a Stream using Client.Stream():
//
//	stream := client.Stream("https://example.com/streams/my-stream")
type Stream struct {
	url    string
	client *Client

	// Cached content type from HEAD/Create operations
	contentType string
}

// URL returns the stream's URL.
func (s *Stream) URL() string {
	return s.url
}

// ContentType returns the cached content type.
// This is populated after Create or Head operations.
func (s *Stream) ContentType() string {
	return s.contentType
}

// SetContentType sets the cached content type.
// Use this when you know the stream's content type without calling Head.
func (s *Stream) SetContentType(ct string) {
	s.contentType = ct
}

// Metadata contains stream information from HEAD request.
type Metadata struct {
	// ContentType is the stream's MIME type.
	ContentType string

	// NextOffset is the tail offset (next position after current end).
	NextOffset Offset

	// TTL is the remaining time-to-live, if set.
	TTL *time.Duration

	// ExpiresAt is the absolute expiry time, if set.
	ExpiresAt *time.Time

	// ETag for conditional requests.
	ETag string
}

// AppendResult contains the response from an append operation.
type AppendResult struct {
	// NextOffset is the tail offset after this append.
	// Use this for checkpointing or exactly-once semantics.
	NextOffset Offset

	// ETag for conditional requests (if returned by server).
	ETag string
}

// Create creates a new stream (idempotent).
// Succeeds if the stream already exists with matching config.
// Returns ErrStreamExists only if config differs (409 Conflict).
//
// Example:
//
//	err := stream.Create(ctx,
//	    durablestreams.WithContentType("application/json"),
//	    durablestreams.WithTTL(24*time.Hour),
//	)
func (s *Stream) Create(ctx context.Context, opts ...CreateOption) error {
	cfg := &createConfig{
		contentType: "application/octet-stream",
	}
	for _, opt := range opts {
		opt(cfg)
	}

	makeRequest := func(ctx context.Context) (*http.Request, error) {
		var body io.Reader
		if len(cfg.initialData) > 0 {
			body = bytes.NewReader(cfg.initialData)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.url, body)
		if err != nil {
			return nil, err
		}
		if err := s.client.setHeaders(ctx, req, cfg.headers); err != nil {
			return nil, err
		}
		req.Header.Set(headerContentType, cfg.contentType)
		if cfg.ttl > 0 {
			req.Header.Set(headerStreamTTL, strconv.FormatInt(int64(cfg.ttl.Seconds()), 10))
		}
		if !cfg.expiresAt.IsZero() {
			req.Header.Set(headerStreamExpires, cfg.expiresAt.Format(time.RFC3339))
		}
		return req, nil
	}

	resp, err := s.client.do(ctx, "create", s.url, makeRequest)
	if err != nil {
		return asStreamError("create", s.url, err)
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK, http.StatusNoContent:
		s.contentType = cfg.contentType
		return nil
	default:
		return classifyStatus("create", s.url, resp.StatusCode)
	}
}

// Append writes data to the stream and returns the result.
// The AppendResult contains the NextOffset for checkpointing.
// Append automatically retries on transient errors (5xx, 429) with exponential backoff.
//
// Example:
//
//	result, err := stream.Append(ctx, []byte(`{"event": "test"}`))
//	fmt.Println("Next offset:", result.NextOffset)
func (s *Stream) Append(ctx context.Context, data []byte, opts ...AppendOption) (*AppendResult, error) {
	if len(data) == 0 {
		return nil, newStreamError("append", s.url, 0, ErrEmptyAppend)
	}

	cfg := &appendConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	contentType := s.contentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	makeRequest := func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		if err := s.client.setHeaders(ctx, req, cfg.headers); err != nil {
			return nil, err
		}
		req.Header.Set(headerContentType, contentType)
		if cfg.seq != "" {
			req.Header.Set(headerStreamSeq, cfg.seq)
		}
		if cfg.ifMatch != "" {
			req.Header.Set(headerIfMatch, cfg.ifMatch)
		}
		return req, nil
	}

	resp, err := s.client.do(ctx, "append", s.url, makeRequest)
	if err != nil {
		return nil, asStreamError("append", s.url, err)
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusCreated:
		return &AppendResult{
			NextOffset: Offset(resp.Header.Get(headerStreamOffset)),
			ETag:       resp.Header.Get(headerETag),
		}, nil
	default:
		return nil, classifyStatus("append", s.url, resp.StatusCode)
	}
}

// AppendJSON writes JSON data to the stream.
// For JSON streams, arrays are flattened one level by the server.
//
// Example:
//
//	result, err := stream.AppendJSON(ctx, map[string]any{"event": "test"})
func (s *Stream) AppendJSON(ctx context.Context, v any, opts ...AppendOption) (*AppendResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, newStreamError("append", s.url, 0, fmt.Errorf("json marshal: %w", err))
	}
	return s.Append(ctx, data, opts...)
}

// Delete removes the stream.
//
// Example:
//
//	err := stream.Delete(ctx)
func (s *Stream) Delete(ctx context.Context, opts ...DeleteOption) error {
	cfg := &deleteConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	resp, err := s.client.do(ctx, "delete", s.url, s.simpleRequest(http.MethodDelete, cfg.headers))
	if err != nil {
		return asStreamError("delete", s.url, err)
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	default:
		return classifyStatus("delete", s.url, resp.StatusCode)
	}
}

// Head returns stream metadata without reading content.
//
// Example:
//
//	meta, err := stream.Head(ctx)
//	fmt.Println("Content-Type:", meta.ContentType)
//	fmt.Println("Next offset:", meta.NextOffset)
func (s *Stream) Head(ctx context.Context, opts ...HeadOption) (*Metadata, error) {
	cfg := &headConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	resp, err := s.client.do(ctx, "head", s.url, s.simpleRequest(http.MethodHead, cfg.headers))
	if err != nil {
		return nil, asStreamError("head", s.url, err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus("head", s.url, resp.StatusCode)
	}

	meta := &Metadata{
		ContentType: resp.Header.Get(headerContentType),
		NextOffset:  Offset(resp.Header.Get(headerStreamOffset)),
		ETag:        resp.Header.Get(headerETag),
	}
	if meta.ContentType != "" {
		s.contentType = meta.ContentType
	}
	if ttlStr := resp.Header.Get(headerStreamTTL); ttlStr != "" {
		if secs, err := strconv.ParseInt(ttlStr, 10, 64); err == nil {
			ttl := time.Duration(secs) * time.Second
			meta.TTL = &ttl
		}
	}
	if expiresStr := resp.Header.Get(headerStreamExpires); expiresStr != "" {
		if t, err := time.Parse(time.RFC3339, expiresStr); err == nil {
			meta.ExpiresAt = &t
		}
	}
	return meta, nil
}

// Open issues the initial read and returns a Session over its response.
// The response headers have been parsed when Open returns; the body is
// read by whichever consumption method the caller picks.
//
// Open fails with a *StreamError when the initial request fails. Once the
// session exists, continuation failures are reported by the consumption
// method instead.
//
//	session, err := stream.Open(ctx, durablestreams.WithLive(durablestreams.LiveModeLongPoll))
//	if err != nil {
//	    return err
//	}
//	it := session.Chunks()
//	defer it.Close()
func (s *Stream) Open(ctx context.Context, opts ...ReadOption) (_ *Session, err error) {
	cfg := &readConfig{
		offset: StartOffset,
		live:   LiveModeNone,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	ctx, span := s.client.tracer.Start(ctx, "durablestreams.open",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("durablestreams.url", s.url),
			attribute.String("durablestreams.live", string(cfg.live)),
		))
	defer func() { endSpan(span, err) }()

	if cfg.checkpoint != nil {
		pos, ok, err := cfg.checkpoint.Load(ctx, cfg.checkpointKey)
		if err != nil {
			return nil, newStreamError("read", s.url, 0, fmt.Errorf("load checkpoint %q: %w", cfg.checkpointKey, err))
		}
		if ok {
			cfg.offset = pos.Offset
			cfg.cursor = pos.Cursor
			s.client.logger.Debug("resuming from checkpoint",
				zap.String("key", cfg.checkpointKey),
				zap.String("offset", string(pos.Offset)))
		}
	}
	span.SetAttributes(attribute.String("durablestreams.offset", string(cfg.offset)))

	start := Position{Offset: cfg.offset, Cursor: cfg.cursor}
	readURL := s.buildReadURL(start.Offset, LiveModeNone, start.Cursor)
	resp, err := s.client.do(ctx, "read", s.url, s.getRequest(readURL, cfg.headers, ""))
	if err != nil {
		return nil, asStreamError("read", s.url, err)
	}

	var body io.ReadCloser
	switch resp.StatusCode {
	case http.StatusOK:
		body = resp.Body
	case http.StatusNoContent, http.StatusNotModified:
		drain(resp)
	default:
		drain(resp)
		return nil, classifyStatus("read", s.url, resp.StatusCode)
	}

	contentType := resp.Header.Get(headerContentType)
	if contentType == "" {
		contentType = s.contentType
	} else {
		s.contentType = contentType
	}

	pos := start.merge(
		Offset(resp.Header.Get(headerStreamOffset)),
		resp.Header.Get(headerStreamCursor),
		resp.Header.Get(headerStreamUpToDate) == "true" || resp.StatusCode == http.StatusNoContent,
	)

	live := cfg.live
	if live == LiveModeAuto {
		live = selectLiveMode(contentType)
	}
	mode := modeFor(contentType, cfg.json)

	sessionCfg := SessionConfig{
		URL:         s.url,
		Live:        live,
		StartOffset: start.Offset,
		Initial: InitialResponse{
			ContentType: contentType,
			JSON:        cfg.json,
			Position:    pos,
			Body:        body,
		},
		Fetch:         s.longPollFetch(cfg.headers),
		Logger:        s.client.logger,
		Checkpoint:    cfg.checkpoint,
		CheckpointKey: cfg.checkpointKey,
	}
	if live == LiveModeSSE {
		sessionCfg.Push = s.ssePush(cfg.headers, mode == ModeJSON)
	}
	return NewSession(ctx, sessionCfg), nil
}

// simpleRequest builds requests without a body for HEAD and DELETE.
func (s *Stream) simpleRequest(method string, headers map[string]string) func(context.Context) (*http.Request, error) {
	return func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, method, s.url, nil)
		if err != nil {
			return nil, err
		}
		if err := s.client.setHeaders(ctx, req, headers); err != nil {
			return nil, err
		}
		return req, nil
	}
}

// getRequest builds read requests for readURL.
func (s *Stream) getRequest(readURL string, headers map[string]string, accept string) func(context.Context) (*http.Request, error) {
	return func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, readURL, nil)
		if err != nil {
			return nil, err
		}
		if err := s.client.setHeaders(ctx, req, headers); err != nil {
			return nil, err
		}
		if accept != "" {
			req.Header.Set("Accept", accept)
		}
		return req, nil
	}
}

// selectLiveMode chooses the best live mode based on content type.
// Returns SSE for text/* and application/json, long-poll otherwise.
func selectLiveMode(ct string) LiveMode {
	if ct == "" {
		// No content type known, use long-poll as safer default
		return LiveModeLongPoll
	}
	if strings.HasPrefix(strings.ToLower(ct), "text/") || isJSONContentType(ct) {
		return LiveModeSSE
	}
	return LiveModeLongPoll
}

// buildReadURL constructs the URL for a read request with query parameters.
func (s *Stream) buildReadURL(offset Offset, live LiveMode, cursor string) string {
	u, err := url.Parse(s.url)
	if err != nil {
		return s.url
	}

	q := u.Query()

	// Always include offset (even for start position "-1")
	if offset.IsStart() {
		q.Set("offset", string(StartOffset))
	} else {
		q.Set("offset", string(offset))
	}

	switch live {
	case LiveModeLongPoll:
		q.Set("live", "long-poll")
	case LiveModeSSE:
		q.Set("live", "sse")
	}

	// Add cursor for CDN collapsing
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	u.RawQuery = q.Encode()
	return u.String()
}

// asStreamError wraps err for op unless it already is a *StreamError.
// Context errors are wrapped as they are so errors.Is still matches them.
func asStreamError(op, url string, err error) error {
	if se, ok := err.(*StreamError); ok {
		return se
	}
	return newStreamError(op, url, 0, err)
}

// drain discards and closes a response body so the connection can be reused.
func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
