package durablestreamstest

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Protocol header names.
const (
	HeaderStreamNextOffset = "Stream-Next-Offset"
	HeaderStreamCursor     = "Stream-Cursor"
	HeaderStreamUpToDate   = "Stream-Up-To-Date"
	HeaderStreamSeq        = "Stream-Seq"
	HeaderStreamTTL        = "Stream-TTL"
	HeaderStreamExpiresAt  = "Stream-Expires-At"
	HeaderSSEDataEncoding  = "Stream-SSE-Data-Encoding"
)

const (
	defaultLongPollTimeout   = 2 * time.Second
	defaultSSEConnectionTime = 5 * time.Second

	// cursorIntervalSeconds is the width of one cursor interval.
	cursorIntervalSeconds = 20
)

// cursorEpoch is the zero point of interval cursors.
var cursorEpoch = time.Date(2024, 10, 9, 0, 0, 0, 0, time.UTC)

// MockServer is an in-memory implementation of a Durable Streams server.
// It serves catch-up reads, long-poll with a 204 timeout, and SSE with
// control events, and records every request it receives.
type MockServer struct {
	server *httptest.Server

	mu       sync.Mutex
	streams  map[string]*mockStream
	requests []RecordedRequest
	failures []injectedFailure

	longPollTimeout time.Duration
	sseConnTime     time.Duration
	sseBase64       bool
}

// RecordedRequest is a request received by a MockServer.
type RecordedRequest struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
}

// injectedFailure is a canned error response served before normal handling.
type injectedFailure struct {
	status     int
	retryAfter string
}

// mockStream represents an in-memory stream.
type mockStream struct {
	contentType string
	messages    []message
	size        int
	lastSeq     string
	createdAt   time.Time
	ttl         *time.Duration
	expiresAt   *time.Time

	// changed is closed and replaced on every append.
	changed chan struct{}
}

// message is one appended record and the byte offset where it ends.
type message struct {
	data []byte
	end  int
}

// Option configures a MockServer.
type Option func(*MockServer)

// WithLongPollTimeout sets how long a caught-up long-poll read waits for
// data before answering 204 No Content.
func WithLongPollTimeout(d time.Duration) Option {
	return func(ms *MockServer) {
		ms.longPollTimeout = d
	}
}

// WithSSEConnectionTime sets how long an SSE response stays open before the
// server closes it, forcing the client to reconnect.
func WithSSEConnectionTime(d time.Duration) Option {
	return func(ms *MockServer) {
		ms.sseConnTime = d
	}
}

// WithSSEBase64 makes the server base64-encode SSE data events and
// announce it with the Stream-SSE-Data-Encoding header. Binary streams can
// then be read over SSE.
func WithSSEBase64() Option {
	return func(ms *MockServer) {
		ms.sseBase64 = true
	}
}

// NewMockServer creates a new mock Durable Streams server.
func NewMockServer(opts ...Option) *MockServer {
	ms := &MockServer{
		streams:         make(map[string]*mockStream),
		longPollTimeout: defaultLongPollTimeout,
		sseConnTime:     defaultSSEConnectionTime,
	}
	for _, opt := range opts {
		opt(ms)
	}

	ms.server = httptest.NewServer(http.HandlerFunc(ms.handleRequest))
	return ms
}

// URL returns the base URL of the mock server.
func (ms *MockServer) URL() string {
	return ms.server.URL
}

// HTTPClient returns an HTTP client configured to use the mock server.
func (ms *MockServer) HTTPClient() *http.Client {
	return ms.server.Client()
}

// Close shuts down the mock server.
func (ms *MockServer) Close() {
	ms.server.CloseClientConnections()
	ms.server.Close()
}

// Reset clears all streams, recorded requests and injected failures.
func (ms *MockServer) Reset() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.streams = make(map[string]*mockStream)
	ms.requests = nil
	ms.failures = nil
}

// CreateStream creates an empty stream at path.
func (ms *MockServer) CreateStream(path, contentType string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, ok := ms.streams[path]; ok {
		return
	}
	ms.streams[path] = newMockStream(contentType)
}

// AppendMessage appends data to the stream at path as if it had been
// POSTed. JSON arrays are flattened into one message per element.
func (ms *MockServer) AppendMessage(path string, data []byte) (string, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	stream, ok := ms.streams[path]
	if !ok {
		return "", fmt.Errorf("stream %s not found", path)
	}
	if err := stream.append(data); err != nil {
		return "", err
	}
	return formatOffset(stream.size), nil
}

// GetStreamData returns the raw data for a stream: every message
// concatenated in order. Useful for assertions in tests.
func (ms *MockServer) GetStreamData(path string) ([]byte, bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	stream, ok := ms.streams[path]
	if !ok {
		return nil, false
	}
	var buf bytes.Buffer
	for _, m := range stream.messages {
		buf.Write(m.data)
	}
	return buf.Bytes(), true
}

// TailOffset returns the offset after the last message of the stream.
func (ms *MockServer) TailOffset(path string) string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if stream, ok := ms.streams[path]; ok {
		return formatOffset(stream.size)
	}
	return ""
}

// FailNext makes the next count requests fail with status. A non-empty
// retryAfter is sent as the Retry-After header.
func (ms *MockServer) FailNext(count, status int, retryAfter string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for i := 0; i < count; i++ {
		ms.failures = append(ms.failures, injectedFailure{status: status, retryAfter: retryAfter})
	}
}

// Requests returns every request received so far.
func (ms *MockServer) Requests() []RecordedRequest {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return append([]RecordedRequest(nil), ms.requests...)
}

// ReadRequests returns the GET requests received for path.
func (ms *MockServer) ReadRequests(path string) []RecordedRequest {
	var reads []RecordedRequest
	for _, r := range ms.Requests() {
		if r.Method == http.MethodGet && r.Path == path {
			reads = append(reads, r)
		}
	}
	return reads
}

// handleRequest routes HTTP requests to the appropriate handler.
func (ms *MockServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	ms.mu.Lock()
	ms.requests = append(ms.requests, RecordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
		Header: r.Header.Clone(),
	})
	if len(ms.failures) > 0 {
		failure := ms.failures[0]
		ms.failures = ms.failures[1:]
		ms.mu.Unlock()
		if failure.retryAfter != "" {
			w.Header().Set("Retry-After", failure.retryAfter)
		}
		http.Error(w, http.StatusText(failure.status), failure.status)
		return
	}
	ms.mu.Unlock()

	path := r.URL.Path

	switch r.Method {
	case http.MethodPut:
		ms.handleCreate(w, r, path)
	case http.MethodPost:
		ms.handleAppend(w, r, path)
	case http.MethodGet:
		ms.handleRead(w, r, path)
	case http.MethodHead:
		ms.handleHead(w, r, path)
	case http.MethodDelete:
		ms.handleDelete(w, r, path)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleCreate handles PUT requests to create a stream.
func (ms *MockServer) handleCreate(w http.ResponseWriter, r *http.Request, path string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	if existing, ok := ms.streams[path]; ok {
		// Idempotent create - check content type matches
		if existing.contentType != contentType {
			http.Error(w, "Stream exists with different content type", http.StatusConflict)
			return
		}
		w.Header().Set(HeaderStreamNextOffset, formatOffset(existing.size))
		w.WriteHeader(http.StatusOK)
		return
	}

	initialData, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	stream := newMockStream(contentType)
	if len(initialData) > 0 {
		if err := stream.append(initialData); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	if ttlStr := r.Header.Get(HeaderStreamTTL); ttlStr != "" {
		if secs, err := strconv.ParseInt(ttlStr, 10, 64); err == nil {
			ttl := time.Duration(secs) * time.Second
			stream.ttl = &ttl
		}
	}
	if expiresStr := r.Header.Get(HeaderStreamExpiresAt); expiresStr != "" {
		if t, err := time.Parse(time.RFC3339, expiresStr); err == nil {
			stream.expiresAt = &t
		}
	}

	ms.streams[path] = stream

	w.Header().Set(HeaderStreamNextOffset, formatOffset(stream.size))
	w.WriteHeader(http.StatusCreated)
}

// handleAppend handles POST requests to append data.
func (ms *MockServer) handleAppend(w http.ResponseWriter, r *http.Request, path string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	stream, ok := ms.streams[path]
	if !ok {
		http.Error(w, "Stream not found", http.StatusNotFound)
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	if len(data) == 0 {
		http.Error(w, "Empty body", http.StatusBadRequest)
		return
	}

	// Sequence numbers must increase lexicographically
	if seq := r.Header.Get(HeaderStreamSeq); seq != "" {
		if seq <= stream.lastSeq {
			http.Error(w, "Sequence conflict", http.StatusConflict)
			return
		}
		stream.lastSeq = seq
	}

	if err := stream.append(data); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set(HeaderStreamNextOffset, formatOffset(stream.size))
	w.WriteHeader(http.StatusNoContent)
}

// handleRead handles GET requests: catch-up, long-poll and SSE.
func (ms *MockServer) handleRead(w http.ResponseWriter, r *http.Request, path string) {
	query := r.URL.Query()
	offset, err := parseOffset(query.Get("offset"))
	if err != nil {
		http.Error(w, "Invalid offset", http.StatusBadRequest)
		return
	}
	liveMode := query.Get("live")
	cursor := query.Get("cursor")

	ms.mu.Lock()
	stream, ok := ms.streams[path]
	if !ok {
		ms.mu.Unlock()
		http.Error(w, "Stream not found", http.StatusNotFound)
		return
	}
	if offset > stream.size {
		ms.mu.Unlock()
		http.Error(w, "Offset gone", http.StatusGone)
		return
	}
	ms.mu.Unlock()

	if liveMode == "sse" {
		ms.handleSSERead(w, r, stream, offset, cursor)
		return
	}

	ms.mu.Lock()
	messages := stream.readFrom(offset)
	changed := stream.changed
	ms.mu.Unlock()

	// Caught-up long-poll: wait for data or time out with 204
	if liveMode == "long-poll" && len(messages) == 0 {
		timer := time.NewTimer(ms.longPollTimeout)
		defer timer.Stop()
		select {
		case <-changed:
			ms.mu.Lock()
			messages = stream.readFrom(offset)
			ms.mu.Unlock()
		case <-timer.C:
		case <-r.Context().Done():
			return
		}
		if len(messages) == 0 {
			w.Header().Set("Content-Type", stream.contentType)
			w.Header().Set(HeaderStreamNextOffset, formatOffset(offset))
			w.Header().Set(HeaderStreamUpToDate, "true")
			w.Header().Set(HeaderStreamCursor, nextCursor(cursor))
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}

	ms.mu.Lock()
	next := offset
	if len(messages) > 0 {
		next = messages[len(messages)-1].end
	}
	upToDate := next == stream.size
	contentType := stream.contentType
	ms.mu.Unlock()

	w.Header().Set("Content-Type", contentType)
	w.Header().Set(HeaderStreamNextOffset, formatOffset(next))
	if upToDate {
		w.Header().Set(HeaderStreamUpToDate, "true")
	}
	if liveMode == "long-poll" {
		w.Header().Set(HeaderStreamCursor, nextCursor(cursor))
	}
	etag := fmt.Sprintf(`"%s"`, formatOffset(next))
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write(formatBody(contentType, messages))
}

// handleSSERead streams data and control events until the connection time
// elapses or the client goes away.
func (ms *MockServer) handleSSERead(w http.ResponseWriter, r *http.Request, stream *mockStream, offset int, cursor string) {
	ms.mu.Lock()
	contentType := stream.contentType
	ms.mu.Unlock()

	if !ms.sseBase64 && !isTextual(contentType) {
		http.Error(w, "SSE mode requires text/* or application/json content type", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if ms.sseBase64 {
		w.Header().Set(HeaderSSEDataEncoding, "base64")
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	deadline := time.NewTimer(ms.sseConnTime)
	defer deadline.Stop()

	current := offset
	sentControl := false
	for {
		ms.mu.Lock()
		messages := stream.readFrom(current)
		size := stream.size
		changed := stream.changed
		ms.mu.Unlock()

		if len(messages) > 0 {
			body := formatBody(contentType, messages)
			if ms.sseBase64 {
				body = []byte(base64.StdEncoding.EncodeToString(body))
			}
			fmt.Fprint(w, "event: data\n")
			for _, line := range strings.Split(string(body), "\n") {
				fmt.Fprintf(w, "data: %s\n", line)
			}
			fmt.Fprint(w, "\n")
			current = messages[len(messages)-1].end
		}
		if len(messages) > 0 || !sentControl {
			control, _ := json.Marshal(map[string]any{
				"streamNextOffset": formatOffset(current),
				"streamCursor":     nextCursor(cursor),
				"upToDate":         current == size,
			})
			fmt.Fprintf(w, "event: control\ndata: %s\n\n", control)
			flusher.Flush()
			sentControl = true
		}

		select {
		case <-changed:
		case <-deadline.C:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// handleHead handles HEAD requests for stream metadata.
func (ms *MockServer) handleHead(w http.ResponseWriter, r *http.Request, path string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	stream, ok := ms.streams[path]
	if !ok {
		http.Error(w, "Stream not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", stream.contentType)
	w.Header().Set(HeaderStreamNextOffset, formatOffset(stream.size))

	if stream.ttl != nil {
		remaining := *stream.ttl - time.Since(stream.createdAt)
		if remaining > 0 {
			w.Header().Set(HeaderStreamTTL, strconv.FormatInt(int64(remaining.Seconds()), 10))
		}
	}
	if stream.expiresAt != nil {
		w.Header().Set(HeaderStreamExpiresAt, stream.expiresAt.Format(time.RFC3339))
	}

	w.WriteHeader(http.StatusOK)
}

// handleDelete handles DELETE requests.
func (ms *MockServer) handleDelete(w http.ResponseWriter, r *http.Request, path string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	stream, ok := ms.streams[path]
	if !ok {
		http.Error(w, "Stream not found", http.StatusNotFound)
		return
	}

	close(stream.changed)
	stream.changed = make(chan struct{})
	delete(ms.streams, path)
	w.WriteHeader(http.StatusNoContent)
}

func newMockStream(contentType string) *mockStream {
	return &mockStream{
		contentType: contentType,
		createdAt:   time.Now(),
		changed:     make(chan struct{}),
	}
}

// append stores data as one message, or one per element when the stream
// is JSON and data is an array. Callers hold the server lock.
func (s *mockStream) append(data []byte) error {
	var parts [][]byte
	if isJSON(s.contentType) {
		trimmed := bytes.TrimSpace(data)
		if !json.Valid(trimmed) {
			return fmt.Errorf("invalid JSON")
		}
		if trimmed[0] == '[' {
			var items []json.RawMessage
			if err := json.Unmarshal(trimmed, &items); err != nil {
				return err
			}
			if len(items) == 0 {
				return fmt.Errorf("empty JSON array")
			}
			for _, item := range items {
				parts = append(parts, []byte(item))
			}
		} else {
			parts = [][]byte{trimmed}
		}
	} else {
		parts = [][]byte{data}
	}

	for _, p := range parts {
		s.size += len(p)
		s.messages = append(s.messages, message{data: append([]byte(nil), p...), end: s.size})
	}
	close(s.changed)
	s.changed = make(chan struct{})
	return nil
}

// readFrom returns the messages that end after offset.
func (s *mockStream) readFrom(offset int) []message {
	for i, m := range s.messages {
		if m.end > offset {
			return append([]message(nil), s.messages[i:]...)
		}
	}
	return nil
}

// formatBody renders messages the way reads return them: a JSON array for
// JSON streams, concatenated bytes otherwise.
func formatBody(contentType string, messages []message) []byte {
	var buf bytes.Buffer
	if isJSON(contentType) {
		buf.WriteByte('[')
		for i, m := range messages {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.Write(m.data)
		}
		buf.WriteByte(']')
		return buf.Bytes()
	}
	for _, m := range messages {
		buf.Write(m.data)
	}
	return buf.Bytes()
}

// formatOffset renders a byte position as a lexicographically sortable offset.
func formatOffset(pos int) string {
	return fmt.Sprintf("%016d_%016d", 0, pos)
}

// parseOffset accepts "-1", the empty string, or a formatted offset.
func parseOffset(s string) (int, error) {
	if s == "" || s == "-1" {
		return 0, nil
	}
	_, pos, ok := strings.Cut(s, "_")
	if !ok {
		return 0, fmt.Errorf("invalid offset %q", s)
	}
	n, err := strconv.Atoi(pos)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid offset %q", s)
	}
	return n, nil
}

// nextCursor returns the current interval cursor, or one past the client's
// cursor when the client is already at or ahead of it.
func nextCursor(clientCursor string) string {
	current := time.Since(cursorEpoch).Milliseconds() / (cursorIntervalSeconds * 1000)
	if client, err := strconv.ParseInt(clientCursor, 10, 64); err == nil && client >= current {
		return strconv.FormatInt(client+1, 10)
	}
	return strconv.FormatInt(current, 10)
}

func mediaType(ct string) string {
	mt, _, _ := strings.Cut(ct, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}

func isJSON(ct string) bool {
	return mediaType(ct) == "application/json"
}

func isTextual(ct string) bool {
	return isJSON(ct) || strings.HasPrefix(mediaType(ct), "text/")
}

// MockTransport is an http.RoundTripper that records requests and returns
// configured responses. Useful for testing client behavior without a server.
type MockTransport struct {
	mu        sync.Mutex
	requests  []*http.Request
	responses []*http.Response
	errors    []error
	index     int
}

// NewMockTransport creates a new MockTransport.
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// AddResponse adds a response to be returned by the next request.
func (mt *MockTransport) AddResponse(resp *http.Response, err error) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.responses = append(mt.responses, resp)
	mt.errors = append(mt.errors, err)
}

// AddStatus adds a response with the given status, headers and body.
func (mt *MockTransport) AddStatus(status int, headers map[string]string, body string) {
	resp := &http.Response{
		StatusCode: status,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(body)),
	}
	for k, v := range headers {
		resp.Header.Set(k, v)
	}
	mt.AddResponse(resp, nil)
}

// AddJSONResponse is a helper to add a JSON response.
func (mt *MockTransport) AddJSONResponse(status int, body any, headers map[string]string) {
	data, _ := json.Marshal(body)
	all := map[string]string{"Content-Type": "application/json"}
	for k, v := range headers {
		all[k] = v
	}
	mt.AddStatus(status, all, string(data))
}

// AddError adds a transport-level failure.
func (mt *MockTransport) AddError(err error) {
	mt.AddResponse(nil, err)
}

// Requests returns all recorded requests.
func (mt *MockTransport) Requests() []*http.Request {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return append([]*http.Request(nil), mt.requests...)
}

// RoundTrip implements http.RoundTripper.
func (mt *MockTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := req.Context().Err(); err != nil {
		return nil, err
	}

	mt.mu.Lock()
	defer mt.mu.Unlock()

	mt.requests = append(mt.requests, req)

	if mt.index >= len(mt.responses) {
		return nil, fmt.Errorf("no more mock responses configured")
	}

	resp := mt.responses[mt.index]
	err := mt.errors[mt.index]
	mt.index++

	if resp != nil {
		resp.Request = req
		if resp.Header == nil {
			resp.Header = make(http.Header)
		}
		if resp.Body == nil {
			resp.Body = io.NopCloser(strings.NewReader(""))
		}
	}
	return resp, err
}

// Reset clears all recorded requests and responses.
func (mt *MockTransport) Reset() {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.requests = nil
	mt.responses = nil
	mt.errors = nil
	mt.index = 0
}
