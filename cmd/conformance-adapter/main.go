// Package main implements the conformance test adapter for the Go client.
//
// This adapter communicates with the test runner via stdin/stdout using
// a JSON-line protocol: one command per input line, one result per output
// line. Run with:
//
//	go run ./cmd/conformance-adapter
//
// Set DURABLE_STREAMS_DEBUG to log client activity to stderr.
package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	durablestreams "github.com/durable-streams/durable-streams-go"
)

const (
	clientName    = "durable-streams-go"
	clientVersion = "0.1.0"

	defaultTimeout     = 30 * time.Second
	defaultReadTimeout = 5 * time.Second
	defaultMaxChunks   = 100
)

// command is one request from the test runner.
type command struct {
	Type      string            `json:"type"`
	ServerURL string            `json:"serverUrl,omitempty"`
	TimeoutMs int               `json:"timeoutMs,omitempty"`
	Path      string            `json:"path,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`

	ContentType string `json:"contentType,omitempty"`
	TTLSeconds  int    `json:"ttlSeconds,omitempty"`
	ExpiresAt   string `json:"expiresAt,omitempty"`

	Data   string `json:"data,omitempty"`
	Binary bool   `json:"binary,omitempty"`
	Seq    int    `json:"seq,omitempty"`

	Offset          string `json:"offset,omitempty"`
	Live            any    `json:"live,omitempty"` // false | "long-poll" | "sse" | "auto"
	MaxChunks       int    `json:"maxChunks,omitempty"`
	WaitForUpToDate bool   `json:"waitForUpToDate,omitempty"`
	// Format selects how a catch-up read is consumed: "bytes" (default),
	// "text" or "json".
	Format string `json:"format,omitempty"`
}

// result is the reply to one command.
type result struct {
	Type          string            `json:"type"`
	Success       bool              `json:"success"`
	ClientName    string            `json:"clientName,omitempty"`
	ClientVersion string            `json:"clientVersion,omitempty"`
	Features      *features         `json:"features,omitempty"`
	Status        int               `json:"status,omitempty"`
	Offset        string            `json:"offset,omitempty"`
	ContentType   string            `json:"contentType,omitempty"`
	Chunks        []readChunk       `json:"chunks"`
	Records       []json.RawMessage `json:"records,omitempty"`
	UpToDate      bool              `json:"upToDate"`
	CommandType   string            `json:"commandType,omitempty"`
	ErrorCode     string            `json:"errorCode,omitempty"`
	Message       string            `json:"message,omitempty"`
}

type features struct {
	SSE       bool `json:"sse"`
	LongPoll  bool `json:"longPoll"`
	Streaming bool `json:"streaming"`
}

type readChunk struct {
	Data   string `json:"data"`
	Binary bool   `json:"binary,omitempty"`
	Offset string `json:"offset,omitempty"`
}

// MarshalJSON keeps chunks an array, never null, on read results.
func (r result) MarshalJSON() ([]byte, error) {
	type plain result
	p := plain(r)
	if p.Type == "read" && p.Chunks == nil {
		p.Chunks = []readChunk{}
	}
	return json.Marshal(p)
}

// parseError marks malformed command input.
type parseError struct{ err error }

func (e *parseError) Error() string { return e.err.Error() }
func (e *parseError) Unwrap() error { return e.err }

type handler func(ctx context.Context, cmd command) (result, error)

// adapter holds the client configured by the last init command and the
// content types it has learned per stream path.
type adapter struct {
	logger       *zap.Logger
	client       *durablestreams.Client
	contentTypes map[string]string
	handlers     map[string]handler
}

func newAdapter(logger *zap.Logger) *adapter {
	a := &adapter{logger: logger, contentTypes: make(map[string]string)}
	a.handlers = map[string]handler{
		"init":     a.initClient,
		"create":   a.create,
		"connect":  a.connect,
		"append":   a.appendData,
		"read":     a.read,
		"head":     a.head,
		"delete":   a.deleteStream,
		"shutdown": func(context.Context, command) (result, error) { return result{}, nil },
	}
	return a
}

func main() {
	logger := zap.NewNop()
	// Diagnostics go to stderr; stdout carries the protocol.
	if os.Getenv("DURABLE_STREAMS_DEBUG") != "" {
		cfg := zap.NewDevelopmentConfig()
		cfg.OutputPaths = []string{"stderr"}
		if l, err := cfg.Build(); err == nil {
			logger = l
		}
	}
	defer logger.Sync()

	if err := newAdapter(logger).run(os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "conformance-adapter: %v\n", err)
		os.Exit(1)
	}
}

// run serves commands from in until shutdown or end of input.
func (a *adapter) run(in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 1024*1024), 10*1024*1024)
	enc := json.NewEncoder(out)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var cmd command
		if err := json.Unmarshal(line, &cmd); err != nil {
			if err := enc.Encode(failure("unknown", "PARSE_ERROR", fmt.Sprintf("failed to parse command: %v", err))); err != nil {
				return err
			}
			continue
		}
		if err := enc.Encode(a.handle(cmd)); err != nil {
			return err
		}
		if cmd.Type == "shutdown" {
			return nil
		}
	}
	return scanner.Err()
}

// handle runs one command under its timeout and turns errors into error
// results.
func (a *adapter) handle(cmd command) result {
	h, ok := a.handlers[cmd.Type]
	if !ok {
		return failure(cmd.Type, "NOT_SUPPORTED", fmt.Sprintf("unknown command type: %s", cmd.Type))
	}
	if a.client == nil && cmd.Type != "init" && cmd.Type != "shutdown" {
		return failure(cmd.Type, "INTERNAL_ERROR", "init must come first")
	}

	timeout := defaultTimeout
	if cmd.Type == "read" {
		timeout = defaultReadTimeout
		if cmd.TimeoutMs > 0 {
			timeout = time.Duration(cmd.TimeoutMs) * time.Millisecond
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	res, err := h(ctx, cmd)
	if err != nil {
		return a.errorResult(cmd.Type, err)
	}
	res.Type = cmd.Type
	res.Success = true
	return res
}

func (a *adapter) initClient(_ context.Context, cmd command) (result, error) {
	a.contentTypes = make(map[string]string)
	a.client = durablestreams.NewClient(
		durablestreams.WithBaseURL(cmd.ServerURL),
		durablestreams.WithLogger(a.logger),
	)
	return result{
		ClientName:    clientName,
		ClientVersion: clientVersion,
		Features:      &features{SSE: true, LongPoll: true, Streaming: true},
	}, nil
}

func (a *adapter) create(ctx context.Context, cmd command) (result, error) {
	stream := a.client.Stream(cmd.Path)

	contentType := cmd.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	opts := []durablestreams.CreateOption{durablestreams.WithContentType(contentType)}
	if cmd.TTLSeconds > 0 {
		opts = append(opts, durablestreams.WithTTL(time.Duration(cmd.TTLSeconds)*time.Second))
	}
	if cmd.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, cmd.ExpiresAt)
		if err != nil {
			return result{}, &parseError{fmt.Errorf("expiresAt: %w", err)}
		}
		opts = append(opts, durablestreams.WithExpiresAt(t))
	}
	if len(cmd.Headers) > 0 {
		opts = append(opts, durablestreams.WithCreateHeaders(cmd.Headers))
	}

	// Create is idempotent for a matching config; the runner wants to know
	// whether the stream was new.
	_, headErr := stream.Head(ctx)
	if err := stream.Create(ctx, opts...); err != nil {
		return result{}, err
	}
	a.contentTypes[cmd.Path] = contentType

	meta, err := stream.Head(ctx)
	if err != nil {
		return result{}, err
	}
	status := http.StatusCreated
	if headErr == nil {
		status = http.StatusOK
	}
	return result{Status: status, Offset: string(meta.NextOffset)}, nil
}

// metadata issues a HEAD for cmd.Path and remembers the content type.
func (a *adapter) metadata(ctx context.Context, cmd command) (*durablestreams.Metadata, error) {
	var opts []durablestreams.HeadOption
	if len(cmd.Headers) > 0 {
		opts = append(opts, durablestreams.WithHeadHeaders(cmd.Headers))
	}
	meta, err := a.client.Stream(cmd.Path).Head(ctx, opts...)
	if err != nil {
		return nil, err
	}
	if meta.ContentType != "" {
		a.contentTypes[cmd.Path] = meta.ContentType
	}
	return meta, nil
}

func (a *adapter) connect(ctx context.Context, cmd command) (result, error) {
	meta, err := a.metadata(ctx, cmd)
	if err != nil {
		return result{}, err
	}
	return result{Status: http.StatusOK, Offset: string(meta.NextOffset)}, nil
}

func (a *adapter) head(ctx context.Context, cmd command) (result, error) {
	meta, err := a.metadata(ctx, cmd)
	if err != nil {
		return result{}, err
	}
	return result{Status: http.StatusOK, Offset: string(meta.NextOffset), ContentType: meta.ContentType}, nil
}

func (a *adapter) appendData(ctx context.Context, cmd command) (result, error) {
	data := []byte(cmd.Data)
	if cmd.Binary {
		var err error
		if data, err = base64.StdEncoding.DecodeString(cmd.Data); err != nil {
			return result{}, &parseError{fmt.Errorf("failed to decode base64: %w", err)}
		}
	}

	stream := a.client.Stream(cmd.Path)
	if ct, ok := a.contentTypes[cmd.Path]; ok {
		stream.SetContentType(ct)
	}
	var opts []durablestreams.AppendOption
	if cmd.Seq > 0 {
		opts = append(opts, durablestreams.WithSeq(strconv.Itoa(cmd.Seq)))
	}
	if len(cmd.Headers) > 0 {
		opts = append(opts, durablestreams.WithAppendHeaders(cmd.Headers))
	}

	res, err := stream.Append(ctx, data, opts...)
	if err != nil {
		return result{}, err
	}
	return result{Status: http.StatusOK, Offset: string(res.NextOffset)}, nil
}

func (a *adapter) deleteStream(ctx context.Context, cmd command) (result, error) {
	var opts []durablestreams.DeleteOption
	if len(cmd.Headers) > 0 {
		opts = append(opts, durablestreams.WithDeleteHeaders(cmd.Headers))
	}
	if err := a.client.Stream(cmd.Path).Delete(ctx, opts...); err != nil {
		return result{}, err
	}
	delete(a.contentTypes, cmd.Path)
	return result{Status: http.StatusOK}, nil
}

// liveMode maps the runner's live field onto a LiveMode. Anything
// unrecognised reads without continuation.
func liveMode(v any) durablestreams.LiveMode {
	switch v {
	case "long-poll":
		return durablestreams.LiveModeLongPoll
	case "sse":
		return durablestreams.LiveModeSSE
	case "auto":
		return durablestreams.LiveModeAuto
	default:
		return durablestreams.LiveModeNone
	}
}

func (a *adapter) read(ctx context.Context, cmd command) (result, error) {
	opts := []durablestreams.ReadOption{durablestreams.WithLive(liveMode(cmd.Live))}
	if cmd.Offset != "" {
		opts = append(opts, durablestreams.WithOffset(durablestreams.Offset(cmd.Offset)))
	}
	if len(cmd.Headers) > 0 {
		opts = append(opts, durablestreams.WithReadHeaders(cmd.Headers))
	}

	session, err := a.client.Stream(cmd.Path).Open(ctx, opts...)
	if err != nil {
		// A live read that timed out before the first response saw nothing new.
		if ctx.Err() != nil {
			return readResult(nil, cmd.Offset, true), nil
		}
		return result{}, err
	}
	defer session.Cancel()

	switch cmd.Format {
	case "text":
		text, err := session.ReadAllText()
		if err != nil {
			return result{}, err
		}
		pos := session.Position()
		return readResult([]readChunk{{Data: text, Offset: string(pos.Offset)}}, string(pos.Offset), pos.UpToDate), nil
	case "json":
		records, err := session.ReadAllRecords()
		if err != nil {
			return result{}, err
		}
		pos := session.Position()
		res := readResult(nil, string(pos.Offset), pos.UpToDate)
		res.Records = records
		return res, nil
	}
	return readChunks(session, cmd)
}

// readChunks pulls raw chunks until maxChunks, up-to-date when the runner
// asks for it, or the end of the session.
func readChunks(session *durablestreams.Session, cmd command) (result, error) {
	binary := session.Mode() == durablestreams.ModeBytes
	maxChunks := cmd.MaxChunks
	if maxChunks == 0 {
		maxChunks = defaultMaxChunks
	}

	it := session.Chunks()
	defer it.Close()

	chunks := make([]readChunk, 0)
	upToDate := session.Position().UpToDate
	for len(chunks) < maxChunks {
		chunk, err := it.Next()
		if errors.Is(err, durablestreams.Done) {
			// Caught up, or the timeout cancelled a live read.
			upToDate = true
			break
		}
		if err != nil {
			return result{}, err
		}

		if len(chunk.Data) > 0 {
			rc := readChunk{Data: string(chunk.Data), Offset: string(chunk.NextOffset)}
			if binary {
				rc.Data = base64.StdEncoding.EncodeToString(chunk.Data)
				rc.Binary = true
			}
			chunks = append(chunks, rc)
		}
		upToDate = chunk.UpToDate
		if cmd.WaitForUpToDate && chunk.UpToDate {
			break
		}
	}
	return readResult(chunks, string(it.Offset), upToDate), nil
}

func readResult(chunks []readChunk, offset string, upToDate bool) result {
	if offset == "" {
		offset = string(durablestreams.StartOffset)
	}
	return result{
		Type:     "read",
		Status:   http.StatusOK,
		Chunks:   chunks,
		Offset:   offset,
		UpToDate: upToDate,
	}
}

func failure(cmdType, code, message string) result {
	return result{
		Type:        "error",
		CommandType: cmdType,
		ErrorCode:   code,
		Message:     message,
	}
}

// errorCodes maps client sentinels to runner error codes, first match wins.
var errorCodes = []struct {
	err  error
	code string
}{
	{durablestreams.ErrStreamNotFound, "NOT_FOUND"},
	{durablestreams.ErrStreamExists, "CONFLICT"},
	{durablestreams.ErrSeqConflict, "SEQUENCE_CONFLICT"},
	{durablestreams.ErrOffsetGone, "INVALID_OFFSET"},
	{durablestreams.ErrBadRequest, "INVALID_OFFSET"},
	{durablestreams.ErrContentTypeMismatch, "CONTENT_TYPE_MISMATCH"},
	{durablestreams.ErrTransport, "NETWORK_ERROR"},
	{durablestreams.ErrDecode, "PARSE_ERROR"},
	{durablestreams.ErrInvalidMode, "PARSE_ERROR"},
}

func (a *adapter) errorResult(cmdType string, err error) result {
	a.logger.Debug("command failed", zap.String("command", cmdType), zap.Error(err))

	var pe *parseError
	if errors.As(err, &pe) {
		return failure(cmdType, "PARSE_ERROR", err.Error())
	}

	code := "INTERNAL_ERROR"
	var streamErr *durablestreams.StreamError
	if errors.As(err, &streamErr) {
		code = "UNEXPECTED_STATUS"
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			code = ec.code
			break
		}
	}

	res := failure(cmdType, code, err.Error())
	if streamErr != nil {
		res.Status = streamErr.StatusCode
	}
	return res
}
