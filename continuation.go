package durablestreams

import (
	"context"
	"io"
	"strings"
)

// Mode is the payload interpretation negotiated for a session.
type Mode string

const (
	// ModeBytes treats chunk data as opaque bytes.
	ModeBytes Mode = "bytes"

	// ModeText treats chunk data as UTF-8 text.
	ModeText Mode = "text"

	// ModeJSON treats chunk data as JSON records. Record-decoding methods
	// require this mode.
	ModeJSON Mode = "json"
)

// modeFor derives the payload mode from a content type and the caller's
// structured hint.
func modeFor(contentType string, jsonHint bool) Mode {
	if jsonHint || isJSONContentType(contentType) {
		return ModeJSON
	}
	if strings.HasPrefix(strings.ToLower(contentType), "text/") {
		return ModeText
	}
	return ModeBytes
}

// isJSONContentType reports whether ct is application/json, ignoring
// parameters and case.
func isJSONContentType(ct string) bool {
	mediaType, _, _ := strings.Cut(ct, ";")
	return strings.EqualFold(strings.TrimSpace(mediaType), "application/json")
}

// InitialResponse is the already-received first response of a read. Its
// headers have been parsed into Position; Body has not been read yet.
type InitialResponse struct {
	ContentType string

	// JSON forces structured mode regardless of ContentType.
	JSON bool

	Position Position

	// Body may be nil when the response carried no body.
	Body io.ReadCloser
}

// ContinuationRequest asks the transport for the data after Position.
// Live is true when the session is tailing past up-to-date, so the
// transport may hold the request open until data arrives.
type ContinuationRequest struct {
	Position Position
	Live     bool
}

// ContinuationResponse is one continuation response. Offset and Cursor are
// empty when the server did not send them; the session then keeps the
// values it already had.
type ContinuationResponse struct {
	Offset   Offset
	Cursor   string
	UpToDate bool
	ETag     string

	// Body may be nil for responses without content (204, 304).
	Body io.ReadCloser
}

// FetchFunc issues one continuation request. It must honor ctx
// cancellation and may apply its own retry and deadline policy.
type FetchFunc func(ctx context.Context, req ContinuationRequest) (*ContinuationResponse, error)

// PushIterator yields self-describing chunks from a server-push channel.
// Next returns io.EOF when the channel ends for good.
type PushIterator interface {
	Next(ctx context.Context) (*Chunk, error)
	Close() error
}

// PushFunc opens a push iterator starting at pos.
type PushFunc func(ctx context.Context, pos Position) (PushIterator, error)

// Checkpointer persists resumption positions under a caller-chosen key.
// The checkpoint package provides bbolt and in-memory implementations.
type Checkpointer interface {
	Load(ctx context.Context, key string) (Position, bool, error)
	Save(ctx context.Context, key string, pos Position) error
}
