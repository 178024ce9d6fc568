package durablestreams

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for common conditions.
var (
	// Done is returned by iterators when iteration is complete.
	// Check with errors.Is(err, durablestreams.Done).
	Done = errors.New("durablestreams: no more items in iterator")

	// ErrStreamNotFound indicates the stream does not exist (404).
	ErrStreamNotFound = errors.New("durablestreams: stream not found")

	// ErrStreamExists indicates a create conflict with different config (409).
	ErrStreamExists = errors.New("durablestreams: stream already exists with different config")

	// ErrSeqConflict indicates a sequence ordering violation or a resume
	// position the server rejected as stale (409).
	ErrSeqConflict = errors.New("durablestreams: sequence conflict")

	// ErrBadRequest indicates the server rejected the request as malformed (400).
	ErrBadRequest = errors.New("durablestreams: bad request")

	// ErrOffsetGone indicates the offset is before retained data (410).
	ErrOffsetGone = errors.New("durablestreams: offset before retention window")

	// ErrRateLimited indicates rate limiting (429).
	ErrRateLimited = errors.New("durablestreams: rate limited")

	// ErrContentTypeMismatch indicates append content type doesn't match stream (409),
	// or that SSE was refused for a binary stream.
	ErrContentTypeMismatch = errors.New("durablestreams: content type mismatch")

	// ErrTransport indicates a network-level failure that has no HTTP status.
	ErrTransport = errors.New("durablestreams: transport error")

	// ErrEmptyAppend indicates an attempt to append empty data.
	ErrEmptyAppend = errors.New("durablestreams: cannot append empty data")

	// ErrAlreadyClosed indicates the session or iterator has already been closed.
	ErrAlreadyClosed = errors.New("durablestreams: iterator already closed")

	// ErrAlreadyConsumed indicates a second consumption method was called on a
	// session. A session's body can only be read once.
	ErrAlreadyConsumed = errors.New("durablestreams: session already consumed")

	// ErrConcurrentPull indicates a pull was issued while another pull on the
	// same session was still outstanding.
	ErrConcurrentPull = errors.New("durablestreams: concurrent pull on session")

	// ErrInvalidMode is the sentinel behind InvalidModeError.
	ErrInvalidMode = errors.New("durablestreams: invalid payload mode")

	// ErrDecode is the sentinel behind DecodeError.
	ErrDecode = errors.New("durablestreams: decode error")
)

// StreamError wraps errors with additional context about the failed operation.
type StreamError struct {
	// Op is the operation that failed: "create", "append", "read", "delete", "head".
	Op string

	// URL is the stream URL.
	URL string

	// StatusCode is the HTTP status code, if available.
	StatusCode int

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("durablestreams: %s %s failed with status %d: %v", e.Op, e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("durablestreams: %s %s failed: %v", e.Op, e.URL, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StreamError) Unwrap() error {
	return e.Err
}

// newStreamError creates a StreamError from an HTTP response.
func newStreamError(op, url string, statusCode int, err error) *StreamError {
	return &StreamError{
		Op:         op,
		URL:        url,
		StatusCode: statusCode,
		Err:        err,
	}
}

// transportError marks a network failure so callers can match ErrTransport.
func transportError(op, url string, err error) *StreamError {
	return newStreamError(op, url, 0, fmt.Errorf("%w: %w", ErrTransport, err))
}

// InvalidModeError is returned when a record-decoding method is called on a
// session whose payload is not structured.
type InvalidModeError struct {
	Mode        Mode
	ContentType string
}

func (e *InvalidModeError) Error() string {
	return fmt.Sprintf("durablestreams: records require json mode, session is %s (content type %q)", e.Mode, e.ContentType)
}

func (e *InvalidModeError) Unwrap() error { return ErrInvalidMode }

// DecodeError is returned when a structured payload cannot be parsed.
// Line is the 1-based line of a line-delimited payload, or 0 when the
// payload as a whole failed.
type DecodeError struct {
	Line int
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("durablestreams: invalid JSON on line %d: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("durablestreams: invalid JSON: %v", e.Err)
}

func (e *DecodeError) Unwrap() []error { return []error{ErrDecode, e.Err} }

// errorFromStatus maps HTTP status codes to appropriate sentinel errors.
// op disambiguates 409, which means different things per operation.
func errorFromStatus(op string, statusCode int) error {
	switch statusCode {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusNotFound:
		return ErrStreamNotFound
	case http.StatusConflict:
		switch op {
		case "create":
			return ErrStreamExists
		default:
			return ErrSeqConflict
		}
	case http.StatusGone:
		return ErrOffsetGone
	case http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		return fmt.Errorf("unexpected status code: %d", statusCode)
	}
}

// classifyStatus builds the StreamError for a non-success response.
func classifyStatus(op, url string, statusCode int) *StreamError {
	return newStreamError(op, url, statusCode, errorFromStatus(op, statusCode))
}
