// Package sse provides Server-Sent Events parsing for the durable streams protocol.
//
// SSE format from protocol:
//   - `event: data` events contain the stream data
//   - `event: control` events contain `streamNextOffset` and optional `streamCursor` and `upToDate`
package sse

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Event represents a parsed SSE event.
type Event interface {
	eventType() string
}

// DataEvent contains stream data from an SSE `data` event.
type DataEvent struct {
	Data string
}

func (DataEvent) eventType() string { return "data" }

// ControlEvent contains metadata from an SSE `control` event.
type ControlEvent struct {
	StreamNextOffset string `json:"streamNextOffset"`
	StreamCursor     string `json:"streamCursor,omitempty"`
	UpToDate         bool   `json:"upToDate,omitempty"`
}

func (ControlEvent) eventType() string { return "control" }

// ControlError reports a control event whose payload is not valid JSON.
type ControlError struct {
	Data string
	Err  error
}

func (e *ControlError) Error() string {
	return fmt.Sprintf("sse: invalid control event %q: %v", e.Data, e.Err)
}

func (e *ControlError) Unwrap() error { return e.Err }

// maxLineSize bounds a single SSE line.
const maxLineSize = 16 << 20

// Parser parses SSE events from an io.Reader.
type Parser struct {
	scanner   *bufio.Scanner
	eventType string
	dataLines []string
	hasData   bool
}

// NewParser creates a new SSE parser from an io.Reader.
func NewParser(r io.Reader) *Parser {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Parser{scanner: scanner}
}

// Next returns the next SSE event.
// Returns io.EOF when the stream is exhausted, and a *ControlError when a
// control event cannot be decoded. Events of other types are skipped.
func (p *Parser) Next() (Event, error) {
	for p.scanner.Scan() {
		line := strings.TrimSuffix(p.scanner.Text(), "\r")

		if line == "" {
			// Empty line signals end of event
			event, err := p.flush()
			if err != nil || event != nil {
				return event, err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			// Comment
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		// Strip the optional space after the colon
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			p.eventType = strings.TrimSpace(value)
		case "data":
			p.dataLines = append(p.dataLines, value)
			p.hasData = true
		}
		// Ignore other fields (id:, retry:)
	}
	if err := p.scanner.Err(); err != nil {
		return nil, err
	}

	// A final event without a trailing blank line still counts.
	event, err := p.flush()
	if err != nil || event != nil {
		return event, err
	}
	return nil, io.EOF
}

// flush returns the buffered event, if any, and resets state.
func (p *Parser) flush() (Event, error) {
	eventType, hasData := p.eventType, p.hasData
	data := strings.Join(p.dataLines, "\n")
	p.eventType = ""
	p.dataLines = nil
	p.hasData = false

	if eventType == "" || !hasData {
		return nil, nil
	}

	switch eventType {
	case "data":
		return DataEvent{Data: data}, nil
	case "control":
		var control ControlEvent
		if err := json.Unmarshal([]byte(data), &control); err != nil {
			return nil, &ControlError{Data: data, Err: err}
		}
		return control, nil
	default:
		// Unknown event type, skip
		return nil, nil
	}
}
