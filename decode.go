package durablestreams

import (
	"bytes"
	"encoding/json"
)

// payloadShape is how a structured payload was laid out on the wire.
type payloadShape int

const (
	shapeEmpty         payloadShape = iota // Blank payload, no records.
	shapeSingle                            // One JSON value.
	shapeMany                              // One JSON array, flattened one level.
	shapeLineDelimited                     // Newline-delimited JSON values.
)

func (s payloadShape) String() string {
	switch s {
	case shapeEmpty:
		return "empty"
	case shapeSingle:
		return "single"
	case shapeMany:
		return "many"
	case shapeLineDelimited:
		return "line-delimited"
	default:
		return "unknown"
	}
}

// decodedPayload is the result of decodeRecords: the shape that matched and
// the raw records in wire order.
type decodedPayload struct {
	shape   payloadShape
	records []json.RawMessage
}

// decodeRecords splits a structured payload into records. The whole payload
// is tried first as one JSON value (arrays are flattened one level). If that
// fails, every non-blank line must parse on its own; the first line that does
// not is reported as a DecodeError.
func decodeRecords(data []byte) (decodedPayload, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return decodedPayload{shape: shapeEmpty}, nil
	}

	if json.Valid(trimmed) {
		records, many, err := splitValue(trimmed)
		if err != nil {
			return decodedPayload{}, &DecodeError{Err: err}
		}
		if many {
			return decodedPayload{shape: shapeMany, records: records}, nil
		}
		return decodedPayload{shape: shapeSingle, records: records}, nil
	}

	var records []json.RawMessage
	for i, line := range bytes.Split(trimmed, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			var probe any
			return decodedPayload{}, &DecodeError{Line: i + 1, Err: json.Unmarshal(line, &probe)}
		}
		lineRecords, _, err := splitValue(line)
		if err != nil {
			return decodedPayload{}, &DecodeError{Line: i + 1, Err: err}
		}
		records = append(records, lineRecords...)
	}
	return decodedPayload{shape: shapeLineDelimited, records: records}, nil
}

// splitValue returns the elements of a JSON array, or the value itself.
func splitValue(value []byte) ([]json.RawMessage, bool, error) {
	if value[0] != '[' {
		return []json.RawMessage{json.RawMessage(value)}, false, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(value, &items); err != nil {
		return nil, true, err
	}
	return items, true, nil
}

// decodeAs unmarshals raw records into T.
func decodeAs[T any](records []json.RawMessage) ([]T, error) {
	if len(records) == 0 {
		return nil, nil
	}
	if raw, ok := any(records).([]T); ok {
		return raw, nil
	}
	items := make([]T, 0, len(records))
	for _, record := range records {
		var item T
		if err := json.Unmarshal(record, &item); err != nil {
			return nil, &DecodeError{Err: err}
		}
		items = append(items, item)
	}
	return items, nil
}

// parseJSONBatch parses a chunk payload into items of type T.
func parseJSONBatch[T any](data []byte) ([]T, error) {
	payload, err := decodeRecords(data)
	if err != nil {
		return nil, err
	}
	return decodeAs[T](payload.records)
}
