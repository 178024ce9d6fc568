package durablestreams

// Offset is an opaque position token in a stream.
//
// Offsets are:
//   - Opaque: Do not parse or interpret offset structure
//   - Lexicographically sortable: Compare offsets to determine ordering
//   - Persistent: Valid for the stream's lifetime
//   - Unique: Each position has exactly one offset
//
// Use StartOffset to read from the beginning of a stream.
type Offset string

const (
	// StartOffset represents the beginning of a stream.
	// Use this to read from the start: stream.Open(ctx, WithOffset(StartOffset))
	StartOffset Offset = "-1"
)

// String returns the offset as a string.
func (o Offset) String() string {
	return string(o)
}

// IsStart returns true if this offset represents the start of stream.
func (o Offset) IsStart() bool {
	return o == StartOffset || o == ""
}

// Position is the resumption position of a session: the last offset the
// server acknowledged, the server-assigned cursor (if any), and whether the
// server reported that no more data is immediately available.
//
// A Position taken from an emitted Chunk can be passed back through
// WithOffset and WithCursor to resume a later session at the same point.
type Position struct {
	Offset   Offset
	Cursor   string
	UpToDate bool
}

// merge applies the fields a server response actually carried. An empty
// offset or cursor means the header was absent and the prior value is kept.
func (p Position) merge(offset Offset, cursor string, upToDate bool) Position {
	if offset != "" {
		p.Offset = offset
	}
	if cursor != "" {
		p.Cursor = cursor
	}
	p.UpToDate = upToDate
	return p
}
