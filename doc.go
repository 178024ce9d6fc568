// Package durablestreams provides a Go client for the Durable Streams protocol.
//
// Durable Streams is an HTTP-based protocol for creating, appending to, and reading
// from durable, append-only byte streams. This client implements the protocol with
// support for catch-up reads and live tailing via long-poll or SSE.
//
// # Basic Usage
//
// Create a client and stream handle:
//
//	client := durablestreams.NewClient()
//	stream := client.Stream("https://example.com/streams/my-stream")
//
// Create a new stream:
//
//	err := stream.Create(ctx, durablestreams.WithContentType("application/json"))
//
// Append data:
//
//	result, err := stream.Append(ctx, []byte(`{"event": "test"}`))
//	fmt.Println("Next offset:", result.NextOffset)
//
// # Sessions
//
// A read starts with Open, which issues the initial request and returns a
// Session. A session is consumed exactly once, in one of three styles.
//
// Accumulate everything up to the current end of the stream:
//
//	session, err := stream.Open(ctx)
//	if err != nil {
//	    return err
//	}
//	records, err := session.ReadAllRecords()
//
// Pull chunks one at a time:
//
//	it := session.Chunks()
//	defer it.Close()
//
//	for {
//	    chunk, err := it.Next()
//	    if errors.Is(err, durablestreams.Done) {
//	        break
//	    }
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Println(string(chunk.Data))
//	}
//
// Or have a handler called for each batch in the background:
//
//	unsubscribe, err := session.SubscribeRecords(func(ctx context.Context, b *durablestreams.Batch[json.RawMessage]) error {
//	    return handle(b.Items)
//	})
//	defer unsubscribe()
//
// Calling a second consumption method returns ErrAlreadyConsumed. Cancel
// closes the session from any goroutine; Done and Err report how it ended.
//
// # Live Tailing
//
// For live updates, use WithLive option. Pulled and subscribed sessions keep
// going past the end of the stream until cancelled:
//
//	for chunk, err := range stream.Chunks(ctx, durablestreams.WithLive(durablestreams.LiveModeLongPoll)) {
//	    if err != nil {
//	        return err
//	    }
//	    // Process live updates...
//	}
//
// WithCheckpoint stores the position of every chunk the consumer finishes
// with, and resumes from it on the next Open. The checkpoint package has
// in-memory and bbolt-backed stores.
//
// # Error Handling
//
// The package provides sentinel errors for common conditions:
//
//	if errors.Is(err, durablestreams.ErrStreamNotFound) {
//	    // Handle 404
//	}
//	if errors.Is(err, durablestreams.ErrStreamExists) {
//	    // Handle 409 conflict on create
//	}
//
// For detailed error information, use errors.As with StreamError:
//
//	var se *durablestreams.StreamError
//	if errors.As(err, &se) {
//	    fmt.Println("Status:", se.StatusCode)
//	}
package durablestreams
