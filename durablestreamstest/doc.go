// Package durablestreamstest provides testing utilities for durable streams clients.
//
// # MockServer
//
// MockServer is an in-memory Durable Streams server on httptest. It serves
// catch-up reads, long-poll (204 on timeout) and SSE with control events,
// and records every request so tests can assert on offsets and cursors:
//
//	func TestTail(t *testing.T) {
//	    server := durablestreamstest.NewMockServer(durablestreamstest.WithLongPollTimeout(100 * time.Millisecond))
//	    defer server.Close()
//
//	    client := durablestreams.NewClient(durablestreams.WithBaseURL(server.URL()))
//	    stream := client.Stream("/events")
//	    if err := stream.Create(ctx, durablestreams.WithContentType("text/plain")); err != nil {
//	        t.Fatal(err)
//	    }
//
//	    session, err := stream.Open(ctx, durablestreams.WithLive(durablestreams.LiveModeLongPoll))
//	    if err != nil {
//	        t.Fatal(err)
//	    }
//	    it := session.Chunks()
//	    defer it.Close()
//
//	    go server.AppendMessage("/events", []byte("hello"))
//	    // ... pull chunks, then inspect server.ReadRequests("/events")
//	}
//
// FailNext injects failing responses ahead of the real handler, for
// exercising retries.
//
// # MockTransport
//
// MockTransport is an http.RoundTripper that replays canned responses,
// for status codes a real server would rarely produce on demand:
//
//	transport := durablestreamstest.NewMockTransport()
//	transport.AddStatus(http.StatusOK, map[string]string{"Stream-Next-Offset": "1"}, "a")
//	transport.AddStatus(http.StatusNotModified, map[string]string{"Stream-Cursor": "c2"}, "")
//
//	client := durablestreams.NewClient(
//	    durablestreams.WithHTTPClient(&http.Client{Transport: transport}),
//	)
package durablestreamstest
