package durablestreams

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/durable-streams/durable-streams-go/durablestreamstest"
)

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{http.StatusOK, false},
		{http.StatusNoContent, false},
		{http.StatusBadRequest, false},
		{http.StatusNotFound, false},
		{http.StatusConflict, false},
		{http.StatusGone, false},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, shouldRetry(tt.status))
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	assert.Zero(t, parseRetryAfter(""))
	assert.Zero(t, parseRetryAfter("soon"))
	assert.Zero(t, parseRetryAfter("-5"))
	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))

	future := time.Now().Add(30 * time.Second).UTC().Format(http.TimeFormat)
	d := parseRetryAfter(future)
	assert.Greater(t, d, 20*time.Second)
	assert.LessOrEqual(t, d, 30*time.Second)

	farFuture := time.Now().Add(48 * time.Hour).UTC().Format(http.TimeFormat)
	assert.Equal(t, time.Hour, parseRetryAfter(farFuture))

	past := time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat)
	assert.Zero(t, parseRetryAfter(past))
}

func TestRetryPolicy_NewBackOff(t *testing.T) {
	b := RetryPolicy{}.newBackOff()
	b.Reset()
	assert.Positive(t, b.NextBackOff(), "a zero policy keeps the library defaults")

	b = RetryPolicy{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 10}.newBackOff()
	b.Reset()
	for i := 0; i < 5; i++ {
		assert.LessOrEqual(t, b.NextBackOff(), 3*time.Millisecond)
	}
}

func TestClient_RetriesServerErrors(t *testing.T) {
	ms := newMockServer(t)
	client := newServerClient(t, ms)
	ctx := context.Background()

	stream := client.Stream("/flaky")
	require.NoError(t, stream.Create(ctx))

	ms.FailNext(2, http.StatusServiceUnavailable, "")
	_, err := stream.Append(ctx, []byte("x"))
	require.NoError(t, err)

	var posts int
	for _, r := range ms.Requests() {
		if r.Method == http.MethodPost {
			posts++
		}
	}
	assert.Equal(t, 3, posts)

	data, _ := ms.GetStreamData("/flaky")
	assert.Equal(t, "x", string(data))
}

func TestClient_RetriesExhausted(t *testing.T) {
	ms := newMockServer(t)
	client := newServerClient(t, ms, WithRetryPolicy(RetryPolicy{
		MaxRetries:   1,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
	}))
	ctx := context.Background()

	stream := client.Stream("/down")
	require.NoError(t, stream.Create(ctx))
	before := len(ms.Requests())

	ms.FailNext(5, http.StatusTooManyRequests, "")
	_, err := stream.Head(ctx)
	require.ErrorIs(t, err, ErrRateLimited)

	var streamErr *StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.Equal(t, http.StatusTooManyRequests, streamErr.StatusCode)
	assert.Equal(t, "head", streamErr.Op)
	assert.Len(t, ms.Requests(), before+2)
}

func TestClient_RetryAfterHonored(t *testing.T) {
	ms := newMockServer(t)
	client := newServerClient(t, ms)
	ctx := context.Background()

	stream := client.Stream("/slow")
	require.NoError(t, stream.Create(ctx))

	ms.FailNext(1, http.StatusServiceUnavailable, "1")
	start := time.Now()
	_, err := stream.Head(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
}

func TestClient_NoRetryOnClientErrors(t *testing.T) {
	mt := durablestreamstest.NewMockTransport()
	mt.AddStatus(http.StatusBadRequest, nil, "bad")

	client := NewClient(WithHTTPClient(&http.Client{Transport: mt}), WithRetryPolicy(fastRetry()))
	_, err := client.Stream("http://example.com/s").Append(context.Background(), []byte("x"))
	require.ErrorIs(t, err, ErrBadRequest)
	assert.Len(t, mt.Requests(), 1)
}

func TestClient_RetriesNetworkErrors(t *testing.T) {
	mt := durablestreamstest.NewMockTransport()
	mt.AddError(errors.New("connection reset"))
	mt.AddStatus(http.StatusNoContent, map[string]string{"Stream-Next-Offset": "7"}, "")

	client := NewClient(WithHTTPClient(&http.Client{Transport: mt}), WithRetryPolicy(fastRetry()))
	res, err := client.Stream("http://example.com/s").Append(context.Background(), []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, Offset("7"), res.NextOffset)
	assert.Len(t, mt.Requests(), 2)
}

func TestClient_NetworkErrorExhausted(t *testing.T) {
	mt := durablestreamstest.NewMockTransport()
	for i := 0; i < 4; i++ {
		mt.AddError(errors.New("connection refused"))
	}

	client := NewClient(WithHTTPClient(&http.Client{Transport: mt}), WithRetryPolicy(fastRetry()))
	_, err := client.Stream("http://example.com/s").Head(context.Background())
	require.ErrorIs(t, err, ErrTransport)
	assert.Len(t, mt.Requests(), 4)
}

func TestClient_RetryStopsOnCancel(t *testing.T) {
	ms := newMockServer(t)
	client := newServerClient(t, ms, WithRetryPolicy(RetryPolicy{
		MaxRetries:   10,
		InitialDelay: time.Hour,
		MaxDelay:     time.Hour,
	}))

	stream := client.Stream("/cancel")
	require.NoError(t, stream.Create(context.Background()))
	ms.FailNext(1, http.StatusServiceUnavailable, "")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := stream.Head(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_LongBackoffWaitsForContext(t *testing.T) {
	ms := newMockServer(t)
	client := newServerClient(t, ms, WithRetryPolicy(RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 20 * time.Minute,
		MaxDelay:     time.Hour,
	}))

	stream := client.Stream("/long-backoff")
	require.NoError(t, stream.Create(context.Background()))
	before := len(ms.Requests())
	ms.FailNext(1, http.StatusServiceUnavailable, "")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := stream.Head(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond, "a delay past 15m still waits instead of giving up")
	assert.Len(t, ms.Requests(), before+1)
}

func TestClient_MaxElapsedTimeBoundsRetries(t *testing.T) {
	ms := newMockServer(t)
	client := newServerClient(t, ms, WithRetryPolicy(RetryPolicy{
		MaxRetries:     10,
		InitialDelay:   time.Hour,
		MaxDelay:       time.Hour,
		MaxElapsedTime: time.Second,
	}))

	stream := client.Stream("/bounded")
	require.NoError(t, stream.Create(context.Background()))
	before := len(ms.Requests())
	ms.FailNext(1, http.StatusServiceUnavailable, "")

	_, err := stream.Head(context.Background())
	var streamErr *StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.Equal(t, http.StatusServiceUnavailable, streamErr.StatusCode)
	assert.Len(t, ms.Requests(), before+1)
}
