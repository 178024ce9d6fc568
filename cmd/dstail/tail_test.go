package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/durable-streams/durable-streams-go/durablestreamstest"
)

func TestRun(t *testing.T) {
	server := durablestreamstest.NewMockServer()
	defer server.Close()

	server.CreateStream("/logs", "text/plain")
	_, err := server.AppendMessage("/logs", []byte("hello "))
	require.NoError(t, err)
	server.CreateStream("/events", "application/json")
	_, err = server.AppendMessage("/events", []byte(`[{"id":1},{"id":2}]`))
	require.NoError(t, err)

	tests := []struct {
		name   string
		path   string
		format string
		want   string
	}{
		{name: "bytes", path: "/logs", format: "bytes", want: "hello "},
		{name: "text", path: "/logs", format: "text", want: "hello "},
		{name: "json records", path: "/events", format: "json", want: "{\"id\":1}\n{\"id\":2}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config{URL: server.URL() + tt.path, Format: tt.format}
			require.NoError(t, cfg.validate())

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			var out bytes.Buffer
			require.NoError(t, run(ctx, cfg, zap.NewNop(), &out))
			assert.Equal(t, tt.want, out.String())
		})
	}
}

func TestRun_Checkpoint(t *testing.T) {
	server := durablestreamstest.NewMockServer()
	defer server.Close()
	server.CreateStream("/logs", "text/plain")
	_, err := server.AppendMessage("/logs", []byte("one,"))
	require.NoError(t, err)

	cfg := &config{URL: server.URL() + "/logs"}
	cfg.Checkpoint.Dir = t.TempDir()
	require.NoError(t, cfg.validate())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	require.NoError(t, run(ctx, cfg, zap.NewNop(), &out))
	assert.Equal(t, "one,", out.String())

	_, err = server.AppendMessage("/logs", []byte("two,"))
	require.NoError(t, err)

	out.Reset()
	require.NoError(t, run(ctx, cfg, zap.NewNop(), &out))
	assert.Equal(t, "two,", out.String())
}
