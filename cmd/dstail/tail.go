package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"

	durablestreams "github.com/durable-streams/durable-streams-go"
	"github.com/durable-streams/durable-streams-go/checkpoint"
)

// run opens the stream and copies it to w until the session ends or ctx is
// cancelled.
func run(ctx context.Context, cfg *config, logger *zap.Logger, w io.Writer) error {
	live, err := cfg.liveMode()
	if err != nil {
		return err
	}

	client := durablestreams.NewClient(
		durablestreams.WithLogger(logger),
		durablestreams.WithRetryPolicy(cfg.retryPolicy()),
		durablestreams.WithHeaders(cfg.requestHeaders()),
	)

	opts := []durablestreams.ReadOption{
		durablestreams.WithLive(live),
		durablestreams.WithJSONMode(cfg.Format == "json"),
	}
	if cfg.Offset != "" {
		opts = append(opts, durablestreams.WithOffset(durablestreams.Offset(cfg.Offset)))
	}
	if cfg.Checkpoint.Dir != "" {
		store, err := checkpoint.OpenBolt(cfg.Checkpoint.Dir)
		if err != nil {
			return err
		}
		defer store.Close()
		opts = append(opts, durablestreams.WithCheckpoint(store, cfg.Checkpoint.Key))
	}

	session, err := client.Stream(cfg.URL).Open(ctx, opts...)
	if err != nil {
		return err
	}
	logger.Debug("tailing stream",
		zap.String("session_id", session.ID()),
		zap.String("mode", string(session.Mode())),
		zap.String("live", string(session.Live())))

	// Cancelling ctx cancels the session, which ends the loops below.
	switch cfg.Format {
	case "text":
		for text, err := range session.TextSeq() {
			if err != nil {
				return err
			}
			if _, err := io.WriteString(w, text.Text); err != nil {
				return err
			}
		}
	case "json":
		for record, err := range durablestreams.JSONItems[json.RawMessage](session) {
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "%s\n", record); err != nil {
				return err
			}
		}
	default:
		for chunk, err := range session.ChunkSeq() {
			if err != nil {
				return err
			}
			if _, err := w.Write(chunk.Data); err != nil {
				return err
			}
		}
	}
	return nil
}
