// Command dstail tails a durable stream to stdout.
//
//	dstail https://example.com/streams/orders --live long-poll --format json
//
// With --checkpoint-dir the read resumes from the last position stored in a
// local bbolt database and stores its progress as it goes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		envFile    string
		verbose    bool
		flags      config
	)

	cmd := &cobra.Command{
		Use:           "dstail [url]",
		Short:         "Tail a durable stream to stdout",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, envFile)
			if err != nil {
				return err
			}
			applyFlags(cmd, cfg, &flags, args)
			if err := cfg.validate(); err != nil {
				return err
			}

			logger, err := newLogger(verbose)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := run(ctx, cfg, logger, cmd.OutOrStdout()); err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "dstail:", err)
				return err
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "YAML config file")
	f.StringVar(&envFile, "env-file", ".env", "file to load environment variables from")
	f.BoolVarP(&verbose, "verbose", "v", false, "log at debug level to stderr")
	f.StringVar(&flags.Offset, "offset", "", "offset to start from (default: stream start)")
	f.StringVar(&flags.Live, "live", "", "live mode: none, long-poll, sse or auto")
	f.StringVar(&flags.Format, "format", "", "output format: bytes, text or json")
	f.StringToStringVarP(&flags.Headers, "header", "H", nil, "extra request header (key=value)")
	f.StringVar(&flags.Checkpoint.Dir, "checkpoint-dir", "", "directory of the checkpoint database")
	f.StringVar(&flags.Checkpoint.Key, "checkpoint-key", "", "checkpoint key (default: the stream URL)")
	return cmd
}

// applyFlags overrides file values with the flags the user actually set.
func applyFlags(cmd *cobra.Command, cfg, flags *config, args []string) {
	if len(args) > 0 {
		cfg.URL = args[0]
	}
	set := cmd.Flags().Changed
	if set("offset") {
		cfg.Offset = flags.Offset
	}
	if set("live") {
		cfg.Live = flags.Live
	}
	if set("format") {
		cfg.Format = flags.Format
	}
	if set("header") {
		if cfg.Headers == nil {
			cfg.Headers = make(map[string]string)
		}
		for k, v := range flags.Headers {
			cfg.Headers[k] = v
		}
	}
	if set("checkpoint-dir") {
		cfg.Checkpoint.Dir = flags.Checkpoint.Dir
	}
	if set("checkpoint-key") {
		cfg.Checkpoint.Key = flags.Checkpoint.Key
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		cfg := zap.NewDevelopmentConfig()
		cfg.OutputPaths = []string{"stderr"}
		return cfg.Build()
	}
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}
