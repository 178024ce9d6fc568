package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	durablestreams "github.com/durable-streams/durable-streams-go"
)

// tokenEnv names the environment variable holding a bearer token.
const tokenEnv = "DURABLE_STREAMS_TOKEN"

// config is the dstail configuration. Values come from the YAML file given
// with --config and are overridden by flags.
type config struct {
	URL     string            `yaml:"url"`
	Offset  string            `yaml:"offset"`
	Live    string            `yaml:"live"`
	Format  string            `yaml:"format"`
	Headers map[string]string `yaml:"headers"`

	Checkpoint struct {
		Dir string `yaml:"dir"`
		Key string `yaml:"key"`
	} `yaml:"checkpoint"`

	Retry struct {
		MaxRetries   int           `yaml:"max_retries"`
		InitialDelay time.Duration `yaml:"initial_delay"`
		MaxDelay     time.Duration `yaml:"max_delay"`
	} `yaml:"retry"`

	// Token is read from the environment, never from the file.
	Token string `yaml:"-"`
}

// loadConfig reads path, if set, and the environment. A missing .env file
// is not an error.
func loadConfig(path, envFile string) (*config, error) {
	cfg := &config{Format: "bytes"}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.Token = os.Getenv(tokenEnv)
	return cfg, nil
}

// validate checks the configuration and fills derived defaults.
func (c *config) validate() error {
	if c.URL == "" {
		return errors.New("stream URL is required")
	}
	switch c.Format {
	case "", "bytes":
		c.Format = "bytes"
	case "text", "json":
	default:
		return fmt.Errorf("unknown format %q (want bytes, text or json)", c.Format)
	}
	if _, err := c.liveMode(); err != nil {
		return err
	}
	if c.Checkpoint.Dir != "" && c.Checkpoint.Key == "" {
		c.Checkpoint.Key = c.URL
	}
	return nil
}

func (c *config) liveMode() (durablestreams.LiveMode, error) {
	switch c.Live {
	case "", "none":
		return durablestreams.LiveModeNone, nil
	case "long-poll":
		return durablestreams.LiveModeLongPoll, nil
	case "sse":
		return durablestreams.LiveModeSSE, nil
	case "auto":
		return durablestreams.LiveModeAuto, nil
	default:
		return "", fmt.Errorf("unknown live mode %q (want none, long-poll, sse or auto)", c.Live)
	}
}

// retryPolicy returns the configured policy over the client defaults.
func (c *config) retryPolicy() durablestreams.RetryPolicy {
	p := durablestreams.DefaultRetryPolicy()
	if c.Retry.MaxRetries > 0 {
		p.MaxRetries = c.Retry.MaxRetries
	}
	if c.Retry.InitialDelay > 0 {
		p.InitialDelay = c.Retry.InitialDelay
	}
	if c.Retry.MaxDelay > 0 {
		p.MaxDelay = c.Retry.MaxDelay
	}
	return p
}

// requestHeaders returns the configured headers plus the bearer token.
func (c *config) requestHeaders() map[string]string {
	headers := make(map[string]string, len(c.Headers)+1)
	for k, v := range c.Headers {
		headers[k] = v
	}
	if c.Token != "" {
		headers["Authorization"] = "Bearer " + c.Token
	}
	return headers
}
