package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Prismer-AI/chatsync"
)

// newLogger builds a console logger at the flag, config or default level.
func newLogger(cfg *Config) zerolog.Logger {
	level := flagLogLevel
	if level == "" {
		level = cfg.Default.LogLevel
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.WarnLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(lvl).
		With().Timestamp().Logger()
}

func baseURL(cfg *Config) string {
	if flagBaseURL != "" {
		return flagBaseURL
	}
	if cfg.Default.BaseURL != "" {
		return cfg.Default.BaseURL
	}
	return chatsync.DefaultBaseURL
}

// profileID returns the acting profile or fails when none is configured.
func profileID(cfg *Config) (string, error) {
	if flagProfile != "" {
		return flagProfile, nil
	}
	if cfg.Default.ProfileID == "" {
		return "", errors.New("no profile. Pass --profile or run 'chatsync init <base-url> <profile-id>'")
	}
	return cfg.Default.ProfileID, nil
}

// newChannel returns the realtime channel selected by default.transport.
func newChannel(cfg *Config, log zerolog.Logger) chatsync.Channel {
	rc := chatsync.DefaultRealtimeConfig()
	rc.Token = cfg.Default.Token
	rc.Logger = log.With().Str("component", "realtime").Logger()
	switch cfg.Default.Transport {
	case "none":
		return nil
	case "sse":
		return chatsync.NewSSEChannel(baseURL(cfg), rc)
	default:
		return chatsync.NewWSChannel(baseURL(cfg), rc)
	}
}

// getClient creates a chatsync client for the configured backend.
func getClient(opts ...chatsync.ClientOption) (*chatsync.Client, *Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	log := newLogger(cfg)

	var httpOpts []chatsync.HTTPOption
	if cfg.Default.Token != "" {
		httpOpts = append(httpOpts, chatsync.WithToken(cfg.Default.Token))
	}
	remote := chatsync.NewHTTPRemote(baseURL(cfg), httpOpts...)

	opts = append([]chatsync.ClientOption{chatsync.WithLogger(log)}, opts...)
	if ch := newChannel(cfg, log); ch != nil {
		opts = append(opts, chatsync.WithChannel(ch))
	}
	return chatsync.New(remote, opts...), cfg, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
