package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Backend ConfigBackend `toml:"backend"`
}

// ConfigDefault holds client settings.
type ConfigDefault struct {
	BaseURL   string `toml:"base_url"`
	ProfileID string `toml:"profile_id"`
	Token     string `toml:"token"`
	Transport string `toml:"transport"` // ws, sse or none
	LogLevel  string `toml:"log_level"`
}

// ConfigBackend holds settings for `chatsync serve`.
type ConfigBackend struct {
	Addr           string   `toml:"addr"`
	DataDir        string   `toml:"data_dir"`
	WebhookURL     string   `toml:"webhook_url"`
	WebhookSecret  string   `toml:"webhook_secret"`
	AllowedOrigins []string `toml:"allowed_origins"`
	RateLimit      float64  `toml:"rate_limit"`
	RateBurst      int      `toml:"rate_burst"`
	PurgeCron      string   `toml:"purge_cron"`
	PurgeAfter     string   `toml:"purge_after"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "profile_id":
			cfg.Default.ProfileID = value
		case "token":
			cfg.Default.Token = value
		case "transport":
			switch value {
			case "ws", "sse", "none":
			default:
				return fmt.Errorf("transport must be ws, sse or none")
			}
			cfg.Default.Transport = value
		case "log_level":
			cfg.Default.LogLevel = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "backend":
		switch field {
		case "addr":
			cfg.Backend.Addr = value
		case "data_dir":
			cfg.Backend.DataDir = value
		case "webhook_url":
			cfg.Backend.WebhookURL = value
		case "webhook_secret":
			cfg.Backend.WebhookSecret = value
		case "allowed_origins":
			cfg.Backend.AllowedOrigins = splitList(value)
		case "rate_limit":
			f, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return fmt.Errorf("rate_limit: %w", err)
			}
			cfg.Backend.RateLimit = f
		case "rate_burst":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("rate_burst: %w", err)
			}
			cfg.Backend.RateBurst = n
		case "purge_cron":
			cfg.Backend.PurgeCron = value
		case "purge_after":
			cfg.Backend.PurgeAfter = value
		default:
			return fmt.Errorf("unknown field %q in section [backend]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, backend)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	flagBaseURL  string
	flagProfile  string
	flagLogLevel string
	flagJSON     bool
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "chatsync CLI",
	Long:  "Command-line interface for chatsync.\nRun the reference backend, browse conversations through the optimistic cache and watch realtime invalidations.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagBaseURL, "base-url", "", "Backend URL (overrides default.base_url)")
	rootCmd.PersistentFlags().StringVarP(&flagProfile, "profile", "p", "", "Acting profile id (overrides default.profile_id)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "Output raw JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
