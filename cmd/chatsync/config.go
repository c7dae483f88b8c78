package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/Prismer-AI/chatsync/backend"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configPathCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the client and backend settings kept in ~/.chatsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			fmt.Println("No configuration file found. Run 'chatsync init <base-url> <profile-id>' to create one.")
			return nil
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		shown, err := effectiveConfig(cfg)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(shown)
		}
		data, err := toml.Marshal(shown)
		if err != nil {
			return fmt.Errorf("cannot render config: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a value in the [default] or [backend] section using dot notation.\nExample: chatsync config set backend.purge_after 720h",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, args[0], args[1]); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		shown := args[1]
		if isSecretKey(args[0]) {
			shown = maskKey(shown)
		}
		fmt.Printf("%s = %s\n", args[0], shown)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the location of the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}

func isSecretKey(key string) bool {
	return key == "default.token" || key == "backend.webhook_secret"
}

// effectiveConfig returns the settings a client or `chatsync serve` would run
// with: CHATSYNC_* overrides and defaults applied, the client token and the
// webhook signing secret masked.
func effectiveConfig(cfg *Config) (Config, error) {
	out := *cfg
	out.Backend.AllowedOrigins = append([]string(nil), cfg.Backend.AllowedOrigins...)
	if err := applyServeEnv(&out.Backend); err != nil {
		return Config{}, err
	}

	out.Default.BaseURL = baseURL(cfg)
	out.Default.Transport = valueOrDefault(out.Default.Transport, "ws")
	out.Default.LogLevel = valueOrDefault(flagLogLevel, valueOrDefault(out.Default.LogLevel, "warn"))
	defaults := backend.DefaultConfig()
	out.Backend.Addr = valueOrDefault(out.Backend.Addr, defaults.Addr)
	if len(out.Backend.AllowedOrigins) == 0 {
		out.Backend.AllowedOrigins = defaults.AllowedOrigins
	}

	if out.Default.Token != "" {
		out.Default.Token = maskKey(out.Default.Token)
	}
	if out.Backend.WebhookSecret != "" {
		out.Backend.WebhookSecret = maskKey(out.Backend.WebhookSecret)
	}
	return out, nil
}
