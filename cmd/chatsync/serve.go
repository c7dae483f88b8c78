package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/Prismer-AI/chatsync/backend"
)

var (
	serveAddr    string
	serveDataDir string
	serveEnvFile string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reference chat backend",
	Long: "Run the reference backend: REST API, websocket and SSE push, optional signed webhooks.\n" +
		"Settings come from [backend] in the config file, then CHATSYNC_* environment variables\n" +
		"(loaded from .env when present), then flags.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(serveEnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("cannot load %s: %w", serveEnvFile, err)
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := applyServeEnv(&cfg.Backend); err != nil {
			return err
		}
		if serveAddr != "" {
			cfg.Backend.Addr = serveAddr
		}
		if serveDataDir != "" {
			cfg.Backend.DataDir = serveDataDir
		}
		log := newLogger(cfg)

		var purgeAfter time.Duration
		if cfg.Backend.PurgeAfter != "" {
			if purgeAfter, err = time.ParseDuration(cfg.Backend.PurgeAfter); err != nil {
				return fmt.Errorf("purge_after: %w", err)
			}
		}

		store, err := backend.Open(cfg.Backend.DataDir, log.With().Str("component", "store").Logger())
		if err != nil {
			return err
		}
		defer store.Close()

		srvCfg := backend.DefaultConfig()
		srvCfg.Addr = valueOrDefault(cfg.Backend.Addr, srvCfg.Addr)
		srvCfg.DataDir = cfg.Backend.DataDir
		srvCfg.WebhookURL = cfg.Backend.WebhookURL
		srvCfg.WebhookSecret = cfg.Backend.WebhookSecret
		if len(cfg.Backend.AllowedOrigins) > 0 {
			srvCfg.AllowedOrigins = cfg.Backend.AllowedOrigins
		}
		srvCfg.RateLimit = cfg.Backend.RateLimit
		srvCfg.RateBurst = cfg.Backend.RateBurst

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		srv := backend.NewServer(store, srvCfg, backend.WithLogger(log), backend.WithRegistry(reg))
		defer srv.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if purgeAfter > 0 {
			ret, err := backend.NewRetention(store, cfg.Backend.PurgeCron, purgeAfter,
				log.With().Str("component", "retention").Logger())
			if err != nil {
				return err
			}
			go ret.Run(ctx)
		}

		if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}

// applyServeEnv overrides backend settings from CHATSYNC_* variables.
func applyServeEnv(b *ConfigBackend) error {
	str := map[string]*string{
		"CHATSYNC_ADDR":           &b.Addr,
		"CHATSYNC_DATA_DIR":       &b.DataDir,
		"CHATSYNC_WEBHOOK_URL":    &b.WebhookURL,
		"CHATSYNC_WEBHOOK_SECRET": &b.WebhookSecret,
		"CHATSYNC_PURGE_CRON":     &b.PurgeCron,
		"CHATSYNC_PURGE_AFTER":    &b.PurgeAfter,
	}
	for name, dst := range str {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}
	if v, ok := os.LookupEnv("CHATSYNC_ALLOWED_ORIGINS"); ok {
		b.AllowedOrigins = splitList(v)
	}
	if v, ok := os.LookupEnv("CHATSYNC_RATE_LIMIT"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("CHATSYNC_RATE_LIMIT: %w", err)
		}
		b.RateLimit = f
	}
	if v, ok := os.LookupEnv("CHATSYNC_RATE_BURST"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CHATSYNC_RATE_BURST: %w", err)
		}
		b.RateBurst = n
	}
	return nil
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default :8080)")
	serveCmd.Flags().StringVar(&serveDataDir, "data-dir", "", "Pebble data directory (empty keeps data in memory)")
	serveCmd.Flags().StringVar(&serveEnvFile, "env-file", ".env", "Environment file to load")
	rootCmd.AddCommand(serveCmd)
}
