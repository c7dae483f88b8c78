package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/Prismer-AI/chatsync"
)

var (
	watchMetricsAddr   string
	watchConversations string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow realtime invalidations and unread counts",
	Long: "Subscribe to the acting profile (and optionally to conversations) and print every\n" +
		"cache invalidation the realtime channel causes, followed by the refreshed unread count.",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg := prometheus.NewRegistry()
		client, cfg, err := getClient(chatsync.WithMetrics(reg))
		if err != nil {
			return err
		}
		defer client.Close()
		profile, err := profileID(cfg)
		if err != nil {
			return err
		}
		if cfg.Default.Transport == "none" {
			return errors.New("watch needs a realtime transport (default.transport = ws or sse)")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if watchMetricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			srv := &http.Server{Addr: watchMetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
				}
			}()
			defer srv.Close()
		}

		changed := make(chan struct{}, 1)
		client.On(chatsync.EventInvalidated, func(_ string, payload any) {
			ev, ok := payload.(chatsync.InvalidationEvent)
			if !ok {
				return
			}
			keys := make([]string, len(ev.Keys))
			for i, k := range ev.Keys {
				keys[i] = k.String()
			}
			fmt.Printf("%s  %s %s  invalidated %s\n", time.Now().Format(time.Kitchen),
				ev.Notification.Type, ev.Notification.Scope, strings.Join(keys, ", "))
			select {
			case changed <- struct{}{}:
			default:
			}
		})

		unsubscribe := []func(){client.Subscribe(ctx, chatsync.ProfileScope(profile))}
		for _, id := range splitList(watchConversations) {
			unsubscribe = append(unsubscribe, client.Subscribe(ctx, chatsync.ConversationScope(chatsync.Confirmed(id))))
		}
		defer func() {
			for _, fn := range unsubscribe {
				fn()
			}
		}()

		printUnread := func() {
			rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			// The first read may serve stale lists while they refetch.
			counts, err := client.Messages.Unread(rctx, profile)
			if err == nil {
				client.Store().WaitIdle()
				counts, err = client.Messages.Unread(rctx, profile)
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "unread: %v\n", err)
				return
			}
			fmt.Printf("  unread %d\n", counts.Total)
		}

		fmt.Printf("Watching %s (Ctrl-C to stop)\n", chatsync.ProfileScope(profile))
		printUnread()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-changed:
				printUnread()
			}
		}
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve cache metrics on this address (e.g. :9100)")
	watchCmd.Flags().StringVar(&watchConversations, "conversations", "", "Comma-separated conversation IDs to watch as well")
	rootCmd.AddCommand(watchCmd)
}
