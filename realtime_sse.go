package chatsync

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// SSEChannel
// ============================================================================

// SSEChannel opens one server-sent event stream per subscription. Streams
// reconnect on their own and deliver NotifyResync after every reconnect.
type SSEChannel struct {
	baseURL string
	config  *RealtimeConfig
}

// NewSSEChannel creates an SSE channel for the backend at baseURL. A nil
// config uses DefaultRealtimeConfig.
func NewSSEChannel(baseURL string, config *RealtimeConfig) *SSEChannel {
	if config == nil {
		config = DefaultRealtimeConfig()
	}
	config.defaults()
	return &SSEChannel{baseURL: strings.TrimRight(baseURL, "/"), config: config}
}

// Subscribe implements Channel. The first connection attempt happens before
// it returns so that an unreachable backend is reported to the caller.
func (c *SSEChannel) Subscribe(ctx context.Context, scope Scope, handler func(Notification)) (Subscription, error) {
	s := &sseStream{
		channel: c,
		scope:   scope,
		handler: handler,
		recon:   newReconnector(c.config),
	}
	// The stream outlives ctx; ctx only bounds the first connection attempt.
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	resp, err := s.open(streamCtx)
	if !stop() || err != nil {
		cancel()
		if err == nil {
			resp.Body.Close()
			err = ctx.Err()
		}
		return nil, err
	}

	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(streamCtx, resp)

	var once sync.Once
	return SubscriptionFunc(func() error {
		once.Do(func() {
			cancel()
			<-s.done
		})
		return nil
	}), nil
}

type sseStream struct {
	channel *SSEChannel
	scope   Scope
	handler func(Notification)
	recon   *reconnector
	cancel  context.CancelFunc
	done    chan struct{}

	mu           sync.Mutex
	lastDataTime time.Time
}

func (s *sseStream) open(ctx context.Context) (*http.Response, error) {
	cfg := s.channel.config
	q := url.Values{"scope": {s.scope.String()}}
	if cfg.Token != "" {
		q.Set("token", cfg.Token)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.channel.baseURL+"/sse?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("SSE connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("SSE HTTP %d", resp.StatusCode)
	}
	s.recon.markConnected()
	return resp, nil
}

func (s *sseStream) run(ctx context.Context, resp *http.Response) {
	defer close(s.done)
	log := s.channel.config.Logger.With().Str("scope", s.scope.String()).Logger()

	for {
		s.read(ctx, resp)
		if ctx.Err() != nil {
			return
		}
		log.Warn().Msg("realtime_sse_stream_ended")

		resp = nil
		for resp == nil {
			if !s.channel.config.AutoReconnect || !s.recon.shouldReconnect() {
				log.Error().Msg("realtime_sse_gave_up")
				return
			}
			delay := s.recon.nextDelay()
			if !sleepCtx(ctx, delay) {
				return
			}
			r, err := s.open(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn().Err(err).Int("attempt", s.recon.attempt).Msg("realtime_sse_reconnect_failed")
				continue
			}
			resp = r
		}
		s.handler(Notification{Type: NotifyResync, Scope: s.scope})
	}
}

// read consumes one stream until it ends, the context is cancelled or the
// server goes silent for too long.
func (s *sseStream) read(ctx context.Context, resp *http.Response) {
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer resp.Body.Close()

	s.mu.Lock()
	s.lastDataTime = time.Now()
	s.mu.Unlock()
	go s.watchdog(readCtx, resp)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if readCtx.Err() != nil {
			return
		}
		line := scanner.Text()

		s.mu.Lock()
		s.lastDataTime = time.Now()
		s.mu.Unlock()

		if strings.HasPrefix(line, ":") {
			continue // heartbeat comment
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var env Envelope
		if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &env) != nil {
			continue
		}
		if env.Type != NotifyInserted {
			continue
		}
		var n Notification
		if json.Unmarshal(env.Payload, &n) != nil {
			continue
		}
		n.Type = NotifyInserted
		if n.Scope.Kind == "" {
			n.Scope = s.scope
		}
		s.handler(n)
	}
}

// watchdog closes the body once nothing, not even a heartbeat comment, has
// arrived for three heartbeat intervals.
func (s *sseStream) watchdog(ctx context.Context, resp *http.Response) {
	interval := s.channel.config.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			resp.Body.Close()
			return
		case <-ticker.C:
			s.mu.Lock()
			stale := time.Since(s.lastDataTime) > 3*interval
			s.mu.Unlock()
			if stale {
				resp.Body.Close()
				return
			}
		}
	}
}
