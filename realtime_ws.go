package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// WSChannel
// ============================================================================

// WSChannel multiplexes every scope over one WebSocket connection. It dials on
// the first Subscribe, resubscribes after a reconnect and delivers a
// NotifyResync notification for every scope once the connection is back.
type WSChannel struct {
	baseURL string
	config  *RealtimeConfig
	recon   *reconnector

	dialMu   sync.Mutex
	mu       sync.Mutex
	conn     *websocket.Conn
	state    ConnState
	cancelFn context.CancelFunc
	nextID   int
	handlers map[Scope]map[int]func(Notification)

	pendingMu    sync.Mutex
	pingCounter  int
	pendingPings map[string]chan PongPayload
}

// NewWSChannel creates a WebSocket channel for the backend at baseURL. A nil
// config uses DefaultRealtimeConfig.
func NewWSChannel(baseURL string, config *RealtimeConfig) *WSChannel {
	if config == nil {
		config = DefaultRealtimeConfig()
	}
	config.defaults()
	return &WSChannel{
		baseURL:      strings.TrimRight(baseURL, "/"),
		config:       config,
		recon:        newReconnector(config),
		state:        ConnDisconnected,
		handlers:     make(map[Scope]map[int]func(Notification)),
		pendingPings: make(map[string]chan PongPayload),
	}
}

// State returns the current connection state.
func (ws *WSChannel) State() ConnState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Subscribe implements Channel.
func (ws *WSChannel) Subscribe(ctx context.Context, scope Scope, handler func(Notification)) (Subscription, error) {
	if err := ws.connect(ctx); err != nil {
		return nil, err
	}

	ws.mu.Lock()
	ws.nextID++
	id := ws.nextID
	first := len(ws.handlers[scope]) == 0
	if first {
		ws.handlers[scope] = make(map[int]func(Notification))
	}
	ws.handlers[scope][id] = handler
	ws.mu.Unlock()

	if first {
		if err := ws.send(ctx, &Command{Type: "subscribe", Scope: &scope}); err != nil {
			ws.removeHandler(scope, id)
			return nil, fmt.Errorf("subscribe %s: %w", scope, err)
		}
	}

	var once sync.Once
	return SubscriptionFunc(func() error {
		var err error
		once.Do(func() { err = ws.unsubscribe(scope, id) })
		return err
	}), nil
}

func (ws *WSChannel) unsubscribe(scope Scope, id int) error {
	if !ws.removeHandler(scope, id) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ws.send(ctx, &Command{Type: "unsubscribe", Scope: &scope}); err != nil && !errors.Is(err, errNotConnected) {
		return err
	}

	ws.mu.Lock()
	idle := len(ws.handlers) == 0
	ws.mu.Unlock()
	if idle {
		return ws.Close()
	}
	return nil
}

// removeHandler reports whether scope has no handler left.
func (ws *WSChannel) removeHandler(scope Scope, id int) bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	delete(ws.handlers[scope], id)
	if len(ws.handlers[scope]) > 0 {
		return false
	}
	delete(ws.handlers, scope)
	return true
}

// Close drops the connection and every handler.
func (ws *WSChannel) Close() error {
	ws.mu.Lock()
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.state = ConnDisconnected
	ws.handlers = make(map[Scope]map[int]func(Notification))
	ws.mu.Unlock()

	ws.clearPendingPings()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Ping sends a ping and waits for the pong.
func (ws *WSChannel) Ping(ctx context.Context) (*PongPayload, error) {
	ws.pendingMu.Lock()
	ws.pingCounter++
	requestID := fmt.Sprintf("ping-%d", ws.pingCounter)
	ch := make(chan PongPayload, 1)
	ws.pendingPings[requestID] = ch
	ws.pendingMu.Unlock()

	drop := func() {
		ws.pendingMu.Lock()
		delete(ws.pendingPings, requestID)
		ws.pendingMu.Unlock()
	}

	if err := ws.send(ctx, &Command{Type: "ping", RequestID: requestID}); err != nil {
		drop()
		return nil, err
	}

	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, errNotConnected
		}
		return &pong, nil
	case <-time.After(10 * time.Second):
		drop()
		return nil, fmt.Errorf("ping timeout")
	case <-ctx.Done():
		drop()
		return nil, ctx.Err()
	}
}

func (ws *WSChannel) connect(ctx context.Context) error {
	ws.dialMu.Lock()
	defer ws.dialMu.Unlock()

	ws.mu.Lock()
	if ws.state == ConnConnected || ws.state == ConnReconnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = ConnConnecting
	ws.mu.Unlock()

	conn, err := ws.dial(ctx)
	if err != nil {
		ws.mu.Lock()
		ws.state = ConnDisconnected
		ws.mu.Unlock()
		return err
	}

	// The connection outlives the ctx of the Subscribe that opened it.
	connCtx, cancel := context.WithCancel(context.Background())
	ws.mu.Lock()
	ws.conn = conn
	ws.state = ConnConnected
	ws.cancelFn = cancel
	ws.mu.Unlock()
	ws.recon.markConnected()

	go ws.readLoop(connCtx, conn)
	go ws.heartbeatLoop(connCtx)
	return nil
}

// dial opens the socket and waits for the server's "connected" frame.
func (ws *WSChannel) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL := strings.Replace(ws.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws"
	if ws.config.Token != "" {
		wsURL += "?token=" + ws.config.Token
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: ws.config.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("read hello: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "connected" {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("expected 'connected', got '%s'", env.Type)
	}
	return conn, nil
}

func (ws *WSChannel) send(ctx context.Context, cmd *Command) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (ws *WSChannel) readLoop(ctx context.Context, conn *websocket.Conn) {
	log := ws.config.Logger
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("realtime_ws_disconnected")
			ws.mu.Lock()
			ws.conn = nil
			ws.state = ConnDisconnected
			active := len(ws.handlers) > 0
			ws.mu.Unlock()
			ws.clearPendingPings()

			if active && ws.config.AutoReconnect && ws.recon.shouldReconnect() {
				ws.reconnect(ctx)
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		switch env.Type {
		case "pong":
			var p PongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				ws.pendingMu.Lock()
				ch, ok := ws.pendingPings[p.RequestID]
				if ok {
					delete(ws.pendingPings, p.RequestID)
				}
				ws.pendingMu.Unlock()
				if ok {
					ch <- p
				}
			}
		case NotifyInserted:
			var n Notification
			if json.Unmarshal(env.Payload, &n) != nil {
				continue
			}
			n.Type = NotifyInserted
			ws.dispatch(n)
		case "error":
			var p ErrorPayload
			if json.Unmarshal(env.Payload, &p) == nil {
				log.Warn().Str("message", p.Message).Msg("realtime_server_error")
			}
		}
	}
}

func (ws *WSChannel) dispatch(n Notification) {
	ws.mu.Lock()
	handlers := make([]func(Notification), 0, len(ws.handlers[n.Scope]))
	for _, h := range ws.handlers[n.Scope] {
		handlers = append(handlers, h)
	}
	ws.mu.Unlock()
	for _, h := range handlers {
		h(n)
	}
}

func (ws *WSChannel) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := ws.Ping(ctx); err != nil {
				ws.mu.Lock()
				conn := ws.conn
				ws.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

// reconnect dials again until it succeeds or runs out of attempts, then
// restores every scope and tells its handlers to resync.
func (ws *WSChannel) reconnect(ctx context.Context) {
	log := ws.config.Logger
	ws.mu.Lock()
	ws.state = ConnReconnecting
	ws.mu.Unlock()

	for ws.recon.shouldReconnect() {
		delay := ws.recon.nextDelay()
		log.Info().Int("attempt", ws.recon.attempt).Dur("delay", delay).Msg("realtime_ws_reconnecting")
		if !sleepCtx(ctx, delay) {
			return
		}

		conn, err := ws.dial(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("realtime_ws_reconnect_failed")
			continue
		}

		ws.mu.Lock()
		ws.conn = conn
		ws.state = ConnConnected
		scopes := make([]Scope, 0, len(ws.handlers))
		for s := range ws.handlers {
			scopes = append(scopes, s)
		}
		ws.mu.Unlock()
		ws.recon.markConnected()

		go ws.readLoop(ctx, conn)
		go ws.heartbeatLoop(ctx)

		for _, s := range scopes {
			scope := s
			if err := ws.send(ctx, &Command{Type: "subscribe", Scope: &scope}); err != nil {
				log.Warn().Err(err).Str("scope", scope.String()).Msg("realtime_resubscribe_failed")
			}
			ws.dispatch(Notification{Type: NotifyResync, Scope: scope})
		}
		return
	}

	ws.mu.Lock()
	ws.state = ConnDisconnected
	ws.mu.Unlock()
	log.Error().Msg("realtime_ws_gave_up")
}

func (ws *WSChannel) clearPendingPings() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pendingPings {
		close(ch)
		delete(ws.pendingPings, k)
	}
	ws.pendingMu.Unlock()
}
