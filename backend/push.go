package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"github.com/Prismer-AI/chatsync"
)

// ============================================================================
// WebSocket
// ============================================================================

// handleWebSocket serves /ws. The client subscribes and unsubscribes scopes
// with commands; inserts arrive as "row.inserted" envelopes.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket_accept_failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := newSubscriber()
	defer s.hub.drop(sub)

	if err := conn.Write(ctx, websocket.MessageText, envelope("connected", nil)); err != nil {
		return
	}
	s.log.Debug().Str("remote", r.RemoteAddr).Msg("websocket_connected")

	// Replies share the write loop with pushes so frames never interleave.
	replies := make(chan []byte, 8)
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case frame, ok := <-sub.send:
				if !ok {
					return
				}
				if err := writeTimeout(ctx, conn, frame); err != nil {
					return
				}
			case frame := <-replies:
				if err := writeTimeout(ctx, conn, frame); err != nil {
					return
				}
			}
		}
	}()

	reply := func(frame []byte) {
		select {
		case replies <- frame:
		case <-ctx.Done():
		}
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && ctx.Err() == nil {
				s.log.Debug().Err(err).Msg("websocket_read_failed")
			}
			return
		}
		var cmd chatsync.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			reply(envelope("error", chatsync.ErrorPayload{Message: "invalid command"}))
			continue
		}
		switch cmd.Type {
		case "subscribe":
			if cmd.Scope == nil || cmd.Scope.ID == "" {
				reply(envelope("error", chatsync.ErrorPayload{Message: "subscribe needs a scope"}))
				continue
			}
			s.hub.subscribe(*cmd.Scope, sub)
			reply(envelope("subscribed", cmd.Scope))
		case "unsubscribe":
			if cmd.Scope != nil {
				s.hub.unsubscribe(*cmd.Scope, sub)
			}
		case "ping":
			reply(envelope("pong", chatsync.PongPayload{RequestID: cmd.RequestID}))
		default:
			reply(envelope("error", chatsync.ErrorPayload{Message: fmt.Sprintf("unknown command %q", cmd.Type)}))
		}
	}
}

func writeTimeout(ctx context.Context, conn *websocket.Conn, frame []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, frame)
}

// ============================================================================
// Server-sent events
// ============================================================================

// handleSSE serves /sse?scope=kind:id with one scope per stream.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	scope, err := chatsync.ParseScope(r.URL.Query().Get("scope"))
	if err != nil {
		writeError(w, http.StatusBadRequest, chatsync.CodeInvalid, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, chatsync.CodeInternal, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	sub := newSubscriber()
	s.hub.subscribe(scope, sub)
	defer s.hub.drop(sub)
	s.log.Debug().Str("scope", scope.String()).Msg("sse_connected")

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case frame, ok := <-sub.send:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", frame)
			flusher.Flush()
		}
	}
}
