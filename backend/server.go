package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/Prismer-AI/chatsync"
)

// Config configures a Server.
type Config struct {
	Addr              string
	DataDir           string
	WebhookURL        string
	WebhookSecret     string
	AllowedOrigins    []string
	RateLimit         float64 // requests per second per client, 0 disables
	RateBurst         int
	HeartbeatInterval time.Duration
}

// DefaultConfig listens on :8080 with an in-memory store.
func DefaultConfig() Config {
	return Config{
		Addr:              ":8080",
		AllowedOrigins:    []string{"*"},
		HeartbeatInterval: 15 * time.Second,
	}
}

// Server exposes a Store over HTTP and pushes its inserts.
type Server struct {
	cfg      Config
	store    *Store
	hub      *Hub
	webhook  *WebhookSender
	limiter  *limiterPool
	log      zerolog.Logger
	registry *prometheus.Registry
	metrics  *serverMetrics
	router   *mux.Router
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithRegistry registers the server metrics on reg and serves it on /metrics.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

// NewServer wires store to the REST routes, the push hub and, when
// configured, the webhook sender.
func NewServer(store *Store, cfg Config, opts ...Option) *Server {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	s := &Server{cfg: cfg, store: store, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	s.metrics = newServerMetrics(s.registry)
	s.hub = newHub(s.log.With().Str("component", "hub").Logger(), s.metrics)
	store.Notify(s.hub.Publish)

	if cfg.WebhookURL != "" {
		s.webhook = newWebhookSender(cfg.WebhookURL, cfg.WebhookSecret,
			s.log.With().Str("component", "webhook").Logger(), s.metrics)
		store.Notify(s.webhook.Enqueue)
	}
	if cfg.RateLimit > 0 {
		s.limiter = newLimiterPool(cfg.RateLimit, cfg.RateBurst)
	}
	s.router = s.setupRouter()
	return s
}

// Hub returns the push fan-out.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) setupRouter() *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.instrument, s.rateLimit)
	api.HandleFunc("/profiles/{profile}/conversations", s.listConversations).Methods("GET")
	api.HandleFunc("/conversations", s.createConversation).Methods("POST")
	api.HandleFunc("/conversations/{id}", s.getConversation).Methods("GET")
	api.HandleFunc("/conversations/{id}", s.updateConversation).Methods("PATCH")
	api.HandleFunc("/conversations/{id}", s.deleteConversation).Methods("DELETE")
	api.HandleFunc("/conversations/{id}/participants", s.listParticipants).Methods("GET")
	api.HandleFunc("/conversations/{id}/participants", s.addParticipant).Methods("POST")
	api.HandleFunc("/conversations/{id}/participants/{profile}", s.updateParticipant).Methods("PATCH")
	api.HandleFunc("/conversations/{id}/participants/{profile}", s.removeParticipant).Methods("DELETE")
	api.HandleFunc("/conversations/{id}/messages", s.listMessages).Methods("GET")
	api.HandleFunc("/conversations/{id}/messages", s.insertMessage).Methods("POST")
	api.HandleFunc("/conversations/{id}/read", s.markRead).Methods("POST")
	api.HandleFunc("/conversations/{id}/delivered", s.markDelivered).Methods("POST")
	api.HandleFunc("/messages/{id}", s.updateMessage).Methods("PATCH")
	api.HandleFunc("/messages/{id}", s.deleteMessage).Methods("DELETE")

	// Push
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
	r.HandleFunc("/sse", s.handleSSE).Methods("GET")

	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods("GET")
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")
	return r
}

// Handler returns the router wrapped with CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		ExposedHeaders: []string{"Content-Length"},
		MaxAge:         300,
	})
	return c.Handler(s.router)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.Addr).Msg("server_listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.log.Info().Msg("server_stopped")
	return err
}

// Close stops background delivery. The store is owned by the caller.
func (s *Server) Close() {
	if s.webhook != nil {
		s.webhook.Close()
	}
}

// ============================================================================
// Middleware
// ============================================================================

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		elapsed := time.Since(start)
		s.metrics.requests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		s.metrics.duration.WithLabelValues(route, r.Method).Observe(elapsed.Seconds())
		s.log.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", rec.status).
			Dur("elapsed", elapsed).
			Msg("http_request")
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow(clientKey(r)) {
			s.metrics.rateLimited.Inc()
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ============================================================================
// Responses
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, status int, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, chatsync.CodeInternal, err.Error())
		return
	}
	writeJSON(w, status, chatsync.Result{OK: true, Data: raw})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, chatsync.Result{Error: &chatsync.APIError{Code: code, Message: message}})
}

// writeStoreError maps store errors onto API errors.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chatsync.ErrNotFound):
		writeError(w, http.StatusNotFound, chatsync.CodeNotFound, err.Error())
	case errors.Is(err, chatsync.ErrGroupDelete):
		writeError(w, http.StatusConflict, chatsync.CodeGroupDelete, err.Error())
	case errors.Is(err, ErrInvalid):
		writeError(w, http.StatusBadRequest, chatsync.CodeInvalid, err.Error())
	default:
		s.log.Error().Err(err).Msg("store_failed")
		writeError(w, http.StatusInternalServerError, chatsync.CodeInternal, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, chatsync.CodeInvalid, "invalid JSON body")
		return false
	}
	return true
}

func pathID(r *http.Request) chatsync.ID {
	return chatsync.Confirmed(mux.Vars(r)["id"])
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.ListConversations(r.Context(), mux.Vars(r)["profile"])
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.GetConversation(r.Context(), pathID(r))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	var in chatsync.Conversation
	if !decodeBody(w, r, &in) {
		return
	}
	out, err := s.store.CreateConversation(r.Context(), in)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusCreated, out)
}

func (s *Server) updateConversation(w http.ResponseWriter, r *http.Request) {
	var in chatsync.Conversation
	if !decodeBody(w, r, &in) {
		return
	}
	in.ID = pathID(r)
	out, err := s.store.UpdateConversation(r.Context(), in)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) deleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteConversation(r.Context(), pathID(r)); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) listParticipants(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.ListParticipants(r.Context(), pathID(r))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) addParticipant(w http.ResponseWriter, r *http.Request) {
	var in chatsync.Participant
	if !decodeBody(w, r, &in) {
		return
	}
	in.ConversationID = pathID(r)
	out, err := s.store.AddParticipant(r.Context(), in)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusCreated, out)
}

func (s *Server) updateParticipant(w http.ResponseWriter, r *http.Request) {
	var in chatsync.Participant
	if !decodeBody(w, r, &in) {
		return
	}
	in.ConversationID = pathID(r)
	in.ProfileID = mux.Vars(r)["profile"]
	out, err := s.store.UpdateParticipant(r.Context(), in)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) removeParticipant(w http.ResponseWriter, r *http.Request) {
	if err := s.store.RemoveParticipant(r.Context(), pathID(r), mux.Vars(r)["profile"]); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"removed": true})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.ListMessages(r.Context(), chatsync.MessageFilter{
		ConversationID: pathID(r),
		UnreadBy:       r.URL.Query().Get("unread_by"),
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) insertMessage(w http.ResponseWriter, r *http.Request) {
	var in chatsync.Message
	if !decodeBody(w, r, &in) {
		return
	}
	in.ConversationID = pathID(r)
	out, err := s.store.InsertMessage(r.Context(), in)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusCreated, out)
}

func (s *Server) updateMessage(w http.ResponseWriter, r *http.Request) {
	var in chatsync.Message
	if !decodeBody(w, r, &in) {
		return
	}
	in.ID = pathID(r)
	out, err := s.store.UpdateMessage(r.Context(), in)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.SoftDeleteMessage(r.Context(), pathID(r))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	s.receipt(w, r, s.store.MarkRead)
}

func (s *Server) markDelivered(w http.ResponseWriter, r *http.Request) {
	s.receipt(w, r, s.store.MarkDelivered)
}

func (s *Server) receipt(w http.ResponseWriter, r *http.Request,
	fn func(context.Context, chatsync.ID, string, []chatsync.ID) ([]chatsync.Message, error)) {
	var in chatsync.ReceiptRequest
	if !decodeBody(w, r, &in) {
		return
	}
	out, err := fn(r.Context(), pathID(r), in.ProfileID, in.MessageIDs)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, out)
}
