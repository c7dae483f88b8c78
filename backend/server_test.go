package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/Prismer-AI/chatsync"
)

type testServer struct {
	*Server
	store *Store
	url   string
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	store := openTestStore(t)
	srv := NewServer(store, cfg, WithLogger(zerolog.Nop()), WithRegistry(prometheus.NewRegistry()))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	return &testServer{Server: srv, store: store, url: ts.URL}
}

func (ts *testServer) do(t *testing.T, method, path, body string) (int, chatsync.Result) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.url+path, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out chatsync.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestServerRoutes(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())

	status, res := ts.do(t, "POST", "/api/conversations", `{"creator_id":"alice","is_group":true,"title":"team"}`)
	require.Equal(t, http.StatusCreated, status)
	var conv chatsync.Conversation
	require.NoError(t, res.Decode(&conv))
	id := conv.ID.Value()

	status, _ = ts.do(t, "POST", "/api/conversations/"+id+"/participants", `{"profile_id":"alice","role":"admin"}`)
	assert.Equal(t, http.StatusCreated, status)
	status, _ = ts.do(t, "POST", "/api/conversations/"+id+"/participants", `{"profile_id":"bob"}`)
	assert.Equal(t, http.StatusCreated, status)

	status, res = ts.do(t, "GET", "/api/profiles/bob/conversations", "")
	require.Equal(t, http.StatusOK, status)
	var convs []chatsync.Conversation
	require.NoError(t, res.Decode(&convs))
	require.Len(t, convs, 1)
	assert.Equal(t, "team", *convs[0].Title)

	status, res = ts.do(t, "PATCH", "/api/conversations/"+id+"/participants/bob", `{"role":"admin"}`)
	require.Equal(t, http.StatusOK, status)
	var part chatsync.Participant
	require.NoError(t, res.Decode(&part))
	assert.Equal(t, chatsync.RoleAdmin, part.Role)

	status, res = ts.do(t, "POST", "/api/conversations/"+id+"/messages", `{"sender_id":"alice","content":"hello"}`)
	require.Equal(t, http.StatusCreated, status)
	var m chatsync.Message
	require.NoError(t, res.Decode(&m))

	status, res = ts.do(t, "GET", "/api/conversations/"+id+"/messages?unread_by=bob", "")
	require.Equal(t, http.StatusOK, status)
	var msgs []chatsync.Message
	require.NoError(t, res.Decode(&msgs))
	assert.Len(t, msgs, 1)

	status, res = ts.do(t, "POST", "/api/conversations/"+id+"/read", `{"profile_id":"bob","message_ids":["`+m.ID.Value()+`"]}`)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, res.Decode(&msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"bob"}, msgs[0].ReadBy)

	status, res = ts.do(t, "PATCH", "/api/messages/"+m.ID.Value(), `{"content":"edited"}`)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, res.Decode(&m))
	assert.Equal(t, "edited", m.Content)

	status, _ = ts.do(t, "DELETE", "/api/messages/"+m.ID.Value(), "")
	assert.Equal(t, http.StatusOK, status)
	status, _ = ts.do(t, "DELETE", "/api/conversations/"+id+"/participants/bob", "")
	assert.Equal(t, http.StatusOK, status)
}

func TestServerErrorStatus(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())
	_, res := ts.do(t, "POST", "/api/conversations", `{"creator_id":"alice","is_group":true}`)
	var group chatsync.Conversation
	require.NoError(t, res.Decode(&group))

	tests := []struct {
		name         string
		method, path string
		body         string
		status       int
		code         string
	}{
		{"unknown conversation", "GET", "/api/conversations/nope", "", http.StatusNotFound, chatsync.CodeNotFound},
		{"group delete", "DELETE", "/api/conversations/" + group.ID.Value(), "", http.StatusConflict, chatsync.CodeGroupDelete},
		{"bad json", "POST", "/api/conversations", `{`, http.StatusBadRequest, chatsync.CodeInvalid},
		{"missing creator", "POST", "/api/conversations", `{}`, http.StatusBadRequest, chatsync.CodeInvalid},
		{"empty message", "POST", "/api/conversations/" + group.ID.Value() + "/messages", `{"sender_id":"alice"}`, http.StatusBadRequest, chatsync.CodeInvalid},
		{"unknown message", "DELETE", "/api/messages/nope", "", http.StatusNotFound, chatsync.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, res := ts.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, status)
			assert.False(t, res.OK)
			require.NotNil(t, res.Error)
			assert.Equal(t, tt.code, res.Error.Code)
		})
	}
}

func TestServerRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit = 0.001
	cfg.RateBurst = 2
	ts := newTestServer(t, cfg)

	for i := 0; i < 2; i++ {
		status, _ := ts.do(t, "GET", "/api/profiles/alice/conversations", "")
		require.Equal(t, http.StatusOK, status)
	}
	status, res := ts.do(t, "GET", "/api/profiles/alice/conversations", "")
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "RATE_LIMITED", res.Error.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.rateLimited))

	resp, err := http.Get(ts.url + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "only the API is limited")
}

func TestServerHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())
	ts.do(t, "GET", "/api/conversations/nope", "")

	resp, err := http.Get(ts.url + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	resp, err = http.Get(ts.url + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), `chatsync_backend_requests_total{code="404",method="GET",route="/api/conversations/{id}"} 1`)
}

func TestServerCORS(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	ts := newTestServer(t, cfg)

	req, _ := http.NewRequest(http.MethodOptions, ts.url+"/api/conversations", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	req, _ = http.NewRequest(http.MethodGet, ts.url+"/healthz", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func readEnvelope(t *testing.T, ctx context.Context, conn *websocket.Conn) chatsync.Envelope {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var env chatsync.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func writeCommand(t *testing.T, ctx context.Context, conn *websocket.Conn, cmd chatsync.Command) {
	t.Helper()
	data, _ := json.Marshal(cmd)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func TestWebSocketPush(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.url, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")
	assert.Equal(t, "connected", readEnvelope(t, ctx, conn).Type)

	scope := chatsync.ProfileScope("bob")
	writeCommand(t, ctx, conn, chatsync.Command{Type: "subscribe", Scope: &scope})
	assert.Equal(t, "subscribed", readEnvelope(t, ctx, conn).Type)
	assert.Equal(t, 1, ts.Hub().Subscribers(scope))

	writeCommand(t, ctx, conn, chatsync.Command{Type: "ping", RequestID: "p1"})
	env := readEnvelope(t, ctx, conn)
	require.Equal(t, "pong", env.Type)
	assert.JSONEq(t, `{"request_id":"p1"}`, string(env.Payload))

	writeCommand(t, ctx, conn, chatsync.Command{Type: "shout"})
	assert.Equal(t, "error", readEnvelope(t, ctx, conn).Type)

	c := createDirect(t, ts.store, "alice", "bob")
	env = readEnvelope(t, ctx, conn)
	require.Equal(t, chatsync.NotifyInserted, env.Type)
	var n chatsync.Notification
	require.NoError(t, json.Unmarshal(env.Payload, &n))
	assert.Equal(t, scope, n.Scope)
	assert.Equal(t, chatsync.TableParticipants, n.Table)
	assert.Equal(t, c.ID, n.ConversationID)

	writeCommand(t, ctx, conn, chatsync.Command{Type: "unsubscribe", Scope: &scope})
	require.Eventually(t, func() bool { return ts.Hub().Subscribers(scope) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSSEPush(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())
	c := createDirect(t, ts.store, "alice", "bob")
	scope := chatsync.ConversationScope(c.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.url+"/sse?scope="+scope.String(), nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	require.Eventually(t, func() bool { return ts.Hub().Subscribers(scope) == 1 }, 2*time.Second, 10*time.Millisecond)

	m, err := ts.store.InsertMessage(ctx, chatsync.Message{ConversationID: c.ID, SenderID: "alice", Content: "hi"})
	require.NoError(t, err)

	reader := bufio.NewReader(resp.Body)
	var frame string
	for frame == "" {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			frame = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}
	var env chatsync.Envelope
	require.NoError(t, json.Unmarshal([]byte(frame), &env))
	var n chatsync.Notification
	require.NoError(t, json.Unmarshal(env.Payload, &n))
	assert.Equal(t, chatsync.TableMessages, n.Table)
	var row chatsync.Message
	require.NoError(t, json.Unmarshal(n.Row, &row))
	assert.Equal(t, m.ID, row.ID)

	bad, err := http.Get(ts.url + "/sse?scope=team:x")
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestWebhookDelivery(t *testing.T) {
	wh, err := chatsync.NewWebhookChannel("s3cret", zerolog.Nop())
	require.NoError(t, err)
	got := make(chan chatsync.Notification, 8)
	c1 := chatsync.Confirmed("c1")
	_, err = wh.Subscribe(context.Background(), chatsync.ConversationScope(c1), func(n chatsync.Notification) { got <- n })
	require.NoError(t, err)
	receiver := httptest.NewServer(wh.HTTPHandler())
	defer receiver.Close()

	metrics := newServerMetrics(nil)
	sender := newWebhookSender(receiver.URL, "s3cret", zerolog.Nop(), metrics)
	sender.Enqueue(chatsync.Notification{Type: chatsync.NotifyInserted, Scope: chatsync.ConversationScope(c1), Table: chatsync.TableMessages, ConversationID: c1})

	select {
	case n := <-got:
		assert.Equal(t, chatsync.TableMessages, n.Table)
		assert.Equal(t, c1, n.ConversationID)
	case <-time.After(5 * time.Second):
		t.Fatal("webhook not delivered")
	}
	sender.Close()
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.webhooks))

	wrong := newWebhookSender(receiver.URL, "other", zerolog.Nop(), metrics)
	wrong.Enqueue(chatsync.Notification{Scope: chatsync.ConversationScope(c1)})
	wrong.Close()
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.webhookFailures), "a rejected signature is a failed delivery")
	assert.Empty(t, got)
}

func TestLimiterPool(t *testing.T) {
	p := newLimiterPool(0.001, 1)
	assert.True(t, p.Allow("a"))
	assert.False(t, p.Allow("a"))
	assert.True(t, p.Allow("b"), "buckets are per client")

	p = newLimiterPool(0.1, 0)
	assert.Equal(t, 1, p.burst, "burst has a floor of one")
}

func TestClientKey(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.7:5555"
	assert.Equal(t, "ip:10.0.0.7", clientKey(r))
	r.Header.Set("Authorization", "Bearer tok")
	assert.Equal(t, "token:tok", clientKey(r))
}
