package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"madera-chat/internal/chat"
	"madera-chat/internal/config"
	"madera-chat/internal/gateway"
	"madera-chat/internal/metrics"
	"madera-chat/internal/notify"
	"madera-chat/internal/provider/factory"
)

// upstream fakes the OpenAI chat completions endpoint.
type upstream struct {
	status  int
	content string
	calls   atomic.Int32

	mu       sync.Mutex
	messages int
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.calls.Add(1)
	var body struct {
		Messages []json.RawMessage `json:"messages"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	u.mu.Lock()
	u.messages = len(body.Messages)
	u.mu.Unlock()

	if u.status != 0 && u.status != http.StatusOK {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(u.status)
		_, _ = w.Write([]byte(`{"error":{"message":"upstream exploded","type":"server_error"}}`))
		return
	}

	content, _ := json.Marshal(u.content)
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"id":"chatcmpl-1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":%s},"finish_reason":"stop"}]}`, content)
}

type countingSink struct {
	name string
	err  error
	hits atomic.Int32
}

func (s *countingSink) Name() string { return s.name }

func (s *countingSink) Deliver(ctx context.Context, lead notify.Lead) error {
	s.hits.Add(1)
	return s.err
}

type fixture struct {
	server   *Server
	upstream *upstream
	notifier *notify.Notifier
	metrics  *metrics.Metrics
}

func newFixture(t *testing.T, up *upstream, apiKey string, sinks ...notify.Sink) *fixture {
	t.Helper()

	upSrv := httptest.NewServer(up)
	t.Cleanup(upSrv.Close)

	cfg := config.Default()
	cfg.Provider.APIKey = apiKey
	cfg.Provider.BaseURL = upSrv.URL + "/v1"
	cfg.Provider.Timeout = 5 * time.Second

	m := metrics.New()
	notifier := notify.New(sinks, time.Second, m)

	opts := chat.Options{Notifier: notifier, Metrics: m, Structured: cfg.Chat.Structured()}
	if cfg.Provider.HasCredential() {
		p, err := factory.New(cfg.Provider)
		require.NoError(t, err)
		gw, err := gateway.New(p, gateway.Options{
			Model:        cfg.Provider.Model,
			Temperature:  cfg.Provider.Temperature,
			MaxTokens:    cfg.Provider.MaxTokens,
			HistoryLimit: cfg.Chat.HistoryLimit,
			JSONMode:     cfg.Chat.Structured(),
		}, m)
		require.NoError(t, err)
		opts.Gateway = gw
	}

	srv, err := New(cfg, chat.NewService(opts), notifier, m)
	require.NoError(t, err)
	return &fixture{server: srv, upstream: up, notifier: notifier, metrics: m}
}

func (f *fixture) do(method, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/api/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestChatSuccess(t *testing.T) {
	f := newFixture(t, &upstream{content: `{"answer":"Кухня 5 метров: примерно 20000–25000 сом.","segment":"средний","hot_lead":false}`}, "sk-test")

	rec := f.do(http.MethodPost, `{"message":"Сколько стоит кухня 5 метров?"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "Кухня 5 метров: примерно 20000–25000 сом.", body["reply"])
	assert.Equal(t, "средний", body["segment"])
	assert.Equal(t, false, body["hot_lead"])
	assert.Contains(t, body, "budget_range")
	assert.Equal(t, []any{}, body["products"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ChatRequests(metrics.OutcomeOK)))
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	f := newFixture(t, &upstream{content: "x"}, "sk-test")

	for _, body := range []string{`{}`, `{"message":""}`, `{"message":"   "}`, `{"message":42}`, `not json`, ``} {
		rec := f.do(http.MethodPost, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
		assert.NotEmpty(t, decode(t, rec)["error"])
	}
	assert.Zero(t, f.upstream.calls.Load())
}

func TestChatInvalidJSONMessageIsFixed(t *testing.T) {
	f := newFixture(t, &upstream{content: "x"}, "sk-test")

	for _, body := range []string{`not json`, `{"message":42}`, `{"message":"hi"`} {
		rec := f.do(http.MethodPost, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
		assert.Equal(t, "invalid JSON payload", decode(t, rec)["error"], "body %q", body)
	}
}

func TestChatRejectsOtherMethods(t *testing.T) {
	f := newFixture(t, &upstream{content: "x"}, "sk-test")

	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete, http.MethodPatch, http.MethodHead} {
		rec := f.do(method, `{"message":"hi"}`)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, method)
		assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
	}
	assert.Zero(t, f.upstream.calls.Load())
}

func TestChatPreflight(t *testing.T) {
	f := newFixture(t, &upstream{content: "x"}, "sk-test")

	req := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
	req.Header.Set("Origin", "https://madera.kg")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Zero(t, f.upstream.calls.Load())
}

func TestChatOptionsWithoutPreflightHeaders(t *testing.T) {
	f := newFixture(t, &upstream{content: "x"}, "sk-test")

	cases := map[string]http.Header{
		"bare":        {},
		"origin only": {"Origin": []string{"https://madera.kg"}},
		"method only": {"Access-Control-Request-Method": []string{http.MethodPost}},
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
			req.Header = header
			rec := httptest.NewRecorder()
			f.server.Handler().ServeHTTP(rec, req)

			assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
			assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
		})
	}
	assert.Zero(t, f.upstream.calls.Load())
}

func TestChatWithoutCredential(t *testing.T) {
	f := newFixture(t, &upstream{content: "x"}, "")

	for _, body := range []string{`{"message":"hi"}`, `{}`} {
		rec := f.do(http.MethodPost, body)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	}
	assert.Zero(t, f.upstream.calls.Load())
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.ChatRequests(metrics.OutcomeNotConfigured)))
}

func TestChatProviderFailureStatus(t *testing.T) {
	f := newFixture(t, &upstream{status: http.StatusInternalServerError}, "sk-test")

	rec := f.do(http.MethodPost, `{"message":"hi"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotContains(t, rec.Body.String(), "upstream exploded")
}

func TestChatProviderUnreachable(t *testing.T) {
	up := httptest.NewServer(http.NotFoundHandler())
	up.Close()
	cfg := config.Default()
	cfg.Provider.APIKey = "sk-test"
	cfg.Provider.BaseURL = up.URL + "/v1"
	p, err := factory.New(cfg.Provider)
	require.NoError(t, err)
	gw, err := gateway.New(p, gateway.Options{Model: cfg.Provider.Model, MaxTokens: 10}, nil)
	require.NoError(t, err)
	srv, err := New(cfg, chat.NewService(chat.Options{Gateway: gw, Structured: true}), nil, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"message":"hi"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal server error", decode(t, rec)["error"])
}

func TestChatFallsBackToPlainText(t *testing.T) {
	f := newFixture(t, &upstream{content: "```\nПримерно 20000–25000 сом, точнее после замера.\n```"}, "sk-test")

	rec := f.do(http.MethodPost, `{"message":"Сколько стоит кухня 5 метров?"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "Примерно 20000–25000 сом, точнее после замера.", body["reply"])
	assert.Equal(t, "неизвестно", body["segment"])
	assert.Equal(t, false, body["hot_lead"])
	assert.Nil(t, body["budget_range"])
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ReplyFallbacks()))
}

func TestChatTruncatesHistory(t *testing.T) {
	f := newFixture(t, &upstream{content: `{"answer":"ok"}`}, "sk-test")

	history := make([]map[string]string, 20)
	for i := range history {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		history[i] = map[string]string{"role": role, "content": fmt.Sprintf("turn %d", i)}
	}
	payload, err := json.Marshal(map[string]any{"message": "hi", "history": history})
	require.NoError(t, err)

	rec := f.do(http.MethodPost, string(payload))
	require.Equal(t, http.StatusOK, rec.Code)

	f.upstream.mu.Lock()
	defer f.upstream.mu.Unlock()
	assert.Equal(t, 1+8+1, f.upstream.messages)
}

func TestChatHotLeadSurvivesSinkFailure(t *testing.T) {
	broken := &countingSink{name: "webhook", err: errors.New("connection refused")}
	healthy := &countingSink{name: "telegram"}
	f := newFixture(t, &upstream{content: `{"answer":"Записываю на замер!","hot_lead":true}`}, "sk-test", broken, healthy)

	rec := f.do(http.MethodPost, `{"message":"Готов к замеру в субботу"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["hot_lead"])

	require.NoError(t, f.notifier.Wait(context.Background()))
	assert.Equal(t, int32(1), broken.hits.Load())
	assert.Equal(t, int32(1), healthy.hits.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Notifications("webhook", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Notifications("telegram", "delivered")))
}

func TestChatBodyLimit(t *testing.T) {
	f := newFixture(t, &upstream{content: "x"}, "sk-test")

	big := `{"message":"` + strings.Repeat("a", maxBodyBytes) + `"}`
	rec := f.do(http.MethodPost, big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Zero(t, f.upstream.calls.Load())
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, &upstream{content: "x"}, "sk-test")

	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["configured"])

	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestWebsocketChat(t *testing.T) {
	f := newFixture(t, &upstream{content: `{"answer":"Здравствуйте!","segment":"премиум"}`}, "sk-test")
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/chat/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"message":"Привет"}`)))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "reply", frame["type"])
	assert.Equal(t, "Здравствуйте!", frame["reply"])
	assert.Equal(t, "премиум", frame["segment"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"message":"  "}`)))
	frame = nil
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, float64(http.StatusBadRequest), frame["status"])
}

func TestWebsocketRejectsForeignOrigin(t *testing.T) {
	f := newFixture(t, &upstream{content: "x"}, "sk-test")
	f.server.origins = map[string]bool{"https://madera.kg": true}
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/chat/ws"
	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCloseConnectionsEndsWebsockets(t *testing.T) {
	f := newFixture(t, &upstream{content: `{"answer":"Да","segment":"средний"}`}, "sk-test")
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/chat/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// one round trip guarantees the handler has registered the connection
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"message":"Привет"}`)))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.server.closeConnections(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	late, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer late.Close()
	require.NoError(t, late.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = late.ReadMessage()
	assert.Error(t, err)
}
