package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"madera-chat/internal/chat"
	"madera-chat/internal/config"
	"madera-chat/internal/metrics"
	"madera-chat/internal/models"
	"madera-chat/internal/notify"
	"madera-chat/internal/provider"
)

const (
	maxBodyBytes        = 64 << 10 // 64 KiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	writeTimeout        = 90 * time.Second
	idleTimeout         = 120 * time.Second
)

type Server struct {
	cfg      config.Config
	chat     *chat.Service
	notifier *notify.Notifier
	metrics  *metrics.Metrics
	app      *echo.Echo
	address  string
	origins  map[string]bool

	// hijacked websocket connections are invisible to echo's Shutdown
	connsMu sync.Mutex
	conns   map[*websocket.Conn]struct{}
	connsWG sync.WaitGroup
}

// New constructs an HTTP server wired with routing and middleware. notifier and m
// may be nil.
func New(cfg config.Config, svc *chat.Service, notifier *notify.Notifier, m *metrics.Metrics) (*Server, error) {
	if svc == nil {
		return nil, errors.New("chat service must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = jsonErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency:   true,
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"request_id", v.RequestID,
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: corsOrigins(cfg.Server.AllowedOrigins),
		AllowMethods: []string{http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType},
		// only real preflights are answered here; other OPTIONS reach the 405 path
		Skipper: func(c echo.Context) bool {
			req := c.Request()
			return req.Method == http.MethodOptions &&
				(req.Header.Get(echo.HeaderOrigin) == "" || req.Header.Get(echo.HeaderAccessControlRequestMethod) == "")
		},
	}))

	origins := make(map[string]bool, len(cfg.Server.AllowedOrigins))
	for _, o := range cfg.Server.AllowedOrigins {
		origins[o] = true
	}

	srv := &Server{
		cfg:      cfg,
		chat:     svc,
		notifier: notifier,
		metrics:  m,
		app:      e,
		address:  fmt.Sprintf(":%d", cfg.Server.Port),
		origins:  origins,
		conns:    make(map[*websocket.Conn]struct{}),
	}

	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled. Websocket
// connections are closed once HTTP traffic drains, and pending lead deliveries get
// the rest of the shutdown grace period to finish.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port, s.chat.Configured())
	slog.Info("starting server", "addr", s.address)

	httpServer := &http.Server{
		Addr:         s.address,
		Handler:      s.app,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		if err := s.closeConnections(shutdownCtx); err != nil {
			slog.Warn("websocket handlers still running at shutdown", "err", err)
		}
		if err := s.notifier.Shutdown(shutdownCtx); err != nil {
			slog.Warn("lead notifications still pending at shutdown", "err", err)
		}
		slog.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	s.app.Any("/api/chat", s.handleChat)
	s.app.GET("/api/chat/ws", s.handleWebsocket)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":     "ok",
		"configured": s.chat.Configured(),
	})
}

// handleChat checks method, then credential, then body, so that a misconfigured
// deployment reports 500 regardless of the payload.
func (s *Server) handleChat(c echo.Context) error {
	if c.Request().Method != http.MethodPost {
		c.Response().Header().Set(echo.HeaderAllow, http.MethodPost)
		return requestError{Status: http.StatusMethodNotAllowed, Message: "method not allowed"}
	}

	if !s.chat.Configured() {
		return s.notConfigured(requestID(c))
	}

	var req models.ChatRequest
	if err := decodeRequestBody(c, &req); err != nil {
		s.metrics.ChatRequest(metrics.OutcomeInvalid)
		return err
	}

	ctx := chat.WithRequestID(c.Request().Context(), requestID(c))
	resp, err := s.chat.Reply(ctx, req)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) notConfigured(requestID string) requestError {
	slog.Error("chat request rejected: provider credential missing", "kind", "config", "request_id", requestID)
	s.metrics.ChatRequest(metrics.OutcomeNotConfigured)
	return toHTTPError(chat.ErrNotConfigured)
}

func requestID(c echo.Context) string {
	return c.Response().Header().Get(echo.HeaderXRequestID)
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return requestError{Status: http.StatusBadRequest, Message: "request body is required"}
		case errors.As(err, &tooLarge):
			return requestError{Status: http.StatusRequestEntityTooLarge, Message: "request body is too large"}
		}
		return requestError{Status: http.StatusBadRequest, Message: "invalid JSON payload"}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{Status: http.StatusBadRequest, Message: "request body must contain a single JSON object"}
	}
	return nil
}

type requestError struct {
	Status  int
	Message string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error string `json:"error"`
}

func jsonErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = c.JSON(reqErr.Status, errorBody{Error: reqErr.Message})
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		_ = c.JSON(he.Code, errorBody{Error: fmt.Sprint(he.Message)})
		return
	}

	slog.Error("unhandled error", "request_id", requestID(c), "err", err)
	_ = c.JSON(http.StatusInternalServerError, errorBody{Error: "internal server error"})
}

// toHTTPError maps service errors to client-visible statuses. Messages never carry
// upstream details.
func toHTTPError(err error) requestError {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		return requestError{Status: http.StatusBadRequest, Message: "message is required"}
	case errors.Is(err, chat.ErrNotConfigured):
		return requestError{Status: http.StatusInternalServerError, Message: "chat is not configured"}
	case provider.IsStatusError(err):
		return requestError{Status: http.StatusBadGateway, Message: "LLM provider error"}
	}
	return requestError{Status: http.StatusInternalServerError, Message: "internal server error"}
}

func corsOrigins(allowed []string) []string {
	if len(allowed) == 0 {
		return []string{"*"}
	}
	return allowed
}

func printStartupBanner(port int, configured bool) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("madera-chat ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /metrics")
	fmt.Println("  POST /api/chat")
	fmt.Println("  GET  /api/chat/ws")
	if !configured {
		fmt.Println("WARNING: no LLM API key configured, /api/chat will answer 500")
	}
	fmt.Printf("Example:\n  curl http://%s:%d/api/chat -H 'Content-Type: application/json' -d '{\"message\":\"Сколько стоит кухня 5 метров?\"}'\n\n", host, port)
}
