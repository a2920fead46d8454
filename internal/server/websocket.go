package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"madera-chat/internal/chat"
	"madera-chat/internal/models"
)

const (
	frameReply = "reply"
	frameError = "error"
)

type errorFrame struct {
	Type   string `json:"type"`
	Status int    `json:"status"`
	Error  string `json:"error"`
}

// checkOrigin allows every origin when none are configured, and non-browser
// clients that send no Origin header.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.origins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return s.origins[origin]
}

// handleWebsocket serves the same contract as POST /api/chat over one connection.
// Frames are answered in order.
func (s *Server) handleWebsocket(c echo.Context) error {
	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return nil
	}
	if !s.trackConnection(conn) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(time.Second))
		conn.Close()
		return nil
	}
	defer s.untrackConnection(conn)
	conn.SetReadLimit(maxBodyBytes)

	connID := requestID(c)
	ctx := c.Request().Context()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket closed unexpectedly", "request_id", connID, "err", err)
			}
			return nil
		}

		if !s.chat.Configured() {
			if !s.writeError(conn, s.notConfigured(connID)) {
				return nil
			}
			continue
		}

		var req models.ChatRequest
		if err := json.Unmarshal(message, &req); err != nil {
			if !s.writeError(conn, requestError{Status: http.StatusBadRequest, Message: "invalid JSON payload"}) {
				return nil
			}
			continue
		}

		resp, err := s.chat.Reply(chat.WithRequestID(ctx, connID), req)
		if err != nil {
			if !s.writeError(conn, toHTTPError(err)) {
				return nil
			}
			continue
		}

		frame, err := replyFrame(resp)
		if err != nil {
			slog.Error("encode websocket reply", "request_id", connID, "err", err)
			return nil
		}
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			slog.Warn("websocket write failed", "request_id", connID, "err", err)
			return nil
		}
	}
}

// trackConnection registers conn for shutdown. It reports false once closeConnections
// has started.
func (s *Server) trackConnection(conn *websocket.Conn) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if s.conns == nil {
		return false
	}
	s.conns[conn] = struct{}{}
	s.connsWG.Add(1)
	return true
}

func (s *Server) untrackConnection(conn *websocket.Conn) {
	conn.Close()
	s.connsMu.Lock()
	if s.conns != nil {
		delete(s.conns, conn)
	}
	s.connsMu.Unlock()
	s.connsWG.Done()
}

// closeConnections closes every open websocket and waits for their handlers to
// return, so no chat reply is still producing leads afterwards.
func (s *Server) closeConnections(ctx context.Context) error {
	s.connsMu.Lock()
	conns := s.conns
	s.conns = nil
	s.connsMu.Unlock()

	for conn := range conns {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(time.Second))
		conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.connsWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) writeError(conn *websocket.Conn, reqErr requestError) bool {
	err := conn.WriteJSON(errorFrame{Type: frameError, Status: reqErr.Status, Error: reqErr.Message})
	if err != nil {
		slog.Warn("websocket write failed", "err", err)
		return false
	}
	return true
}

// replyFrame adds "type":"reply" to the encoded ChatResponse.
func replyFrame(resp models.ChatResponse) ([]byte, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	fields["type"], _ = json.Marshal(frameReply)
	return json.Marshal(fields)
}
