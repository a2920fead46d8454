package widget

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"madera-chat/internal/models"
)

// Sender delivers one message with its history and returns the reply text.
type Sender interface {
	Send(ctx context.Context, history []models.HistoryMessage, text string) (string, error)
}

// ServerError reports a non-success response from the chat endpoint.
type ServerError struct {
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("chat endpoint responded with status %d", e.StatusCode)
	}
	return fmt.Sprintf("chat endpoint responded with status %d: %s", e.StatusCode, e.Message)
}

// Client posts to the chat endpoint over HTTP.
type Client struct {
	endpoint    string
	leadSegment string
	http        *http.Client
}

// NewClient targets endpoint, e.g. http://localhost:8080/api/chat. Deadlines come
// from the context passed to Send.
func NewClient(endpoint, leadSegment string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{endpoint: endpoint, leadSegment: leadSegment, http: httpClient}
}

func (c *Client) Send(ctx context.Context, history []models.HistoryMessage, text string) (string, error) {
	payload, err := json.Marshal(models.ChatRequest{
		Message:     text,
		History:     history,
		LeadSegment: c.leadSegment,
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("construct chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var body struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = json.Unmarshal(data, &body)
		return "", &ServerError{StatusCode: resp.StatusCode, Message: body.Error}
	}

	var out models.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	return strings.TrimSpace(out.Reply), nil
}
