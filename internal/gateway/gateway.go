package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"madera-chat/internal/metrics"
	"madera-chat/internal/models"
	"madera-chat/internal/provider"
)

// ErrProviderUnavailable wraps failures where no usable HTTP status came back.
var ErrProviderUnavailable = errors.New("llm provider unavailable")

// Options fixes the model parameters applied to every request.
type Options struct {
	Model        string
	Temperature  float64
	MaxTokens    int
	HistoryLimit int
	JSONMode     bool
}

// Client dispatches chat requests to the configured provider.
type Client struct {
	provider provider.Provider
	opts     Options
	metrics  *metrics.Metrics
}

// New constructs a gateway client backed by p.
func New(p provider.Provider, opts Options, m *metrics.Metrics) (*Client, error) {
	if p == nil {
		return nil, errors.New("provider must not be nil")
	}
	if opts.Model == "" {
		return nil, errors.New("model must not be empty")
	}
	return &Client{provider: p, opts: opts, metrics: m}, nil
}

// ProviderName returns the upstream provider identifier.
func (c *Client) ProviderName() string {
	return c.provider.Name()
}

// Complete sends system prompt, bounded history and the current message upstream.
// A *provider.StatusError is returned unchanged; any other failure wraps
// ErrProviderUnavailable.
func (c *Client) Complete(ctx context.Context, systemPrompt string, req models.ChatRequest) (*models.Completion, error) {
	unified := models.CompletionRequest{
		Model:       c.opts.Model,
		Messages:    BuildMessages(systemPrompt, req.History, req.Message, c.opts.HistoryLimit),
		Temperature: c.opts.Temperature,
		MaxTokens:   c.opts.MaxTokens,
		JSONMode:    c.opts.JSONMode,
	}

	start := time.Now()
	resp, err := c.provider.Chat(ctx, unified)
	c.metrics.ProviderLatency(c.provider.Name(), time.Since(start))
	if err != nil {
		if provider.IsStatusError(err) {
			return nil, fmt.Errorf("provider %s chat request: %w", c.provider.Name(), err)
		}
		return nil, fmt.Errorf("provider %s chat request: %w: %w", c.provider.Name(), ErrProviderUnavailable, err)
	}
	if resp == nil {
		resp = &models.Completion{}
	}
	return resp, nil
}

// BuildMessages returns [system] + the last limit history entries + [user message].
// History entries with roles other than user/assistant are skipped.
func BuildMessages(systemPrompt string, history []models.HistoryMessage, message string, limit int) []models.Message {
	filtered := make([]models.HistoryMessage, 0, len(history))
	for _, h := range history {
		if !models.IsHistoryRole(h.Role) || h.Content == "" {
			continue
		}
		filtered = append(filtered, h)
	}
	tail := models.TailHistory(filtered, limit)

	out := make([]models.Message, 0, len(tail)+2)
	out = append(out, models.Message{Role: models.RoleSystem, Content: systemPrompt})
	for _, h := range tail {
		out = append(out, models.Message{Role: h.Role, Content: h.Content})
	}
	out = append(out, models.Message{Role: models.RoleUser, Content: message})
	return out
}
