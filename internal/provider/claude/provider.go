// Package claude calls the Anthropic Messages API over plain HTTP.
package claude

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"madera-chat/internal/config"
	"madera-chat/internal/models"
	"madera-chat/internal/provider"
)

const (
	apiVersion    = "2023-06-01"
	maxErrorBytes = 64 << 10
)

// Provider sends one Messages call per completion.
type Provider struct {
	name     string
	endpoint string
	header   http.Header
	client   *http.Client
}

// New builds a provider posting to <base_url>/v1/messages. Extra configured headers
// override the defaults.
func New(name string, cfg config.ProviderConfig, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("User-Agent", "madera-chat/0.1")
	header.Set("x-api-key", cfg.APIKey)
	header.Set("anthropic-version", apiVersion)
	for k, v := range cfg.Headers {
		header.Set(k, v)
	}

	return &Provider{
		name:     name,
		endpoint: baseURL + "/v1/messages",
		header:   header,
		client:   client,
	}, nil
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) Chat(ctx context.Context, req models.CompletionRequest) (*models.Completion, error) {
	body, err := messagesBody(req)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("claude: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("claude: build request: %w", err)
	}
	httpReq.Header = p.header.Clone()

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("claude chat request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, p.statusError(resp)
	}

	var out messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("claude: decode response: %w", err)
	}
	return out.completion(), nil
}

type textBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type turn struct {
	Role    string      `json:"role"`
	Content []textBlock `json:"content"`
}

type messagesRequest struct {
	Model       string   `json:"model"`
	System      string   `json:"system,omitempty"`
	Messages    []turn   `json:"messages"`
	MaxTokens   int      `json:"max_tokens"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// messagesBody lifts system prompts into the top-level system field. The API wants
// the first turn to come from the user, so a leading greeting from the consultant
// is dropped.
func messagesBody(req models.CompletionRequest) (messagesRequest, error) {
	if req.MaxTokens <= 0 {
		return messagesRequest{}, errors.New("claude requests require a positive max_tokens value")
	}

	body := messagesRequest{Model: req.Model, MaxTokens: req.MaxTokens}
	var system []string
	for _, msg := range req.Messages {
		role := strings.ToLower(strings.TrimSpace(msg.Role))
		text := strings.TrimSpace(msg.Content)

		switch role {
		case models.RoleSystem:
			if text != "" {
				system = append(system, msg.Content)
			}
			continue
		case models.RoleUser, models.RoleAssistant:
		default:
			return messagesRequest{}, fmt.Errorf("claude provider does not support role %q", msg.Role)
		}

		if text == "" {
			return messagesRequest{}, errors.New("claude messages must not be empty")
		}
		if role == models.RoleAssistant && len(body.Messages) == 0 {
			continue
		}
		body.Messages = append(body.Messages, turn{Role: role, Content: []textBlock{{Type: "text", Text: text}}})
	}

	if len(body.Messages) == 0 {
		return messagesRequest{}, errors.New("claude request requires at least one user message")
	}
	body.System = strings.Join(system, "\n\n")
	if req.Temperature > 0 {
		t := req.Temperature
		body.Temperature = &t
	}
	return body, nil
}

type messagesResponse struct {
	ID         string      `json:"id"`
	Content    []textBlock `json:"content"`
	StopReason string      `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (r messagesResponse) completion() *models.Completion {
	var parts []string
	for _, block := range r.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	return &models.Completion{
		ID:           r.ID,
		Content:      strings.Join(parts, ""),
		FinishReason: r.StopReason,
		Usage: models.Usage{
			PromptTokens:     r.Usage.InputTokens,
			CompletionTokens: r.Usage.OutputTokens,
			TotalTokens:      r.Usage.InputTokens + r.Usage.OutputTokens,
		},
	}
}

// statusError keeps the upstream message for logs only; clients never see it.
func (p *Provider) statusError(resp *http.Response) error {
	statusErr := &provider.StatusError{Provider: p.name, StatusCode: resp.StatusCode}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))
	if err != nil {
		return statusErr
	}

	var envelope struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Message != "" {
		statusErr.Message = envelope.Error.Type + ": " + envelope.Error.Message
	} else {
		statusErr.Message = strings.TrimSpace(string(raw))
	}
	return statusErr
}
