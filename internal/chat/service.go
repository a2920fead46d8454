// Package chat runs one widget message through prompt, provider, normalizer and
// lead notification.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"madera-chat/internal/gateway"
	"madera-chat/internal/metrics"
	"madera-chat/internal/models"
	"madera-chat/internal/notify"
	"madera-chat/internal/prompt"
	"madera-chat/internal/provider"
	"madera-chat/internal/reply"
)

var (
	// ErrEmptyMessage is returned when the message is missing or blank.
	ErrEmptyMessage = errors.New("message is required")
	// ErrNotConfigured is returned when no provider credential is configured.
	ErrNotConfigured = errors.New("llm provider credential is not configured")
)

// Completer is the gateway operation the service depends on.
type Completer interface {
	Complete(ctx context.Context, systemPrompt string, req models.ChatRequest) (*models.Completion, error)
}

var _ Completer = (*gateway.Client)(nil)

// Options wires the service. A nil Gateway leaves the service unconfigured.
type Options struct {
	Gateway    Completer
	Notifier   *notify.Notifier
	Metrics    *metrics.Metrics
	Structured bool
}

type Service struct {
	gateway    Completer
	notifier   *notify.Notifier
	metrics    *metrics.Metrics
	structured bool
}

func NewService(opts Options) *Service {
	return &Service{
		gateway:    opts.Gateway,
		notifier:   opts.Notifier,
		metrics:    opts.Metrics,
		structured: opts.Structured,
	}
}

// Configured reports whether a provider is available.
func (s *Service) Configured() bool {
	return s.gateway != nil
}

// Reply answers one message. Hot leads are handed to the notifier without waiting
// for delivery.
func (s *Service) Reply(ctx context.Context, req models.ChatRequest) (models.ChatResponse, error) {
	if !s.Configured() {
		slog.Error("chat request rejected: provider credential missing", "kind", "config")
		s.metrics.ChatRequest(metrics.OutcomeNotConfigured)
		return models.ChatResponse{}, ErrNotConfigured
	}

	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		s.metrics.ChatRequest(metrics.OutcomeInvalid)
		return models.ChatResponse{}, ErrEmptyMessage
	}

	requestID := RequestID(ctx)
	system := prompt.Build(prompt.Options{
		Segment:    req.Segment(),
		Context:    req.Context,
		Structured: s.structured,
	})

	completion, err := s.gateway.Complete(ctx, system, req)
	if err != nil {
		if provider.IsStatusError(err) {
			s.metrics.ChatRequest(metrics.OutcomeProviderStatus)
		} else {
			s.metrics.ChatRequest(metrics.OutcomeProviderFailure)
		}
		slog.Error("provider call failed", "kind", "provider", "request_id", requestID, "err", err)
		return models.ChatResponse{}, err
	}

	if !s.structured {
		s.metrics.ChatRequest(metrics.OutcomeOK)
		return reply.Plain(completion.Content), nil
	}

	result := reply.Normalize(completion.Content)
	if result.Fallback {
		s.metrics.ReplyFallback()
		slog.Warn("provider reply is not structured JSON, using plain text",
			"kind", "normalizer",
			"request_id", requestID,
			"finish_reason", completion.FinishReason,
		)
	}

	if result.Reply.HotLead {
		lead := notify.NewLead(requestID, req, result.Reply)
		slog.Info("hot lead detected", "request_id", requestID, "lead_id", lead.ID, "segment", result.Reply.Segment)
		s.notifier.Notify(lead)
	}

	s.metrics.ChatRequest(metrics.OutcomeOK)
	return result.Response(), nil
}

type requestIDKey struct{}

// WithRequestID attaches a request identifier used in logs and lead records.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the identifier stored by WithRequestID, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
