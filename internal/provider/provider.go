package provider

import (
	"context"
	"errors"
	"fmt"

	"madera-chat/internal/models"
)

// ErrUnsupportedOperation indicates the provider cannot fulfill the requested action.
var ErrUnsupportedOperation = errors.New("unsupported provider operation")

// Provider defines the behaviour required to serve chat completions.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req models.CompletionRequest) (*models.Completion, error)
}

// StatusError reports that the provider answered with a failure HTTP status.
type StatusError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s error status %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s error status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// IsStatusError reports whether err carries a provider failure status.
func IsStatusError(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr)
}
