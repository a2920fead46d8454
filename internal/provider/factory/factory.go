package factory

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"madera-chat/internal/config"
	"madera-chat/internal/provider"
	claudeProvider "madera-chat/internal/provider/claude"
	openaiProvider "madera-chat/internal/provider/openai"
)

const (
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// New constructs the provider selected by cfg.Kind.
func New(cfg config.ProviderConfig) (provider.Provider, error) {
	client := newHTTPClient(cfg.Timeout)

	switch cfg.Kind {
	case config.ProviderOpenAI:
		p, err := openaiProvider.New(config.ProviderOpenAI, cfg, client)
		if err != nil {
			return nil, fmt.Errorf("initialise openai provider: %w", err)
		}
		return p, nil
	case config.ProviderClaude:
		p, err := claudeProvider.New(config.ProviderClaude, cfg, client)
		if err != nil {
			return nil, fmt.Errorf("initialise claude provider: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q: %w", cfg.Kind, provider.ErrUnsupportedOperation)
	}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
