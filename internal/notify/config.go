package notify

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/redis/go-redis/v9"

	"madera-chat/internal/config"
)

// SinksFromConfig builds every sink whose settings are present. The returned close
// function releases the Redis connection, if any.
func SinksFromConfig(cfg config.NotifyConfig, client *http.Client) ([]Sink, func() error, error) {
	var sinks []Sink
	closeFn := func() error { return nil }

	if url := strings.TrimSpace(cfg.WebhookURL); url != "" {
		sinks = append(sinks, NewWebhookSink(url, client))
	}

	if cfg.Telegram.Enabled() {
		sinks = append(sinks, NewTelegramSink(cfg.Telegram.BaseURL, cfg.Telegram.BotToken, cfg.Telegram.ChatID, client))
	}

	if url := strings.TrimSpace(cfg.Redis.URL); url != "" {
		opt, err := redis.ParseURL(url)
		if err != nil {
			return nil, closeFn, fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		sinks = append(sinks, NewRedisSink(rdb, cfg.Redis.Stream))
		closeFn = rdb.Close
	}

	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	if len(names) == 0 {
		slog.Info("lead notifications disabled: no sinks configured")
	} else {
		slog.Info("lead notifications enabled", "sinks", names)
	}

	return sinks, closeFn, nil
}
