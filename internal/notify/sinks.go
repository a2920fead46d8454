package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "madera-chat/0.1"
)

// WebhookSink posts the lead as JSON to a generic URL.
type WebhookSink struct {
	url    string
	client *http.Client
}

func NewWebhookSink(url string, client *http.Client) *WebhookSink {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookSink{url: url, client: client}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Deliver(ctx context.Context, lead Lead) error {
	return postJSON(ctx, s.client, s.url, lead)
}

// TelegramSink sends a plain-text summary through the Bot API sendMessage method.
type TelegramSink struct {
	endpoint string
	token    string
	chatID   string
	client   *http.Client
}

func NewTelegramSink(baseURL, token, chatID string, client *http.Client) *TelegramSink {
	if client == nil {
		client = http.DefaultClient
	}
	return &TelegramSink{
		endpoint: fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(baseURL, "/"), token),
		token:    token,
		chatID:   chatID,
		client:   client,
	}
}

func (s *TelegramSink) Name() string { return "telegram" }

func (s *TelegramSink) Deliver(ctx context.Context, lead Lead) error {
	payload := map[string]any{
		"chat_id":                  s.chatID,
		"text":                     FormatSummary(lead),
		"disable_web_page_preview": true,
	}
	if err := postJSON(ctx, s.client, s.endpoint, payload); err != nil {
		// the bot token is part of the URL and must not reach the logs
		return fmt.Errorf("telegram sendMessage: %s", strings.ReplaceAll(err.Error(), s.token, "<token>"))
	}
	return nil
}

// FormatSummary renders a lead for human readers.
func FormatSummary(lead Lead) string {
	r := lead.Reply
	var b strings.Builder
	b.WriteString("🔥 Горячий лид Madera Design\n")
	fmt.Fprintf(&b, "Сообщение: %s\n", lead.Message)
	fmt.Fprintf(&b, "Сегмент: %s\n", r.Segment)
	if r.Intent != "" {
		fmt.Fprintf(&b, "Намерение: %s\n", r.Intent)
	}
	if r.BudgetRange != nil {
		fmt.Fprintf(&b, "Бюджет: %.0f–%.0f сом\n", r.BudgetRange.Min, r.BudgetRange.Max)
	}
	if r.Readiness != "" {
		fmt.Fprintf(&b, "Готовность: %s\n", r.Readiness)
	}
	if len(r.Products) > 0 {
		fmt.Fprintf(&b, "Продукты: %s\n", strings.Join(r.Products, ", "))
	}
	if len(r.Upsell) > 0 {
		fmt.Fprintf(&b, "Допродажа: %s\n", strings.Join(r.Upsell, ", "))
	}
	if r.NextStep != "" {
		fmt.Fprintf(&b, "Следующий шаг: %s\n", r.NextStep)
	}
	if r.ManagerNote != "" {
		fmt.Fprintf(&b, "Заметка: %s\n", r.ManagerNote)
	}
	fmt.Fprintf(&b, "ID: %s", lead.ID)
	return b.String()
}

// streamAdder is the subset of redis.Cmdable used by RedisSink.
type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisSink appends the lead to a Redis stream for downstream CRM consumers.
type RedisSink struct {
	rdb    streamAdder
	stream string
}

func NewRedisSink(rdb redis.Cmdable, stream string) *RedisSink {
	return &RedisSink{rdb: rdb, stream: stream}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Deliver(ctx context.Context, lead Lead) error {
	data, err := json.Marshal(lead)
	if err != nil {
		return fmt.Errorf("marshal lead: %w", err)
	}
	err = s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"lead_id": lead.ID,
			"segment": lead.Reply.Segment,
			"lead":    string(data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("construct request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
