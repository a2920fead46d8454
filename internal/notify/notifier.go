// Package notify delivers hot-lead summaries to external sinks.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"madera-chat/internal/metrics"
	"madera-chat/internal/models"
)

const defaultTimeout = 10 * time.Second

var errPanic = errors.New("sink panicked")

// Lead is the summary handed to every sink.
type Lead struct {
	ID        string                 `json:"id"`
	CreatedAt time.Time              `json:"created_at"`
	RequestID string                 `json:"request_id,omitempty"`
	Message   string                 `json:"message"`
	Segment   string                 `json:"lead_segment"`
	Context   map[string]any         `json:"context,omitempty"`
	Reply     models.StructuredReply `json:"reply"`
}

// NewLead stamps a lead with a fresh identifier.
func NewLead(requestID string, req models.ChatRequest, reply models.StructuredReply) Lead {
	return Lead{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		RequestID: requestID,
		Message:   req.Message,
		Segment:   req.Segment(),
		Context:   req.Context,
		Reply:     reply,
	}
}

// Sink is one delivery channel.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, lead Lead) error
}

// Notifier fans a lead out to every sink in the background.
type Notifier struct {
	sinks   []Sink
	timeout time.Duration
	metrics *metrics.Metrics

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New builds a notifier. A nil or empty sinks list makes Notify a no-op.
func New(sinks []Sink, timeout time.Duration, m *metrics.Metrics) *Notifier {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Notifier{sinks: sinks, timeout: timeout, metrics: m}
}

// Enabled reports whether at least one sink is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.sinks) > 0
}

// Notify starts one delivery per sink and returns immediately. Deliveries use a
// context detached from the caller, bounded by the notifier timeout. Leads arriving
// after Shutdown are dropped with a warning.
func (n *Notifier) Notify(lead Lead) {
	if !n.Enabled() {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		slog.Warn("lead dropped: notifier shutting down", "lead_id", lead.ID, "request_id", lead.RequestID)
		return
	}
	for _, sink := range n.sinks {
		n.wg.Add(1)
		go n.deliver(sink, lead)
	}
}

func (n *Notifier) deliver(sink Sink, lead Lead) {
	defer n.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("lead sink panicked", "sink", sink.Name(), "lead_id", lead.ID, "panic", r)
			n.metrics.Notification(sink.Name(), errPanic)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	err := sink.Deliver(ctx, lead)
	n.metrics.Notification(sink.Name(), err)
	if err != nil {
		slog.Warn("lead notification failed", "sink", sink.Name(), "lead_id", lead.ID, "request_id", lead.RequestID, "err", err)
		return
	}
	slog.Info("lead notification delivered", "sink", sink.Name(), "lead_id", lead.ID)
}

// Shutdown stops accepting leads and waits for in-flight deliveries like Wait.
func (n *Notifier) Shutdown(ctx context.Context) error {
	if n == nil {
		return nil
	}
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	return n.Wait(ctx)
}

// Wait blocks until in-flight deliveries finish or ctx is done. Notify must not
// run concurrently with it; use Shutdown when callers may still be active.
func (n *Notifier) Wait(ctx context.Context) error {
	if n == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
