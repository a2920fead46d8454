// Package widget implements the chat widget state machine independent of the
// host that renders it.
package widget

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"madera-chat/internal/models"
)

// Texts shown to the visitor.
const (
	PlaceholderText = "AI-ассистент думает…"
	EmptyReplyText  = "Спасибо за вопрос! Менеджер свяжется с вами для уточнения деталей."

	ServerFallbackText     = "Извините, сейчас не получается ответить. Попробуйте ещё раз или оставьте заявку через форму."
	ConnectionFallbackText = "Извините, сейчас не получается подключиться к серверу. Попробуйте ещё раз позже или оставьте заявку через форму."

	ServerErrorStatus     = "Ошибка сервера. Попробуйте ещё раз."
	ConnectionErrorStatus = "Ошибка соединения. Проверьте интернет."
)

// DefaultTimeout bounds one request to the chat endpoint.
const DefaultTimeout = 30 * time.Second

// Outcome describes what Submit rendered.
type Outcome int

const (
	// OutcomeIgnored means nothing was sent: empty text, closed or busy widget, or
	// an inert widget.
	OutcomeIgnored Outcome = iota
	OutcomeReplied
	OutcomeFallback
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReplied:
		return "replied"
	case OutcomeFallback:
		return "fallback"
	default:
		return "ignored"
	}
}

type Options struct {
	Selectors []Selector
	Timeout   time.Duration
	Session   *Session
}

// Widget owns open/closed state, the awaiting-reply flag and the session.
type Widget struct {
	sender  Sender
	timeout time.Duration
	session *Session
	inert   bool

	panel    Panel
	openBtn  Control
	closeBtn Control
	form     Form
	input    Input
	messages MessageList
	status   StatusLine

	mu      sync.Mutex
	open    bool
	pending bool
	cancel  context.CancelFunc
}

// New resolves the hooks once. When a required hook is missing the widget logs a
// warning and every method becomes a no-op.
func New(surface Surface, sender Sender, opts Options) *Widget {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Session == nil {
		opts.Session = NewSession(0)
	}
	if opts.Selectors == nil {
		opts.Selectors = DefaultSelectors
	}

	w := &Widget{sender: sender, timeout: opts.Timeout, session: opts.Session}

	if surface == nil || sender == nil {
		slog.Warn("madera chat disabled: no surface or sender")
		w.inert = true
		return w
	}

	found, missing := resolve(surface, opts.Selectors)
	if len(missing) > 0 {
		slog.Warn("madera chat disabled: required elements not found", "missing", missing)
		w.inert = true
		return w
	}

	w.panel, _ = found[HookPanel].(Panel)
	w.openBtn, _ = found[HookOpen].(Control)
	w.closeBtn, _ = found[HookClose].(Control)
	w.form, _ = found[HookForm].(Form)
	w.input, _ = found[HookInput].(Input)
	w.messages, _ = found[HookMessages].(MessageList)
	w.status, _ = found[HookStatus].(StatusLine)
	return w
}

// Inert reports whether the widget failed to bind to the host.
func (w *Widget) Inert() bool { return w.inert }

func (w *Widget) IsOpen() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.open
}

// Busy reports whether a reply is awaited.
func (w *Widget) Busy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending
}

func (w *Widget) Session() *Session { return w.session }

func (w *Widget) Open() {
	if w.inert {
		return
	}
	w.mu.Lock()
	w.open = true
	w.mu.Unlock()

	w.panel.SetOpen(true)
	if w.openBtn != nil {
		w.openBtn.SetVisible(false)
	}
	w.input.Focus()
}

// Close hides the panel and cancels an in-flight request. The cancelled request
// still resolves to a fallback bubble.
func (w *Widget) Close() {
	if w.inert {
		return
	}
	w.mu.Lock()
	w.open = false
	cancel := w.cancel
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	w.panel.SetOpen(false)
	if w.openBtn != nil {
		w.openBtn.SetVisible(true)
	}
}

// SubmitInput sends the current input value.
func (w *Widget) SubmitInput(ctx context.Context) Outcome {
	if w.inert {
		return OutcomeIgnored
	}
	return w.Submit(ctx, w.input.Value())
}

// Submit sends text and blocks until a reply or fallback bubble has replaced the
// placeholder.
func (w *Widget) Submit(ctx context.Context, text string) Outcome {
	text = strings.TrimSpace(text)
	if w.inert || text == "" {
		return OutcomeIgnored
	}

	w.mu.Lock()
	if !w.open || w.pending {
		w.mu.Unlock()
		return OutcomeIgnored
	}
	reqCtx, cancel := context.WithTimeout(ctx, w.timeout)
	w.pending = true
	w.cancel = cancel
	w.mu.Unlock()

	defer func() {
		cancel()
		w.mu.Lock()
		w.pending = false
		w.cancel = nil
		w.mu.Unlock()
	}()

	history := w.session.History()

	w.messages.Append(models.RoleUser, text)
	w.input.SetValue("")
	w.setBusy(true)
	w.setStatus(PlaceholderText)
	bubble := w.messages.Append(models.RoleAssistant, PlaceholderText)

	reply, err := w.send(reqCtx, history, text)

	outcome := OutcomeReplied
	switch {
	case err != nil:
		outcome = OutcomeFallback
		var serverErr *ServerError
		if errors.As(err, &serverErr) {
			slog.Warn("madera chat: server error", "status", serverErr.StatusCode, "err", err)
			w.setStatus(ServerErrorStatus)
			bubble.SetText(ServerFallbackText)
		} else {
			slog.Warn("madera chat: request failed", "err", err)
			w.setStatus(ConnectionErrorStatus)
			bubble.SetText(ConnectionFallbackText)
		}
	default:
		if reply == "" {
			reply = EmptyReplyText
		}
		bubble.SetText(reply)
		w.session.Record(text, reply)
		w.setStatus("")
	}

	w.setBusy(false)
	if w.IsOpen() {
		w.input.Focus()
	}
	return outcome
}

// send converts a panicking sender into an error so a bubble is always rendered.
func (w *Widget) send(ctx context.Context, history []models.HistoryMessage, text string) (reply string, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("madera chat: sender panicked", "panic", r)
			err = errors.New("sender panicked")
		}
	}()
	return w.sender.Send(ctx, history, text)
}

func (w *Widget) setBusy(busy bool) {
	w.input.SetDisabled(busy)
	w.form.SetBusy(busy)
}

func (w *Widget) setStatus(text string) {
	if w.status != nil {
		w.status.SetText(text)
	}
}
