package widget

import (
	"fmt"
	"io"
	"sync"
)

// TerminalSurface renders the widget as lines of text, for the chat command.
type TerminalSurface struct {
	mu       sync.Mutex
	out      io.Writer
	elements map[string]any
}

// NewTerminalSurface binds every default hook to a text element writing to out.
func NewTerminalSurface(out io.Writer) *TerminalSurface {
	t := &TerminalSurface{out: out}
	t.elements = map[string]any{
		"[data-madera-chat]":          &termPanel{t: t},
		"[data-madera-chat-form]":     &termForm{},
		"[data-madera-chat-input]":    &termInput{},
		"[data-madera-chat-messages]": &termMessages{t: t},
		"[data-madera-chat-status]":   &termStatus{t: t},
	}
	return t
}

func (t *TerminalSurface) Query(selector string) any {
	return t.elements[selector]
}

func (t *TerminalSurface) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}

type termPanel struct{ t *TerminalSurface }

func (p *termPanel) SetOpen(open bool) {
	if open {
		p.t.printf("── Madera Design: чат открыт ──\n")
		return
	}
	p.t.printf("── чат закрыт ──\n")
}

type termForm struct{}

func (termForm) SetBusy(bool) {}

type termInput struct {
	mu       sync.Mutex
	value    string
	disabled bool
}

func (i *termInput) Value() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.value
}

func (i *termInput) SetValue(v string) {
	i.mu.Lock()
	i.value = v
	i.mu.Unlock()
}

func (i *termInput) SetDisabled(disabled bool) {
	i.mu.Lock()
	i.disabled = disabled
	i.mu.Unlock()
}

func (i *termInput) Focus() {}

type termMessages struct{ t *TerminalSurface }

func (m *termMessages) Append(role, text string) Bubble {
	b := &termBubble{t: m.t, label: speaker(role)}
	b.SetText(text)
	return b
}

type termBubble struct {
	t     *TerminalSurface
	label string
}

// SetText prints a new line; a terminal cannot rewrite earlier output portably.
func (b *termBubble) SetText(text string) {
	b.t.printf("%s: %s\n", b.label, text)
}

type termStatus struct{ t *TerminalSurface }

func (s *termStatus) SetText(text string) {
	if text == "" || text == PlaceholderText {
		return
	}
	s.t.printf("[%s]\n", text)
}

func speaker(role string) string {
	if role == "user" {
		return "Вы"
	}
	return "Madera"
}
