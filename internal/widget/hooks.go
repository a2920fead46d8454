package widget

// Hook names a piece of host markup the widget binds to.
type Hook string

const (
	HookOpen     Hook = "open"
	HookPanel    Hook = "panel"
	HookClose    Hook = "close"
	HookForm     Hook = "form"
	HookInput    Hook = "input"
	HookMessages Hook = "messages"
	HookStatus   Hook = "status"
)

// Selector lists the candidate selectors for one hook, tried in order.
type Selector struct {
	Hook       Hook
	Candidates []string
	Required   bool
}

// DefaultSelectors matches the markup shipped with the site templates.
var DefaultSelectors = []Selector{
	{Hook: HookOpen, Candidates: []string{"[data-madera-chat-open]"}},
	{Hook: HookPanel, Candidates: []string{"[data-madera-chat]", "#madera-chat"}, Required: true},
	{Hook: HookClose, Candidates: []string{"[data-madera-chat-close]"}},
	{Hook: HookForm, Candidates: []string{"[data-madera-chat-form]"}, Required: true},
	{Hook: HookInput, Candidates: []string{"[data-madera-chat-input]"}, Required: true},
	{Hook: HookMessages, Candidates: []string{"[data-madera-chat-messages]"}, Required: true},
	{Hook: HookStatus, Candidates: []string{"[data-madera-chat-status]"}},
}

// Surface resolves selectors against the host page. Query returns nil when nothing
// matches.
type Surface interface {
	Query(selector string) any
}

// Panel is the chat container that can be shown or hidden.
type Panel interface {
	SetOpen(open bool)
}

// Control is an optional open or close button.
type Control interface {
	SetVisible(visible bool)
}

// Form is the submit form; busy disables its submit control.
type Form interface {
	SetBusy(busy bool)
}

// Input is the message text field.
type Input interface {
	Value() string
	SetValue(v string)
	SetDisabled(disabled bool)
	Focus()
}

// MessageList renders conversation bubbles.
type MessageList interface {
	Append(role, text string) Bubble
}

// Bubble is one rendered message whose text can be replaced.
type Bubble interface {
	SetText(text string)
}

// StatusLine shows transient status text.
type StatusLine interface {
	SetText(text string)
}

// capable reports whether el offers the capability hook needs.
func capable(h Hook, el any) bool {
	switch h {
	case HookPanel:
		_, ok := el.(Panel)
		return ok
	case HookOpen, HookClose:
		_, ok := el.(Control)
		return ok
	case HookForm:
		_, ok := el.(Form)
		return ok
	case HookInput:
		_, ok := el.(Input)
		return ok
	case HookMessages:
		_, ok := el.(MessageList)
		return ok
	case HookStatus:
		_, ok := el.(StatusLine)
		return ok
	}
	return false
}

// resolve looks every selector up once. missing lists required hooks that matched
// nothing usable.
func resolve(s Surface, selectors []Selector) (found map[Hook]any, missing []Hook) {
	found = make(map[Hook]any, len(selectors))
	for _, sel := range selectors {
		for _, candidate := range sel.Candidates {
			el := s.Query(candidate)
			if el != nil && capable(sel.Hook, el) {
				found[sel.Hook] = el
				break
			}
		}
		if _, ok := found[sel.Hook]; !ok && sel.Required {
			missing = append(missing, sel.Hook)
		}
	}
	return found, missing
}

