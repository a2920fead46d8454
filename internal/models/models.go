package models

import (
	"encoding/json"
	"strings"
)

// Conversation roles accepted from clients and sent upstream.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultLeadSegment is used when the client does not label the lead.
const DefaultLeadSegment = "unknown"

// Message represents a single conversational message in the provider-neutral schema.
type Message struct {
	Role    string
	Content string
}

// HistoryMessage is a prior turn supplied by the widget.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the payload accepted by POST /api/chat.
type ChatRequest struct {
	Message     string
	History     []HistoryMessage
	LeadSegment string
	Context     map[string]any
}

// UnmarshalJSON keeps only well-typed values: a non-string message is treated as
// missing and malformed history entries are dropped.
func (r *ChatRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Message     json.RawMessage   `json:"message"`
		History     []json.RawMessage `json:"history"`
		LeadSegment json.RawMessage   `json:"leadSegment"`
		Context     json.RawMessage   `json:"context"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*r = ChatRequest{
		Message:     rawString(raw.Message),
		LeadSegment: strings.TrimSpace(rawString(raw.LeadSegment)),
	}

	for _, entry := range raw.History {
		var item struct {
			Role    json.RawMessage `json:"role"`
			Content json.RawMessage `json:"content"`
		}
		if err := json.Unmarshal(entry, &item); err != nil {
			continue
		}
		role := rawString(item.Role)
		content := rawString(item.Content)
		if !IsHistoryRole(role) || strings.TrimSpace(content) == "" {
			continue
		}
		r.History = append(r.History, HistoryMessage{Role: role, Content: content})
	}

	if len(raw.Context) > 0 {
		var ctx map[string]any
		if err := json.Unmarshal(raw.Context, &ctx); err == nil {
			r.Context = ctx
		}
	}

	return nil
}

// MarshalJSON mirrors the wire names used by the widget.
func (r ChatRequest) MarshalJSON() ([]byte, error) {
	type wire struct {
		Message     string           `json:"message"`
		History     []HistoryMessage `json:"history,omitempty"`
		LeadSegment string           `json:"leadSegment,omitempty"`
		Context     map[string]any   `json:"context,omitempty"`
	}
	return json.Marshal(wire{
		Message:     r.Message,
		History:     r.History,
		LeadSegment: r.LeadSegment,
		Context:     r.Context,
	})
}

// Segment returns the lead segment label, falling back to DefaultLeadSegment.
func (r ChatRequest) Segment() string {
	if r.LeadSegment != "" {
		return r.LeadSegment
	}
	if v, ok := r.Context["segment"].(string); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return DefaultLeadSegment
}

// IsHistoryRole reports whether role may appear in client-supplied history.
func IsHistoryRole(role string) bool {
	return role == RoleUser || role == RoleAssistant
}

// TailHistory returns at most the last limit entries of history.
func TailHistory(history []HistoryMessage, limit int) []HistoryMessage {
	if limit <= 0 {
		return nil
	}
	if len(history) <= limit {
		return history
	}
	return history[len(history)-limit:]
}

func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// Lead segments recognised in structured replies.
const (
	SegmentEconomy = "эконом"
	SegmentMiddle  = "средний"
	SegmentPremium = "премиум"
	SegmentUnknown = "неизвестно"
)

// Readiness levels recognised in structured replies.
const (
	ReadinessLow    = "низкая"
	ReadinessMedium = "средняя"
	ReadinessHigh   = "высокая"
)

// BudgetRange is the client's stated budget.
type BudgetRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// StructuredReply is the qualified answer the model is asked to return.
type StructuredReply struct {
	Answer      string       `json:"answer"`
	Segment     string       `json:"segment"`
	Intent      string       `json:"intent"`
	BudgetRange *BudgetRange `json:"budget_range"`
	Readiness   string       `json:"readiness"`
	HotLead     bool         `json:"hot_lead"`
	NextStep    string       `json:"next_step"`
	ManagerNote string       `json:"manager_note"`
	Products    []string     `json:"products"`
	Upsell      []string     `json:"upsell"`
}

// ChatResponse is returned to the widget. Structured fields are omitted in plain mode.
type ChatResponse struct {
	Reply       string       `json:"reply"`
	Segment     *string      `json:"segment,omitempty"`
	Intent      *string      `json:"intent,omitempty"`
	BudgetRange *BudgetRange `json:"budget_range"`
	Readiness   *string      `json:"readiness,omitempty"`
	HotLead     *bool        `json:"hot_lead,omitempty"`
	NextStep    *string      `json:"next_step,omitempty"`
	ManagerNote *string      `json:"manager_note,omitempty"`
	Products    []string     `json:"products,omitempty"`
	Upsell      []string     `json:"upsell,omitempty"`

	structured bool
}

// NewStructuredResponse builds the extended contract from a normalized reply.
func NewStructuredResponse(reply StructuredReply) ChatResponse {
	products := reply.Products
	if products == nil {
		products = []string{}
	}
	upsell := reply.Upsell
	if upsell == nil {
		upsell = []string{}
	}
	return ChatResponse{
		Reply:       reply.Answer,
		Segment:     &reply.Segment,
		Intent:      &reply.Intent,
		BudgetRange: reply.BudgetRange,
		Readiness:   &reply.Readiness,
		HotLead:     &reply.HotLead,
		NextStep:    &reply.NextStep,
		ManagerNote: &reply.ManagerNote,
		Products:    products,
		Upsell:      upsell,
		structured:  true,
	}
}

// MarshalJSON always emits budget_range (as null when unknown) and the list fields in
// structured mode, and only reply in plain mode.
func (r ChatResponse) MarshalJSON() ([]byte, error) {
	if !r.structured {
		return json.Marshal(struct {
			Reply string `json:"reply"`
		}{Reply: r.Reply})
	}
	type plain ChatResponse
	type wire struct {
		plain
		Products []string `json:"products"`
		Upsell   []string `json:"upsell"`
	}
	return json.Marshal(wire{plain: plain(r), Products: r.Products, Upsell: r.Upsell})
}

// UnmarshalJSON decodes either contract.
func (r *ChatResponse) UnmarshalJSON(data []byte) error {
	type plain ChatResponse
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = ChatResponse(p)
	r.structured = r.Segment != nil || r.HotLead != nil
	return nil
}

// IsHotLead reports whether the reply flagged the lead as hot.
func (r ChatResponse) IsHotLead() bool {
	return r.HotLead != nil && *r.HotLead
}

// CompletionRequest is the canonical request sent to a provider.
type CompletionRequest struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	JSONMode    bool
}

// Completion captures the provider response in the neutral schema.
type Completion struct {
	ID           string
	Content      string
	FinishReason string
	Usage        Usage
}

// Usage records token accounting information.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}
