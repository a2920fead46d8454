// Package reply turns raw model output into the response sent to the widget.
package reply

import (
	"encoding/json"
	"strings"

	"madera-chat/internal/models"
)

// ApologyText is returned when the provider produced no content at all.
const ApologyText = "Извините, сейчас не могу ответить. Попробуйте ещё раз чуть позже."

var allowedSegments = map[string]struct{}{
	models.SegmentEconomy: {},
	models.SegmentMiddle:  {},
	models.SegmentPremium: {},
	models.SegmentUnknown: {},
}

var allowedReadiness = map[string]struct{}{
	models.ReadinessLow:    {},
	models.ReadinessMedium: {},
	models.ReadinessHigh:   {},
}

// Result is the outcome of normalizing one provider reply.
type Result struct {
	Reply    models.StructuredReply
	Fallback bool
}

// Response renders the extended contract.
func (r Result) Response() models.ChatResponse {
	return models.NewStructuredResponse(r.Reply)
}

// Normalize parses content as a StructuredReply. On failure the cleaned text becomes
// the answer, every structured field keeps its default, and Fallback is set.
func Normalize(content string) Result {
	text := StripFence(content)
	if text == "" {
		return Result{Reply: defaults(ApologyText)}
	}

	parsed, ok := parseStructured(text)
	if !ok {
		return Result{Reply: defaults(text), Fallback: true}
	}
	return Result{Reply: parsed}
}

// Plain renders the reply-only contract.
func Plain(content string) models.ChatResponse {
	text := strings.TrimSpace(content)
	if text == "" {
		text = ApologyText
	}
	return models.ChatResponse{Reply: text}
}

// StripFence removes a surrounding ``` or ```json fence and trims whitespace.
func StripFence(content string) string {
	text := strings.TrimSpace(content)
	if !strings.HasPrefix(text, "```") {
		return text
	}

	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		lang := strings.TrimSpace(text[:nl])
		if lang == "" || isFenceLanguage(lang) {
			text = text[nl+1:]
		}
	} else {
		text = strings.TrimPrefix(text, "json")
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

func isFenceLanguage(s string) bool {
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return false
		}
	}
	return true
}

func defaults(answer string) models.StructuredReply {
	return models.StructuredReply{
		Answer:   answer,
		Segment:  models.SegmentUnknown,
		Products: []string{},
		Upsell:   []string{},
	}
}

// rawReply accepts any JSON value per field so one malformed field does not
// reject the whole object.
type rawReply struct {
	Answer      json.RawMessage `json:"answer"`
	Segment     json.RawMessage `json:"segment"`
	Intent      json.RawMessage `json:"intent"`
	BudgetRange json.RawMessage `json:"budget_range"`
	Readiness   json.RawMessage `json:"readiness"`
	HotLead     json.RawMessage `json:"hot_lead"`
	NextStep    json.RawMessage `json:"next_step"`
	ManagerNote json.RawMessage `json:"manager_note"`
	Products    json.RawMessage `json:"products"`
	Upsell      json.RawMessage `json:"upsell"`
}

func parseStructured(text string) (models.StructuredReply, bool) {
	if !strings.HasPrefix(text, "{") {
		return models.StructuredReply{}, false
	}

	var raw rawReply
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return models.StructuredReply{}, false
	}

	answer := strings.TrimSpace(asString(raw.Answer))
	if answer == "" {
		answer = ApologyText
	}

	out := defaults(answer)
	if seg := strings.ToLower(strings.TrimSpace(asString(raw.Segment))); inSet(allowedSegments, seg) {
		out.Segment = seg
	}
	if readiness := strings.ToLower(strings.TrimSpace(asString(raw.Readiness))); inSet(allowedReadiness, readiness) {
		out.Readiness = readiness
	}
	out.Intent = strings.TrimSpace(asString(raw.Intent))
	out.NextStep = strings.TrimSpace(asString(raw.NextStep))
	out.ManagerNote = strings.TrimSpace(asString(raw.ManagerNote))
	out.BudgetRange = asBudget(raw.BudgetRange)
	out.HotLead = asBool(raw.HotLead)
	out.Products = asSet(raw.Products)
	out.Upsell = asSet(raw.Upsell)
	return out, true
}

func inSet(set map[string]struct{}, v string) bool {
	_, ok := set[v]
	return ok
}

func asString(raw json.RawMessage) string {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

// asBool accepts JSON booleans and the string "true".
func asBool(raw json.RawMessage) bool {
	var b bool
	if len(raw) > 0 && json.Unmarshal(raw, &b) == nil {
		return b
	}
	return strings.EqualFold(strings.TrimSpace(asString(raw)), "true")
}

func asBudget(raw json.RawMessage) *models.BudgetRange {
	var b struct {
		Min *float64 `json:"min"`
		Max *float64 `json:"max"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &b) != nil || b.Min == nil || b.Max == nil {
		return nil
	}
	return &models.BudgetRange{Min: *b.Min, Max: *b.Max}
}

// asSet decodes a string array, dropping blanks and duplicates in order.
func asSet(raw json.RawMessage) []string {
	out := []string{}
	var items []any
	if len(raw) == 0 || json.Unmarshal(raw, &items) != nil {
		return out
	}
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
