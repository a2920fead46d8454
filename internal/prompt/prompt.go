// Package prompt renders the fixed business instructions prepended to every
// provider request.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Tariffs per linear meter, in somoni.
const (
	StandardTariff   = 4000
	PremiumTariff    = 5000
	MinimumOrderSize = 3
)

const basePrompt = `Ты ассистент мебельной студии Madera Design в Душанбе.

Говоришь кратко, профессионально и дружелюбно:
- Тарифы: ориентировочно %d сом/п.м. (ЛДСП фасады, Стандарт) и %d сом/п.м. (МДФ фасады, Премиум).
- Минимальный заказ: %d погонных метра.
- Точных цен не даёшь без замера, используешь формулировки "примерно", "ориентировочно".
- Предлагаешь следующий шаг: заявка на расчёт и замер.

Тон в зависимости от сегмента лида:
- hot: больше конкретики и призыв к действию (зафиксировать замер, обсудить детали).
- warm: больше аргументов и примеров, помогаешь сравнить варианты.
- cold: мягко вдохновляешь, даёшь идеи и общие ориентиры, без давления.

Сегмент лида: %s.
Контекст: %s.`

const structuredContract = `

Отвечай строго одним JSON-объектом без пояснений и без markdown:
{
  "answer": "ответ клиенту",
  "segment": "эконом" | "средний" | "премиум" | "неизвестно",
  "intent": "краткое намерение клиента",
  "budget_range": {"min": число, "max": число} или null,
  "readiness": "низкая" | "средняя" | "высокая",
  "hot_lead": true | false,
  "next_step": "следующий шаг",
  "manager_note": "заметка для менеджера",
  "products": ["..."],
  "upsell": ["..."]
}
hot_lead = true только если клиент готов к замеру или заказу.`

// Options controls rendering.
type Options struct {
	Segment    string
	Context    map[string]any
	Structured bool
}

// Build returns the system prompt for one request.
func Build(opts Options) string {
	segment := strings.TrimSpace(opts.Segment)
	if segment == "" {
		segment = "unknown"
	}

	contextJSON := "{}"
	if len(opts.Context) > 0 {
		if data, err := json.Marshal(opts.Context); err == nil {
			contextJSON = string(data)
		}
	}

	text := fmt.Sprintf(basePrompt, StandardTariff, PremiumTariff, MinimumOrderSize, segment, contextJSON)
	if opts.Structured {
		text += structuredContract
	}
	return strings.TrimSpace(text)
}
