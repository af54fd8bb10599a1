package eventbus

import (
	"context"

	"github.com/annel0/classic-server/internal/logging"
)

// Publisher публикует события сервера от имени одного источника.
// Нулевой *Publisher ничего не делает.
type Publisher struct {
	bus    EventBus
	source string
}

// NewPublisher создаёт издателя для шины bus
func NewPublisher(bus EventBus, source string) *Publisher {
	if bus == nil {
		return nil
	}
	return &Publisher{bus: bus, source: source}
}

// Emit публикует событие; ошибки только пишутся в лог
func (p *Publisher) Emit(ctx context.Context, eventType, world string, payload interface{}) {
	if p == nil {
		return
	}
	ev, err := NewEnvelope(p.source, eventType, world, payload)
	if err != nil {
		logging.Warn("Не удалось упаковать событие %s: %v", eventType, err)
		return
	}
	if err := p.bus.Publish(ctx, ev); err != nil {
		logging.Warn("Не удалось опубликовать событие %s: %v", eventType, err)
	}
}
