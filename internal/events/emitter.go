package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"socialflow/internal/domain"
)

// Emitter publishes a snapshot of v as an event with the given action.
type Emitter interface {
	Emit(ctx context.Context, action string, v any) error
}

type Publisher struct {
	transport Transport
	topic     string
	now       func() time.Time
}

func NewPublisher(transport Transport, topic string) *Publisher {
	return &Publisher{transport: transport, topic: topic, now: time.Now}
}

func (p *Publisher) Emit(ctx context.Context, action string, v any) error {
	ev, err := domain.NewEvent(action, v, p.now())
	if err != nil {
		return fmt.Errorf("encode %s snapshot: %w", action, err)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := p.transport.Publish(ctx, p.topic, payload); err != nil {
		return fmt.Errorf("publish %s: %w", action, err)
	}
	return nil
}
