package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"socialflow/internal/domain"
	"socialflow/internal/metrics"
)

type Broadcaster interface {
	Broadcast(ev domain.Event)
}

// Bridge is the single subscriber that relays every event on its topic to
// the hub. It resubscribes with back-off whenever the transport drops;
// events published during the gap are not replayed.
type Bridge struct {
	transport  Transport
	topic      string
	hub        Broadcaster
	minBackoff time.Duration
	maxBackoff time.Duration
}

func NewBridge(transport Transport, topic string, hub Broadcaster) *Bridge {
	return &Bridge{
		transport:  transport,
		topic:      topic,
		hub:        hub,
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
}

// Run blocks until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) {
	logger := log.With().Str("topic", b.topic).Logger()
	backoff := b.minBackoff
	for {
		sub, err := b.transport.Subscribe(ctx, b.topic)
		if err == nil {
			logger.Info().Msg("bridge subscribed")
			backoff = b.minBackoff
			err = b.forward(ctx, sub)
			_ = sub.Close()
		}
		if ctx.Err() != nil {
			logger.Info().Msg("bridge stopped")
			return
		}
		logger.Warn().Err(err).Dur("retry_in", backoff).Msg("bridge disconnected")
		metrics.RecordBridgeReconnect()

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > b.maxBackoff {
			backoff = b.maxBackoff
		}
	}
}

func (b *Bridge) forward(ctx context.Context, sub Subscription) error {
	for {
		msg, err := sub.Receive(ctx)
		if err != nil {
			return err
		}
		var ev domain.Event
		if err := json.Unmarshal(msg.Payload, &ev); err != nil || ev.Action == "" {
			log.Warn().Err(err).Str("topic", msg.Topic).Msg("dropping malformed event")
			continue
		}
		b.hub.Broadcast(ev)
		metrics.RecordEventForwarded()
	}
}
