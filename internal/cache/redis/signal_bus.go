package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/stratfleet/internal/domain"
	"github.com/alanyoungcy/stratfleet/internal/events"
)

// EventChannel carries every coordinator event to other processes.
const EventChannel = keyPrefix + "events"

// SignalBus implements domain.SignalBus on Redis Pub/Sub.
type SignalBus struct {
	rdb *redis.Client
}

// NewSignalBus creates a SignalBus backed by c.
func NewSignalBus(c *Client) *SignalBus {
	return &SignalBus{rdb: c.Underlying()}
}

// Publish sends payload to channel.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns a channel of payloads published to channel. Glob
// patterns use PSUBSCRIBE. The returned channel closes when ctx ends.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	var pubsub *redis.PubSub
	if strings.ContainsAny(channel, "*?[") {
		pubsub = sb.rdb.PSubscribe(ctx, channel)
	} else {
		pubsub = sb.rdb.Subscribe(ctx, channel)
	}
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

var _ domain.SignalBus = (*SignalBus)(nil)

// EventForwarder publishes local bus events to EventChannel.
type EventForwarder struct {
	bus    domain.SignalBus
	logger *slog.Logger
}

// NewEventForwarder creates a forwarder publishing on bus.
func NewEventForwarder(bus domain.SignalBus, logger *slog.Logger) *EventForwarder {
	return &EventForwarder{bus: bus, logger: logger.With(slog.String("component", "event_forwarder"))}
}

// Handle is an events.Handler.
func (f *EventForwarder) Handle(ctx context.Context, ev events.Event) {
	payload, err := sonic.Marshal(ev)
	if err != nil {
		f.logger.WarnContext(ctx, "encode event failed",
			slog.String("event", ev.Name),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := f.bus.Publish(ctx, EventChannel, payload); err != nil {
		f.logger.WarnContext(ctx, "publish event failed",
			slog.String("event", ev.Name),
			slog.String("error", err.Error()),
		)
	}
}
