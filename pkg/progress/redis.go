package progress

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/flowforge/syncflow/pkg/eventbus"
)

// RedisPublisher sends snapshots to other processes over the event bus.
type RedisPublisher struct {
	bus *eventbus.Bus
}

func NewRedisPublisher(bus *eventbus.Bus) *RedisPublisher {
	return &RedisPublisher{bus: bus}
}

func (p *RedisPublisher) Publish(ctx context.Context, snap Snapshot) error {
	event, err := eventbus.NewEvent(eventbus.EventExecutionProgress, snap)
	if err != nil {
		return err
	}
	return p.bus.Publish(ctx, eventbus.ChannelExecutionProgress, event)
}

// Bridge feeds snapshots received from the event bus into a local hub.
type Bridge struct {
	bus    *eventbus.Bus
	hub    *Hub
	logger *zap.Logger
}

func NewBridge(bus *eventbus.Bus, hub *Hub, logger *zap.Logger) *Bridge {
	return &Bridge{bus: bus, hub: hub, logger: logger}
}

func (b *Bridge) Run(ctx context.Context) error {
	b.logger.Info("progress bridge starting", zap.String("channel", eventbus.ChannelExecutionProgress))
	events := b.bus.Subscribe(ctx, eventbus.ChannelExecutionProgress)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return ctx.Err()
			}
			b.handle(ctx, event)
		}
	}
}

func (b *Bridge) handle(ctx context.Context, event *eventbus.Event) {
	if event.Type != eventbus.EventExecutionProgress {
		return
	}
	var snap Snapshot
	if err := json.Unmarshal(event.Data, &snap); err != nil {
		b.logger.Warn("invalid progress snapshot", zap.Error(err))
		return
	}
	_ = b.hub.Publish(ctx, snap)
}
