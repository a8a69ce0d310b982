package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"panelrelay/internal/core/domain"
	"panelrelay/pkg/tracing"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type EventType string

const (
	EventStreamCreated    EventType = "stream.created"
	EventStreamUpdated    EventType = "stream.updated"
	EventStreamTerminated EventType = "stream.terminated"
)

// Event is a stream lifecycle notification shared between relay instances and
// dashboards.
type Event struct {
	Type       EventType                `json:"type"`
	InstanceID string                   `json:"instanceId"`
	Timestamp  time.Time                `json:"timestamp"`
	StreamID   domain.StreamID          `json:"streamId"`
	Reason     domain.TerminationReason `json:"reason,omitempty"`
	Stream     *domain.StreamInfo       `json:"stream,omitempty"`
}

type EventBus interface {
	Publish(ctx context.Context, event *Event) error
	// Subscribe blocks, calling handler for every event published by other
	// instances, until ctx ends.
	Subscribe(ctx context.Context, handler func(*Event) error) error
	Close() error
}

var errAlreadySubscribed = errors.New("already subscribed")

// RedisEventBus fans events out over a Redis pub/sub channel.
type RedisEventBus struct {
	client     redis.UniversalClient
	channel    string
	instanceID string
	now        func() time.Time
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
}

func NewRedisEventBus(client redis.UniversalClient, channel, instanceID string, logger *zap.SugaredLogger) *RedisEventBus {
	return &RedisEventBus{
		client:     client,
		channel:    channel,
		instanceID: instanceID,
		now:        time.Now,
		logger:     logger,
	}
}

func (eb *RedisEventBus) Publish(ctx context.Context, event *Event) error {
	ctx, span := tracing.TraceStore(ctx, "event.publish", string(event.StreamID))
	defer span.End()

	event.InstanceID = eb.instanceID
	event.Timestamp = eb.now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event", "type", event.Type, "stream_id", event.StreamID)
	return nil
}

func (eb *RedisEventBus) Subscribe(ctx context.Context, handler func(*Event) error) error {
	eb.mu.Lock()
	if eb.pubsub != nil {
		eb.mu.Unlock()
		return errAlreadySubscribed
	}
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	eb.pubsub = pubsub
	eb.mu.Unlock()

	defer func() {
		eb.mu.Lock()
		eb.pubsub = nil
		eb.mu.Unlock()
		_ = pubsub.Close()
	}()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				eb.logger.Warnw("failed to unmarshal event", "error", err)
				continue
			}
			if event.InstanceID == eb.instanceID {
				continue
			}
			if err := handler(&event); err != nil {
				eb.logger.Warnw("error handling event", "type", event.Type, "error", err)
			}
		}
	}
}

func (eb *RedisEventBus) Close() error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}

// MemoryEventBus delivers events to in-process subscribers. It is used when
// Redis is disabled.
type MemoryEventBus struct {
	instanceID string
	now        func() time.Time

	mu     sync.Mutex
	subs   map[int]chan *Event
	nextID int
	closed bool
}

func NewMemoryEventBus(instanceID string) *MemoryEventBus {
	return &MemoryEventBus{
		instanceID: instanceID,
		now:        time.Now,
		subs:       make(map[int]chan *Event),
	}
}

// Publish delivers to every subscriber, including this instance's own. Slow
// subscribers miss events rather than block the publisher.
func (eb *MemoryEventBus) Publish(ctx context.Context, event *Event) error {
	event.InstanceID = eb.instanceID
	event.Timestamp = eb.now()

	eb.mu.Lock()
	defer eb.mu.Unlock()
	for _, ch := range eb.subs {
		cp := *event
		select {
		case ch <- &cp:
		default:
		}
	}
	return nil
}

func (eb *MemoryEventBus) Subscribe(ctx context.Context, handler func(*Event) error) error {
	eb.mu.Lock()
	if eb.closed {
		eb.mu.Unlock()
		return errors.New("event bus closed")
	}
	id := eb.nextID
	eb.nextID++
	ch := make(chan *Event, 64)
	eb.subs[id] = ch
	eb.mu.Unlock()

	defer func() {
		eb.mu.Lock()
		delete(eb.subs, id)
		eb.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-ch:
			_ = handler(ev)
		}
	}
}

func (eb *MemoryEventBus) Close() error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.closed = true
	return nil
}
