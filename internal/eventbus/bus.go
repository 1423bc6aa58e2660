package eventbus

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/davidx345/openride-backend-sub002/pkg/kafka"
	"github.com/davidx345/openride-backend-sub002/pkg/telemetry"
)

// Publisher publishes domain events. Publish returns only after the event
// is durable, so callers may treat a nil error as delivered.
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
	Close()
}

// KafkaPublisher publishes events to Kafka, one topic per event type
type KafkaPublisher struct {
	producer *kafka.Producer
	source   string
}

var _ Publisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher wraps an existing producer
func NewKafkaPublisher(producer *kafka.Producer, source string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, source: source}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event *Event) error {
	ctx, span := telemetry.StartSpan(ctx, "eventbus.publish")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.type", event.Type),
		attribute.String("event.id", event.EventID),
	)

	headers := map[string]string{
		"event_type":   event.Type,
		"event_id":     event.EventID,
		"source":       p.source,
		"content_type": "application/json",
	}

	if err := p.producer.ProduceJSON(ctx, event.Type, event.Key, event, headers); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "produce failed")
		return fmt.Errorf("failed to publish %s event: %w", event.Type, err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

func (p *KafkaPublisher) Close() {
	p.producer.Close()
}

// MemoryBus is an in-process publisher for tests and single-node setups.
// Handlers run synchronously inside Publish.
type MemoryBus struct {
	mu        sync.RWMutex
	handlers  map[string][]Handler
	published []*Event
}

var _ Publisher = (*MemoryBus)(nil)

// Handler processes one event. Returning an error fails the publish on the
// memory bus; Kafka consumers retry instead.
type Handler func(ctx context.Context, event *Event) error

// NewMemoryBus creates an empty in-process bus
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[string][]Handler)}
}

// Subscribe registers a handler for an event type
func (b *MemoryBus) Subscribe(eventType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

func (b *MemoryBus) Publish(ctx context.Context, event *Event) error {
	b.mu.Lock()
	b.published = append(b.published, event)
	handlers := append([]Handler(nil), b.handlers[event.Type]...)
	b.mu.Unlock()

	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			return fmt.Errorf("handler for %s failed: %w", event.Type, err)
		}
	}
	return nil
}

// Published returns all events published so far, for assertions
func (b *MemoryBus) Published() []*Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]*Event(nil), b.published...)
}

// PublishedOfType returns published events of one type
func (b *MemoryBus) PublishedOfType(eventType string) []*Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*Event
	for _, e := range b.published {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (b *MemoryBus) Close() {}
