// Package memory provides an in-process implementation of the event bus.
// Every component of the engine runs inside a single process, so events are
// delivered synchronously to subscribed handlers without an external broker.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/corvidsec/raven/internal/domain/events"
	"github.com/corvidsec/raven/pkg/common/logger"
)

var _ events.EventBus = (*Broker)(nil)

// subscriber pairs a handler with a registration identifier so a cancelled
// subscription can be removed without disturbing its neighbors.
type subscriber struct {
	id      uint64
	handler events.HandlerFunc
}

type handlerList []subscriber

// Broker is an in-process implementation of events.EventBus. Handlers are
// invoked synchronously on the publisher's goroutine; a failing handler does
// not prevent delivery to the remaining subscribers.
type Broker struct {
	logger *logger.Logger
	tracer trace.Tracer

	mu       sync.RWMutex
	nextID   uint64
	handlers map[events.EventType]handlerList
	closed   bool
}

// NewBroker creates an in-process event broker.
func NewBroker(logger *logger.Logger, tracer trace.Tracer) *Broker {
	return &Broker{
		logger:   logger.With("component", "memory_event_bus"),
		tracer:   tracer,
		handlers: make(map[events.EventType]handlerList),
	}
}

// Subscribe registers a handler for the given event types. The registration
// is removed when ctx is cancelled.
func (b *Broker) Subscribe(ctx context.Context, eventTypes []events.EventType, handler events.HandlerFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("event bus is closed")
	}
	b.nextID++
	id := b.nextID
	for _, et := range eventTypes {
		b.handlers[et] = append(b.handlers[et], subscriber{id: id, handler: handler})
	}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, et := range eventTypes {
			b.handlers[et] = removeSubscriber(b.handlers[et], id)
		}
	}()

	b.logger.Debug(ctx, "subscribed to events", "event_types", eventTypes)

	return nil
}

func removeSubscriber(subs handlerList, id uint64) handlerList {
	for i, sub := range subs {
		if sub.id == id {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

// Publish delivers the envelope to every handler subscribed to its type.
// Handlers run synchronously in registration order; their errors are joined
// and returned after all subscribers have seen the event.
func (b *Broker) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ctx, span := b.tracer.Start(ctx, "memory_event_bus.publish",
		trace.WithAttributes(
			attribute.String("component", "memory_event_bus"),
			attribute.String("event_type", string(event.Type)),
		))
	defer span.End()

	var pParams events.PublishParams
	for _, opt := range opts {
		opt(&pParams)
	}
	if pParams.Key != "" {
		event.Key = pParams.Key
		span.SetAttributes(attribute.String("event.key", event.Key))
	}
	if pParams.Headers != nil {
		event.Headers = pParams.Headers
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errors.New("event bus is closed")
	}
	// Copy the handlers so they run without the lock held. A handler that
	// subscribes or publishes mid-delivery must not deadlock the bus.
	subs := b.handlers[event.Type]
	subsCopy := make(handlerList, len(subs))
	copy(subsCopy, subs)
	b.mu.RUnlock()

	var errs []error
	for _, sub := range subsCopy {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		// Delivery is synchronous, so there is no offset to commit. The ack
		// exists to satisfy the bus contract shared with durable transports.
		if err := sub.handler(ctx, event, func(error) {}); err != nil {
			span.RecordError(err)
			b.logger.Error(ctx, "event handler failed", "event_type", event.Type, "error", err)
			errs = append(errs, fmt.Errorf("handler for %s: %w", event.Type, err))
		}
	}

	return errors.Join(errs...)
}

// Close shuts down the broker. Subsequent publishes and subscriptions fail.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[events.EventType]handlerList)
	return nil
}
