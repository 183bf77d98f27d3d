// Package event provides an in-memory implementation of the plugin.EventBus interface.
package event

import (
	"context"
	"sync"
	"time"

	"github.com/HerbHall/wazuhsync/pkg/plugin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Compile-time interface guard.
var _ plugin.EventBus = (*Bus)(nil)

var eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "wazuhsync_events_published_total",
	Help: "Events published on the in-process bus, by topic.",
}, []string{"topic"})

// Bus is an in-memory event bus implementing plugin.EventBus.
// Publish is synchronous (handlers run in the caller's goroutine).
// PublishAsync dispatches handlers in separate goroutines; Drain waits for them.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]handlerEntry // topic -> handlers
	allSubs  []handlerEntry            // handlers subscribed to all topics
	nextID   uint64
	inflight sync.WaitGroup
	logger   *zap.Logger
	nowFunc  func() time.Time
}

type handlerEntry struct {
	id      uint64
	handler plugin.EventHandler
}

// NewBus creates a new in-memory event bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]handlerEntry),
		logger:   logger,
		nowFunc:  time.Now,
	}
}

// Publish dispatches an event synchronously to all matching handlers.
// A zero Timestamp is filled in before dispatch.
func (b *Bus) Publish(ctx context.Context, event plugin.Event) error {
	event = b.stamp(event)
	for _, h := range b.snapshot(event.Topic) {
		b.safeCall(ctx, h.handler, event)
	}
	return nil
}

// PublishAsync dispatches an event asynchronously to all matching handlers.
func (b *Bus) PublishAsync(ctx context.Context, event plugin.Event) {
	event = b.stamp(event)
	for _, h := range b.snapshot(event.Topic) {
		b.inflight.Add(1)
		go func(h handlerEntry) {
			defer b.inflight.Done()
			b.safeCall(ctx, h.handler, event)
		}(h)
	}
}

// Drain blocks until all PublishAsync handlers have returned or ctx ends.
func (b *Bus) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a handler for a specific topic. Returns an unsubscribe function.
func (b *Bus) Subscribe(topic string, handler plugin.EventHandler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[topic] = append(b.handlers[topic], handlerEntry{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.handlers[topic] = remove(b.handlers[topic], id)
	}
}

// SubscribeAll registers a handler for all topics. Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler plugin.EventHandler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.allSubs = append(b.allSubs, handlerEntry{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.allSubs = remove(b.allSubs, id)
	}
}

func (b *Bus) stamp(event plugin.Event) plugin.Event {
	if event.Timestamp.IsZero() {
		event.Timestamp = b.nowFunc().UTC()
	}
	eventsPublished.WithLabelValues(event.Topic).Inc()
	return event
}

// snapshot copies the handlers for topic so dispatch runs without the lock.
func (b *Bus) snapshot(topic string) []handlerEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]handlerEntry, 0, len(b.handlers[topic])+len(b.allSubs))
	out = append(out, b.handlers[topic]...)
	return append(out, b.allSubs...)
}

func remove(entries []handlerEntry, id uint64) []handlerEntry {
	for i, e := range entries {
		if e.id == id {
			return append(entries[:i:i], entries[i+1:]...)
		}
	}
	return entries
}

func (b *Bus) safeCall(ctx context.Context, handler plugin.EventHandler, event plugin.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("topic", event.Topic),
				zap.String("source", event.Source),
				zap.Any("panic", r),
			)
		}
	}()
	handler(ctx, event)
}
