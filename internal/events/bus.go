package events

import (
	"context"
	"errors"
	"sync"

	"github.com/kursadbilgin/delivery-engine/internal/observability"
	"go.uber.org/zap"
)

// Handler receives events it subscribed to. It runs on the emitting goroutine.
type Handler func(ctx context.Context, e Event)

// Sink forwards events out of process.
type Sink interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

type subscription struct {
	id      uint64
	handler Handler
	types   map[Type]struct{}
}

func (s subscription) wants(t Type) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Bus fans events out to in-process subscribers and to the configured sinks.
type Bus struct {
	logger *zap.Logger
	sinks  []Sink

	mu     sync.RWMutex
	nextID uint64
	subs   []subscription
}

func NewBus(logger *zap.Logger, sinks ...Sink) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}

	filtered := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}

	return &Bus{logger: logger, sinks: filtered}
}

// Subscribe registers handler for the given types, or for every type when none
// are given. The returned func removes the subscription.
func (b *Bus) Subscribe(handler Handler, types ...Type) func() {
	if handler == nil {
		return func() {}
	}

	set := make(map[Type]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, handler: handler, types: set})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Emit delivers e to matching subscribers, then publishes it to every sink.
// Sink failures are logged; they never fail the delivery that raised the event.
func (b *Bus) Emit(ctx context.Context, e Event) {
	if b == nil {
		return
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		if s.wants(e.Type) {
			s.handler(ctx, e)
		}
	}

	for _, sink := range b.sinks {
		if err := sink.Publish(ctx, e); err != nil {
			observability.WithContextLogger(b.logger, ctx).Warn("failed to publish delivery event",
				zap.String("eventType", e.Type.String()),
				zap.String("deliveryId", e.DeliveryID),
				zap.Error(err),
			)
		}
	}
}

func (b *Bus) Close() error {
	if b == nil {
		return nil
	}

	var errs []error
	for _, sink := range b.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
