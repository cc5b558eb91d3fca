package events

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Handler consumes one event.
type Handler func(ctx context.Context, event Event) error

// Publisher is the publishing half of the bus.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Bus is an in-memory pub/sub bus. Handlers run in their own goroutines so a
// slow subscriber never holds up a billing cycle.
type Bus struct {
	handlers map[EventType][]Handler
	mu       sync.RWMutex
	wg       sync.WaitGroup
	logger   *zap.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
		logger:   logger,
	}
}

// Subscribe registers handler for each of the given types.
func (b *Bus) Subscribe(handler Handler, types ...EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, t := range types {
		b.handlers[t] = append(b.handlers[t], handler)
		b.logger.Debug("event handler subscribed",
			zap.String("event_type", string(t)),
			zap.Int("total_handlers", len(b.handlers[t])),
		)
	}
}

// Publish fans the event out asynchronously. Handler errors and panics are
// logged.
func (b *Bus) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	handlers := b.handlers[event.Type]
	b.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	// handlers outlive the publishing request
	ctx = context.WithoutCancel(ctx)

	for _, handler := range handlers {
		b.wg.Add(1)
		go func(h Handler) {
			defer b.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panicked",
						zap.String("event_type", string(event.Type)),
						zap.String("event_id", event.ID),
						zap.Any("panic", r),
					)
				}
			}()

			if err := h(ctx, event); err != nil {
				b.logger.Error("event handler failed",
					zap.String("event_type", string(event.Type)),
					zap.String("event_id", event.ID),
					zap.Error(err),
				)
			}
		}(handler)
	}
}

// Wait blocks until every handler started so far has returned.
func (b *Bus) Wait() {
	b.wg.Wait()
}

// Subscribers reports how many handlers are registered for t.
func (b *Bus) Subscribers(t EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[t])
}
