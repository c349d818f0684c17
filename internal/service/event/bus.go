package event

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/skiff-sh/skiff/internal/domain"
)

const handlerTimeout = 30 * time.Second

// Handler consumes domain events. Implementations must tolerate duplicate
// delivery; the bus is best-effort and never blocks the publisher.
type Handler interface {
	HandleEvent(ctx context.Context, evt domain.Event)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, evt domain.Event)

// HandleEvent invokes the wrapped function.
func (f HandlerFunc) HandleEvent(ctx context.Context, evt domain.Event) {
	f(ctx, evt)
}

// Bus fans domain events out to subscribers. Each subscriber runs on its
// own goroutine so a slow or failing consumer cannot delay the state
// transition that produced the event.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewBus creates an empty event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{logger: logger}
}

// Subscribe registers a handler for all future events.
func (b *Bus) Subscribe(h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish delivers the event to every subscriber asynchronously.
func (b *Bus) Publish(evt domain.Event) {
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.wg.Add(1)
		go func(h Handler) {
			defer b.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panicked", "event", evt.Type, "project_id", evt.ProjectID, "panic", r)
				}
			}()
			ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
			defer cancel()
			h.HandleEvent(ctx, evt)
		}(h)
	}
}

// Wait blocks until all in-flight handlers finish. Used in tests and
// during shutdown.
func (b *Bus) Wait() {
	b.wg.Wait()
}
