package event

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

const (
	defaultPoolSize = 1000
	defaultTimeout  = 30 * time.Second
)

type Event interface {
	Name() string
}

type Handler func(ctx context.Context, e Event) error

// Bus is an in-memory event bus. Each event name has its own bounded pool of
// in-flight handlers, so a flood of one event (e.g. countdown ticks) cannot
// starve the handlers of another.
type Bus struct {
	poolSize int
	timeout  time.Duration

	wg       *sync.WaitGroup
	mu       sync.RWMutex
	handlers map[string][]Handler
	pools    map[string]chan struct{}
}

type Option func(b *Bus)

// WithPoolSize sets the maximum number of in-flight handlers per event name.
func WithPoolSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.poolSize = n
		}
	}
}

// WithTimeout sets the deadline given to every handler call.
func WithTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// NewBus create a new event bus. Caller should call Stop for graceful shutdown the bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		poolSize: defaultPoolSize,
		timeout:  defaultTimeout,
		wg:       new(sync.WaitGroup),
		handlers: make(map[string][]Handler),
		pools:    make(map[string]chan struct{}),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Subscribe to an event
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[name] = append(b.handlers[name], h)
	if _, ok := b.pools[name]; !ok {
		b.pools[name] = make(chan struct{}, b.poolSize)
	}
}

// SubscribeMany registers the same handler for several events.
func (b *Bus) SubscribeMany(names []string, h Handler) {
	for _, name := range names {
		b.Subscribe(name, h)
	}
}

// Publish an event
func (b *Bus) Publish(ctx context.Context, e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	pool := b.pools[e.Name()]
	for _, h := range b.handlers[e.Name()] {
		b.dispatch(ctx, pool, h, e)
	}
}

func (b *Bus) dispatch(ctx context.Context, pool chan struct{}, h Handler, e Event) {
	b.wg.Add(1)

	pool <- struct{}{}

	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
		defer func() {
			if r := recover(); r != nil {
				slog.ErrorContext(ctx, "event: handler panic",
					"event", e.Name(),
					"error", fmt.Errorf("%v, stack: %s", r, debug.Stack()),
				)
			}

			cancel()
			<-pool
			b.wg.Done()
		}()

		if err := h(ctx, e); err != nil {
			slog.ErrorContext(ctx, "event: handle event failed",
				"event", e.Name(),
				"error", err,
			)
		}
	}()
}

// Stop waits for all handlers to finish
func (b *Bus) Stop() {
	b.wg.Wait()
}
