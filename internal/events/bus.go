package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loom-run/loom/internal/engine"
	"github.com/loom-run/loom/internal/types"
)

// Bus distributes run events to subscribers with filtering support. It sits
// between the engine's per-run watchers and outward consumers such as the
// SSE transport: many runs publish into one bus, many subscribers tap it.
//
// Thread safety: all methods are safe for concurrent use. Publish never
// blocks on a slow subscriber; when a subscriber's buffer is full the event
// is dropped for that subscriber only and reported through the drop handler.
type Bus interface {
	// Publish sends an event to every matching subscriber. It returns an
	// error only when the bus is closed.
	Publish(ctx context.Context, event engine.Event) error

	// Subscribe creates a subscription with optional filtering. The cleanup
	// function must be called to release the subscription; the returned
	// channel is closed by cleanup or by Close.
	Subscribe(ctx context.Context, filter Filter, bufferSize int) (<-chan engine.Event, func())

	// Close shuts down the bus and every subscription.
	Close() error
}

// Filter selects which events a subscription receives. Fields combine with
// AND logic; zero fields match everything.
type Filter struct {
	Types      []engine.EventType `json:"types,omitempty"`
	RunID      types.ID           `json:"run_id,omitempty"`
	WorkflowID string             `json:"workflow_id,omitempty"`
}

// Matches reports whether event satisfies every non-empty criterion.
func (f *Filter) Matches(event engine.Event) bool {
	if len(f.Types) > 0 {
		matched := false
		for _, t := range f.Types {
			if event.Type == t {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if !f.RunID.IsZero() && event.RunID != f.RunID {
		return false
	}
	if f.WorkflowID != "" && event.WorkflowID != f.WorkflowID {
		return false
	}
	return true
}

// DropHandler is called when an event is dropped for a slow subscriber.
type DropHandler func(event engine.Event, subscriberID string)

// Option configures a MemoryBus.
type Option func(*busOptions)

type busOptions struct {
	defaultBufferSize int
	onDrop            DropHandler
}

// WithDefaultBufferSize sets the subscriber buffer used when Subscribe is
// called with bufferSize <= 0. Default: 64 events.
func WithDefaultBufferSize(size int) Option {
	return func(o *busOptions) {
		if size > 0 {
			o.defaultBufferSize = size
		}
	}
}

// WithDropHandler sets the callback invoked for each dropped event.
func WithDropHandler(h DropHandler) Option {
	return func(o *busOptions) {
		if h != nil {
			o.onDrop = h
		}
	}
}

// MemoryBus is the in-process Bus implementation: a subscriber map guarded
// by an RWMutex, one buffered channel per subscriber, and non-blocking
// sends.
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscription
	options     busOptions
	closed      bool
}

type subscription struct {
	id      string
	ch      chan engine.Event
	filter  Filter
	ctx     context.Context
	cancel  context.CancelFunc
	created time.Time
	dropped atomic.Int64
}

// NewBus creates a MemoryBus.
func NewBus(opts ...Option) *MemoryBus {
	options := busOptions{
		defaultBufferSize: 64,
		onDrop:            func(engine.Event, string) {},
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &MemoryBus{
		subscribers: make(map[string]*subscription),
		options:     options,
	}
}

// Publish delivers event to every matching live subscriber without ever
// blocking the publisher.
func (b *MemoryBus) Publish(ctx context.Context, event engine.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	for _, sub := range b.subscribers {
		select {
		case <-sub.ctx.Done():
			continue
		default:
		}

		if !sub.filter.Matches(event) {
			continue
		}

		select {
		case sub.ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
			sub.dropped.Add(1)
			b.options.onDrop(event, sub.id)
		}
	}
	return nil
}

// Subscribe registers a new subscription. Cancelling ctx stops delivery;
// calling cleanup closes the channel and removes the subscription.
func (b *MemoryBus) Subscribe(ctx context.Context, filter Filter, bufferSize int) (<-chan engine.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if bufferSize <= 0 {
		bufferSize = b.options.defaultBufferSize
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		id:      nextSubscriberID(),
		ch:      make(chan engine.Event, bufferSize),
		filter:  filter,
		ctx:     subCtx,
		cancel:  cancel,
		created: time.Now(),
	}
	b.subscribers[sub.id] = sub

	cleanup := func() { b.unsubscribe(sub.id) }
	return sub.ch, cleanup
}

func (b *MemoryBus) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[id]
	if !ok {
		return
	}
	sub.cancel()
	close(sub.ch)
	delete(b.subscribers, id)
}

// Close shuts the bus down and closes every subscriber channel. Close is
// idempotent.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for id, sub := range b.subscribers {
		sub.cancel()
		close(sub.ch)
		delete(b.subscribers, id)
	}
	return nil
}

// SubscriberCount returns the number of active subscriptions.
func (b *MemoryBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

var subscriberCounter atomic.Uint64

func nextSubscriberID() string {
	return fmt.Sprintf("sub-%d-%d", time.Now().UnixNano(), subscriberCounter.Add(1))
}

var _ Bus = (*MemoryBus)(nil)
