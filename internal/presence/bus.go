package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Bus fans presence events out to subscribers.
type Bus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe() Subscription
	Close() error
}

// Subscription represents an active event stream.
type Subscription interface {
	Events() <-chan Event
	Close()
}

var errEventType = errors.New("event type is required")

// NewMemoryBus returns an in-process fan-out bus for single instance
// deployments and tests.
func NewMemoryBus(buffer int) Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &memoryBus{
		subs:   make(map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

type memoryBus struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	buffer int
	closed bool
}

// Publish waits for room in every subscriber buffer. A subscriber that falls
// behind holds the publisher until ctx ends, and the event is then reported
// as undelivered rather than dropped.
func (b *memoryBus) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return errEventType
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.ch <- event:
		case <-ctx.Done():
			return fmt.Errorf("deliver %s event: %w", event.Type, ctx.Err())
		}
	}
	return nil
}

func (b *memoryBus) Subscribe() Subscription {
	sub := &memorySubscription{
		bus: b,
		ch:  make(chan Event, b.buffer),
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *memoryBus) Close() error {
	b.mu.Lock()
	subs := make([]*memorySubscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.closed = true
	b.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

type memorySubscription struct {
	once sync.Once
	bus  *memoryBus
	ch   chan Event
}

func (s *memorySubscription) Events() <-chan Event {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}
