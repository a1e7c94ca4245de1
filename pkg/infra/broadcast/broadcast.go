// Package broadcast provides a replay-latest fan out: every subscriber
// first receives the most recent value, if any, and then every value
// published after it subscribed, in order.
package broadcast

import (
	"context"
	"sync"
)

// ReplayLatest is safe for concurrent use. Publish never blocks on slow
// subscribers; each subscriber owns an unbounded queue drained by its
// own goroutine.
type ReplayLatest[T any] struct {
	mu     sync.Mutex
	latest T
	has    bool
	closed bool
	nextID uint64
	subs   map[uint64]*subscriber[T]
}

func NewReplayLatest[T any]() *ReplayLatest[T] {
	return &ReplayLatest[T]{
		subs: make(map[uint64]*subscriber[T]),
	}
}

// Publish stores v as the latest value and queues it for every subscriber.
// It returns false once the broadcaster is closed.
func (b *ReplayLatest[T]) Publish(v T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.latest = v
	b.has = true
	for _, s := range b.subs {
		s.push(v)
	}
	return true
}

// Latest returns the last published value.
func (b *ReplayLatest[T]) Latest() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest, b.has
}

// Subscribe returns a channel that yields the latest value followed by
// every later one. The channel is closed when ctx is done or, after the
// queued values are delivered, when the broadcaster is closed.
func (b *ReplayLatest[T]) Subscribe(ctx context.Context) <-chan T {
	out := make(chan T)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(out)
		return out
	}
	id := b.nextID
	b.nextID++
	s := &subscriber[T]{
		out:    out,
		notify: make(chan struct{}, 1),
	}
	if b.has {
		s.push(b.latest)
	}
	b.subs[id] = s
	b.mu.Unlock()

	go s.run(ctx, func() { b.unsubscribe(id) })
	return out
}

// Subscribers returns the number of active subscriptions.
func (b *ReplayLatest[T]) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription once its queue is drained. Later
// Publish calls are ignored.
func (b *ReplayLatest[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		s.close()
		delete(b.subs, id)
	}
}

func (b *ReplayLatest[T]) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

type subscriber[T any] struct {
	mu     sync.Mutex
	queue  []T
	closed bool
	notify chan struct{}
	out    chan T
}

func (s *subscriber[T]) push(v T) {
	s.mu.Lock()
	s.queue = append(s.queue, v)
	s.mu.Unlock()
	s.wake()
}

func (s *subscriber[T]) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake()
}

func (s *subscriber[T]) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber[T]) run(ctx context.Context, unsubscribe func()) {
	defer close(s.out)
	defer unsubscribe()

	for {
		s.mu.Lock()
		items := s.queue
		s.queue = nil
		closed := s.closed
		s.mu.Unlock()

		for _, v := range items {
			select {
			case s.out <- v:
			case <-ctx.Done():
				return
			}
		}
		if len(items) > 0 {
			continue
		}
		if closed {
			return
		}

		select {
		case <-s.notify:
		case <-ctx.Done():
			return
		}
	}
}
