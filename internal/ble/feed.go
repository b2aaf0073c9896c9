package ble

import (
	"context"
	"iter"
	"sync"
)

// feed fans values out to subscribers. Unlike a channel broadcast that skips
// slow readers, every subscriber has an unbounded buffer, so each one sees
// every value published after it subscribed, once and in order. publish
// never blocks, which lets callers publish while holding their own locks.
type feed[T any] struct {
	mu     sync.Mutex
	subs   map[*subscription[T]]struct{}
	closed bool
}

type subscription[T any] struct {
	f      *feed[T]
	mu     sync.Mutex
	buf    []T
	signal chan struct{}
	closed bool
}

func newFeed[T any]() *feed[T] {
	return &feed[T]{subs: make(map[*subscription[T]]struct{})}
}

// subscribe registers a subscriber whose buffer starts with initial.
func (f *feed[T]) subscribe(initial ...T) *subscription[T] {
	s := &subscription[T]{
		f:      f,
		buf:    append([]T(nil), initial...),
		signal: make(chan struct{}, 1),
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		s.closed = true
		return s
	}
	f.subs[s] = struct{}{}
	return s
}

func (f *feed[T]) publish(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for s := range f.subs {
		s.push(v)
	}
}

// close ends every subscription after its buffered values are consumed.
func (f *feed[T]) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for s := range f.subs {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.wake()
	}
	f.subs = nil
}

func (f *feed[T]) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (s *subscription[T]) push(v T) {
	s.mu.Lock()
	s.buf = append(s.buf, v)
	s.mu.Unlock()
	s.wake()
}

func (s *subscription[T]) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// next blocks until a value is available, the feed closes or ctx is done.
func (s *subscription[T]) next(ctx context.Context) (T, bool) {
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			v := s.buf[0]
			var zero T
			s.buf[0] = zero
			s.buf = s.buf[1:]
			s.mu.Unlock()
			return v, true
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			var zero T
			return zero, false
		}

		select {
		case <-s.signal:
		case <-ctx.Done():
			var zero T
			return zero, false
		}
	}
}

func (s *subscription[T]) cancel() {
	s.f.mu.Lock()
	delete(s.f.subs, s)
	s.f.mu.Unlock()
}

// seq returns a lazy sequence: nothing is subscribed until iteration starts,
// and every new iteration subscribes afresh through open (f.subscribe when
// nil). open lets owners seed the buffer with their current value while
// holding their own lock.
func (f *feed[T]) seq(ctx context.Context, open func() *subscription[T]) iter.Seq[T] {
	if open == nil {
		open = func() *subscription[T] { return f.subscribe() }
	}
	return func(yield func(T) bool) {
		s := open()
		defer s.cancel()

		for {
			v, ok := s.next(ctx)
			if !ok || !yield(v) {
				return
			}
		}
	}
}
