// Package obs provides small push-based observables: State replays the
// latest value to new subscribers, Events broadcasts without replay. They
// are what the presentation layer subscribes to instead of polling the core.
package obs

import "sync"

// State holds one current value and pushes every update to all subscribers.
// A new subscriber immediately receives the latest value.
type State[T any] struct {
	mu    sync.Mutex
	value T
	subs  map[int]chan T
	next  int
}

func NewState[T any](initial T) *State[T] {
	return &State[T]{value: initial, subs: make(map[int]chan T)}
}

func (s *State[T]) Get() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

func (s *State[T]) Set(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = v
	for _, ch := range s.subs {
		push(ch, v)
	}
}

// Subscribe returns a channel that first yields the current value and then
// every update. The cancel func must be called to release the subscription.
func (s *State[T]) Subscribe() (<-chan T, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan T, 8)
	ch <- s.value
	id := s.next
	s.next++
	s.subs[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
}

// Events is a broadcast bus with a bounded per-subscriber buffer. Slow
// subscribers lose their oldest events rather than blocking emitters.
type Events[T any] struct {
	mu     sync.Mutex
	buffer int
	subs   map[int]chan T
	next   int
}

func NewEvents[T any](buffer int) *Events[T] {
	if buffer < 1 {
		buffer = 1
	}
	return &Events[T]{buffer: buffer, subs: make(map[int]chan T)}
}

func (e *Events[T]) Emit(v T) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subs {
		push(ch, v)
	}
}

func (e *Events[T]) Subscribe() (<-chan T, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := make(chan T, e.buffer)
	id := e.next
	e.next++
	e.subs[id] = ch
	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if _, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(ch)
		}
	}
}

// push delivers without blocking: if the subscriber buffer is full, the
// oldest buffered value is dropped first.
func push[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}
