package domain

import "sync"

// Event wraps a payload meant to be observed exactly once. The first
// Consume returns the payload; every later call returns the zero value
// and false. It carries error and success messages to the presentation
// layer without re-firing on state re-evaluation.
type Event[T any] struct {
	mu      sync.Mutex
	content T
	handled bool
}

func NewEvent[T any](content T) *Event[T] {
	return &Event[T]{content: content}
}

// Consume returns the payload and true on first call, zero and false
// afterwards.
func (e *Event[T]) Consume() (T, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handled {
		var zero T
		return zero, false
	}
	e.handled = true
	return e.content, true
}
