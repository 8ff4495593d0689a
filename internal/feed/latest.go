package feed

import "sync"

// Latest is a single-slot mailbox. Put replaces any value not yet taken,
// so a slow consumer only ever sees the newest value.
type Latest[T any] struct {
	mu    sync.Mutex
	value T
	full  bool
	ready chan struct{}
}

// NewLatest creates an empty mailbox.
func NewLatest[T any]() *Latest[T] {
	return &Latest[T]{ready: make(chan struct{}, 1)}
}

// Put stores v, replacing any pending value. It never blocks.
func (l *Latest[T]) Put(v T) {
	l.mu.Lock()
	l.value = v
	l.full = true
	l.mu.Unlock()

	select {
	case l.ready <- struct{}{}:
	default:
	}
}

// Take removes and returns the pending value, if any.
func (l *Latest[T]) Take() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var zero T
	if !l.full {
		return zero, false
	}
	v := l.value
	l.value = zero
	l.full = false
	return v, true
}

// Ready is signalled after Put. A signal may be stale; Take reports
// whether a value is really pending.
func (l *Latest[T]) Ready() <-chan struct{} {
	return l.ready
}
