package chatstate

import (
	"context"
	"sync"
)

// Observable is a read-only view of a StateFlow.
type Observable[T any] interface {
	Value() T
	Subscribe(ctx context.Context) <-chan T
}

// StateFlow holds a value that many goroutines may read while writers replace
// it. Subscribers are conflated: a slow reader only ever sees the latest value.
type StateFlow[T any] struct {
	mu     sync.RWMutex
	value  T
	subs   map[uint64]chan T
	nextID uint64
}

// NewStateFlow creates a holder with the initial value.
func NewStateFlow[T any](initial T) *StateFlow[T] {
	return &StateFlow[T]{value: initial, subs: make(map[uint64]chan T)}
}

// Value returns the current value.
func (f *StateFlow[T]) Value() T {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.value
}

// Set replaces the value and notifies subscribers.
func (f *StateFlow[T]) Set(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.value = v
	f.publish(v)
}

// Update applies fn to the current value under the write lock and stores the
// result. fn must not call back into the same flow.
func (f *StateFlow[T]) Update(fn func(T) T) T {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.value = fn(f.value)
	f.publish(f.value)
	return f.value
}

// Subscribe returns a channel that receives the current value immediately and
// every later value until ctx is done, at which point the channel is closed.
func (f *StateFlow[T]) Subscribe(ctx context.Context) <-chan T {
	ch := make(chan T, 1)

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	ch <- f.value
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, id)
		close(ch)
		f.mu.Unlock()
	}()
	return ch
}

// publish must be called with mu held.
func (f *StateFlow[T]) publish(v T) {
	for _, ch := range f.subs {
		select {
		case <-ch:
		default:
		}
		ch <- v
	}
}
