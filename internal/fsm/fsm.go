// Package fsm implements a small finite state machine whose transitions are
// serialized by a mutex that a handler may re-enter through its context.
//
// A handler runs while the machine's lock is held. The context passed to the
// handler carries a hold token, so calling Send with that context from inside
// the handler applies the nested event immediately instead of deadlocking.
package fsm

import (
	"context"
	"sync"
)

// Handler computes the next state for an event received in state.
type Handler[S comparable, E any] func(ctx context.Context, state S, event E) S

// Transition describes the result of a Send.
type Transition[S comparable] struct {
	From S
	To   S
}

// Changed reports whether the machine moved to a different state.
func (t Transition[S]) Changed() bool {
	return t.From != t.To
}

type holdKey struct{ m any }

// FSM is a finite state machine over states S and events E.
type FSM[S comparable, E any] struct {
	mu       sync.Mutex
	stateMu  sync.RWMutex
	state    S
	handlers map[S]Handler[S, E]
	fallback Handler[S, E]
	enter    map[S][]func(ctx context.Context, t Transition[S])
}

// New creates a machine in the initial state.
func New[S comparable, E any](initial S) *FSM[S, E] {
	return &FSM[S, E]{
		state:    initial,
		handlers: make(map[S]Handler[S, E]),
		enter:    make(map[S][]func(context.Context, Transition[S])),
	}
}

// On registers the handler for events received in state.
func (f *FSM[S, E]) On(state S, h Handler[S, E]) *FSM[S, E] {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[state] = h
	return f
}

// Fallback registers the handler for states without a specific handler.
// Without one, such events leave the state unchanged.
func (f *FSM[S, E]) Fallback(h Handler[S, E]) *FSM[S, E] {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallback = h
	return f
}

// OnEnter registers a callback run, with the lock held, whenever the machine
// moves into state from a different one.
func (f *FSM[S, E]) OnEnter(state S, fn func(ctx context.Context, t Transition[S])) *FSM[S, E] {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enter[state] = append(f.enter[state], fn)
	return f
}

// State returns the current state. It never blocks on a running handler.
func (f *FSM[S, E]) State() S {
	f.stateMu.RLock()
	defer f.stateMu.RUnlock()
	return f.state
}

// Send delivers event to the machine and returns the resulting transition.
func (f *FSM[S, E]) Send(ctx context.Context, event E) Transition[S] {
	if !f.held(ctx) {
		f.mu.Lock()
		defer f.mu.Unlock()
		ctx = context.WithValue(ctx, holdKey{f}, struct{}{})
	}

	from := f.State()
	h, ok := f.handlers[from]
	if !ok {
		h = f.fallback
	}
	to := from
	if h != nil {
		to = h(ctx, from, event)
	}

	f.stateMu.Lock()
	f.state = to
	f.stateMu.Unlock()

	t := Transition[S]{From: from, To: to}
	if t.Changed() {
		for _, fn := range f.enter[to] {
			fn(ctx, t)
		}
	}
	return t
}

func (f *FSM[S, E]) held(ctx context.Context) bool {
	return ctx.Value(holdKey{f}) != nil
}
