package fsm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type light int

const (
	off light = iota
	on
	broken
)

type press struct{ hard bool }

func newLight() *FSM[light, press] {
	m := New[light, press](off)
	m.On(off, func(_ context.Context, _ light, e press) light {
		if e.hard {
			return broken
		}
		return on
	})
	m.On(on, func(_ context.Context, _ light, _ press) light { return off })
	return m
}

func TestSendTransitions(t *testing.T) {
	m := newLight()

	tr := m.Send(context.Background(), press{})
	require.Equal(t, Transition[light]{From: off, To: on}, tr)
	require.True(t, tr.Changed())
	require.Equal(t, on, m.State())

	tr = m.Send(context.Background(), press{})
	require.Equal(t, off, tr.To)

	tr = m.Send(context.Background(), press{hard: true})
	require.Equal(t, broken, tr.To)

	// no handler and no fallback: state is kept
	tr = m.Send(context.Background(), press{})
	require.False(t, tr.Changed())
	require.Equal(t, broken, m.State())
}

func TestFallback(t *testing.T) {
	m := newLight()
	m.Fallback(func(_ context.Context, _ light, _ press) light { return off })

	m.Send(context.Background(), press{hard: true})
	require.Equal(t, broken, m.State())

	m.Send(context.Background(), press{})
	require.Equal(t, off, m.State())
}

func TestReentrantSendDoesNotDeadlock(t *testing.T) {
	m := New[light, press](off)
	m.On(off, func(ctx context.Context, _ light, e press) light {
		if e.hard {
			// nested delivery with the held context
			inner := m.Send(ctx, press{})
			return inner.To
		}
		return on
	})
	m.On(on, func(_ context.Context, _ light, _ press) light { return broken })

	done := make(chan Transition[light], 1)
	go func() { done <- m.Send(context.Background(), press{hard: true}) }()

	select {
	case tr := <-done:
		require.Equal(t, off, tr.From)
		require.Equal(t, on, tr.To)
		require.Equal(t, on, m.State())
	case <-time.After(2 * time.Second):
		t.Fatal("reentrant send deadlocked")
	}
}

func TestOnEnter(t *testing.T) {
	m := newLight()
	var entered []Transition[light]
	m.OnEnter(on, func(_ context.Context, tr Transition[light]) {
		entered = append(entered, tr)
	})

	m.Send(context.Background(), press{})
	m.Send(context.Background(), press{})
	m.Send(context.Background(), press{})

	require.Len(t, entered, 2)
	require.Equal(t, off, entered[0].From)
}

func TestConcurrentSendsAreSerialized(t *testing.T) {
	var active, maxActive int
	var mu sync.Mutex

	m := New[int, struct{}](0)
	m.Fallback(func(_ context.Context, s int, _ struct{}) int {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
		return s + 1
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Send(context.Background(), struct{}{})
		}()
	}
	wg.Wait()

	require.Equal(t, 20, m.State())
	require.Equal(t, 1, maxActive)
}

func TestStateReadableFromHandler(t *testing.T) {
	m := New[light, press](off)
	var seen light = broken
	m.On(off, func(_ context.Context, _ light, _ press) light {
		seen = m.State()
		return on
	})
	m.Send(context.Background(), press{})
	require.Equal(t, off, seen)
}
