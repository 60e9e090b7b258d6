package audit

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Record(ctx context.Context, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func TestAsyncDeliversInOrder(t *testing.T) {
	sink := &recordingSink{}
	a := NewAsync(sink, 16, zerolog.Nop())

	for i := 0; i < 5; i++ {
		a.Record(context.Background(), NewEvent(int64(i), "reported", "ranking", ""))
	}
	a.Close()

	require.Len(t, sink.events, 5)
	for i, ev := range sink.events {
		require.Equal(t, int64(i), ev.IncidentID)
		require.NotEmpty(t, ev.ID)
		require.False(t, ev.At.IsZero())
	}
}

func TestAsyncDropsWhenFull(t *testing.T) {
	blocked := make(chan struct{})
	slow := sinkFunc(func(ctx context.Context, ev Event) { <-blocked })
	a := NewAsync(slow, 1, zerolog.Nop())

	// first event occupies the drain goroutine, second fills the buffer,
	// the rest are dropped without blocking the caller
	for i := 0; i < 10; i++ {
		a.Record(context.Background(), NewEvent(int64(i), "a", "b", ""))
	}
	close(blocked)
	a.Close()
}

type sinkFunc func(ctx context.Context, ev Event)

func (f sinkFunc) Record(ctx context.Context, ev Event) { f(ctx, ev) }
