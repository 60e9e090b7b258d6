// Package audit emits one event per dispatch state transition to an external
// append-only log. Emission is fire-and-forget: a slow or dead sink must
// never block or fail a transition.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Event is one state transition record.
type Event struct {
	ID         string    `json:"id"`
	IncidentID int64     `json:"incident_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

// NewEvent builds a transition event with a fresh id and timestamp.
func NewEvent(incidentID int64, from, to, reason string) Event {
	return Event{
		ID:         uuid.NewString(),
		IncidentID: incidentID,
		From:       from,
		To:         to,
		Reason:     reason,
		At:         time.Now().UTC(),
	}
}

// Sink receives transition events.
type Sink interface {
	Record(ctx context.Context, ev Event)
}

// ─── Redis stream sink ──────────────────────────────────────

// StreamSink appends events to a Redis stream (XADD), the append-only store
// consumed by external audit tooling.
type StreamSink struct {
	client *redis.Client
	stream string
	log    zerolog.Logger
}

// NewStreamSink creates a sink writing to the given stream key.
func NewStreamSink(client *redis.Client, stream string, log zerolog.Logger) *StreamSink {
	return &StreamSink{
		client: client,
		stream: stream,
		log:    log.With().Str("component", "audit").Logger(),
	}
}

// Record appends one event. Errors are logged and swallowed.
func (s *StreamSink) Record(ctx context.Context, ev Event) {
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"id":          ev.ID,
			"incident_id": ev.IncidentID,
			"from":        ev.From,
			"to":          ev.To,
			"reason":      ev.Reason,
			"at":          ev.At.Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		s.log.Warn().Err(err).Int64("incident_id", ev.IncidentID).
			Str("to", ev.To).Msg("audit event dropped")
	}
}

// ─── Async wrapper ──────────────────────────────────────────

// Async decouples event emission from the underlying sink through a buffered
// channel. When the buffer is full the event is dropped rather than blocking
// the dispatch pipeline.
type Async struct {
	events chan Event
	sink   Sink
	log    zerolog.Logger
	done   chan struct{}
}

// NewAsync wraps sink with a buffer of the given size and starts the drain
// goroutine.
func NewAsync(sink Sink, buffer int, log zerolog.Logger) *Async {
	a := &Async{
		events: make(chan Event, buffer),
		sink:   sink,
		log:    log.With().Str("component", "audit").Logger(),
		done:   make(chan struct{}),
	}
	go a.drain()
	return a
}

func (a *Async) drain() {
	defer close(a.done)
	for ev := range a.events {
		a.sink.Record(context.Background(), ev)
	}
}

// Record enqueues the event, dropping it if the buffer is full.
func (a *Async) Record(ctx context.Context, ev Event) {
	select {
	case a.events <- ev:
	default:
		a.log.Warn().Int64("incident_id", ev.IncidentID).Msg("audit buffer full, event dropped")
	}
}

// Close flushes buffered events and stops the drain goroutine.
func (a *Async) Close() {
	close(a.events)
	<-a.done
}

// ─── Nop sink ───────────────────────────────────────────────

// Nop discards every event.
type Nop struct{}

// Record implements Sink.
func (Nop) Record(ctx context.Context, ev Event) {}
