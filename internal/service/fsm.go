package service

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"github.com/rescuegrid/dispatch/internal/audit"
	"github.com/rescuegrid/dispatch/internal/model"
)

// State machine events. Every status change of an incident goes through one
// of these; there is no direct status write anywhere else.
const (
	eventBeginRanking   = "begin_ranking"
	eventCandidateFound = "candidate_found"
	eventNoBeds         = "no_beds"
	eventReserved       = "reserved"
	eventAmbulanceFound = "ambulance_found"
	eventHandoff        = "handoff"
	eventNoCapacity     = "no_capacity"
	eventNoAmbulance    = "no_ambulance"
	eventCancel         = "cancel"
)

func incidentEvents() fsm.Events {
	return fsm.Events{
		{Name: eventBeginRanking, Src: []string{string(model.IncidentReported)}, Dst: string(model.IncidentRanking)},
		{Name: eventCandidateFound, Src: []string{string(model.IncidentRanking)}, Dst: string(model.IncidentReserving)},
		{Name: eventNoBeds, Src: []string{string(model.IncidentReserving)}, Dst: string(model.IncidentRanking)},
		{Name: eventReserved, Src: []string{string(model.IncidentReserving)}, Dst: string(model.IncidentConfirmed)},
		{Name: eventAmbulanceFound, Src: []string{string(model.IncidentConfirmed)}, Dst: string(model.IncidentAmbulanceAssigned)},
		{Name: eventHandoff, Src: []string{string(model.IncidentAmbulanceAssigned)}, Dst: string(model.IncidentResolved)},
		{Name: eventNoCapacity, Src: []string{string(model.IncidentRanking)}, Dst: string(model.IncidentFailedNoCapacity)},
		{Name: eventNoAmbulance, Src: []string{string(model.IncidentConfirmed)}, Dst: string(model.IncidentFailedNoAmbulance)},
		{Name: eventCancel, Src: []string{
			string(model.IncidentReported),
			string(model.IncidentRanking),
			string(model.IncidentReserving),
			string(model.IncidentConfirmed),
			string(model.IncidentAmbulanceAssigned),
		}, Dst: string(model.IncidentCancelled)},
	}
}

// incidentMachine binds an FSM instance to one incident: each transition is
// persisted to the incident store and emitted to the audit sink.
type incidentMachine struct {
	id        int64
	machine   *fsm.FSM
	incidents IncidentStore
	audit     audit.Sink
	log       zerolog.Logger

	persistErr error
}

func newIncidentMachine(id int64, current model.IncidentStatus, incidents IncidentStore, sink audit.Sink, log zerolog.Logger) *incidentMachine {
	m := &incidentMachine{
		id:        id,
		incidents: incidents,
		audit:     sink,
		log:       log.With().Str("component", "fsm").Int64("incident_id", id).Logger(),
	}
	m.machine = fsm.NewFSM(string(current), incidentEvents(), fsm.Callbacks{
		"enter_state": m.onEnterState,
	})
	return m
}

func (m *incidentMachine) onEnterState(ctx context.Context, e *fsm.Event) {
	reason := ""
	if len(e.Args) > 0 {
		if s, ok := e.Args[0].(string); ok {
			reason = s
		}
	}
	if err := m.incidents.UpdateStatus(ctx, m.id, model.IncidentStatus(e.Src), model.IncidentStatus(e.Dst)); err != nil {
		m.persistErr = fmt.Errorf("persist status %s: %w", e.Dst, err)
		return
	}
	m.audit.Record(ctx, audit.NewEvent(m.id, e.Src, e.Dst, reason))
	m.log.Info().Str("from", e.Src).Str("to", e.Dst).Str("reason", reason).Msg("transition")
}

// fire runs one event through the machine. The returned error covers a
// disallowed transition, a failed status persist, and a lost status race
// (repository.ErrStatusConflict). On a lost race the transition did not
// happen; the caller must give back anything it acquired for it.
func (m *incidentMachine) fire(ctx context.Context, event, reason string) error {
	m.persistErr = nil
	if err := m.machine.Event(ctx, event, reason); err != nil {
		return fmt.Errorf("incident %d: event %s from %s: %w", m.id, event, m.machine.Current(), err)
	}
	return m.persistErr
}
