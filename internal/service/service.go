// Package service contains the dispatch business logic: hospital ranking,
// the incident state machine, and the coordinator driving an incident from
// report to resolution.
package service

import (
	"context"
	"errors"

	"github.com/rescuegrid/dispatch/internal/model"
)

// ─── Errors ─────────────────────────────────────────────────

var (
	// ErrNoCandidateHospitals means ranking produced an empty list: no active
	// hospital with coordinates has a free bed of the requested type.
	ErrNoCandidateHospitals = errors.New("no candidate hospitals")

	// ErrNoCapacity means every ranked candidate was tried and none could
	// hold a bed. The incident is left in failed_no_capacity.
	ErrNoCapacity = errors.New("no hospital capacity for incident")

	// ErrNoAmbulance means the ambulance retry schedule was exhausted. The
	// bed reservation has been released and the incident is left in
	// failed_no_ambulance.
	ErrNoAmbulance = errors.New("no ambulance available for incident")

	// ErrInvalidLocation means the incident coordinates are missing or
	// outside WGS-84 bounds.
	ErrInvalidLocation = errors.New("invalid incident location")

	// ErrInvalidSeverity means the reported severity is not one of the
	// known levels.
	ErrInvalidSeverity = errors.New("invalid incident severity")

	// ErrTerminalState means the requested operation is not allowed because
	// the incident already reached a terminal status.
	ErrTerminalState = errors.New("incident is in a terminal state")

	// ErrInvalidTransition means the incident is not in a status the
	// requested operation can act on.
	ErrInvalidTransition = errors.New("operation not valid for incident status")

	// ErrExternalService means a dependency (directory, store) kept failing
	// after bounded retries. The incident stays in its current status.
	ErrExternalService = errors.New("external service unavailable")
)

// ─── Consumer-side interfaces ───────────────────────────────

// HospitalDirectory is the tenant directory as the dispatch logic sees it.
// Implemented by repository.HospitalRepository and memstore.HospitalDirectory.
type HospitalDirectory interface {
	GetHospital(ctx context.Context, id int64) (*model.Hospital, error)
	ListActiveHospitals(ctx context.Context) ([]model.Hospital, error)
}

// IncidentStore persists incidents and their dispatch progress.
// Implemented by repository.IncidentRepository and memstore.IncidentStore.
//
// UpdateStatus is compare-and-swap: the write applies only while the stored
// status still equals from, and reports repository.ErrStatusConflict when a
// concurrent transition got there first. The state machine relies on this to
// keep a background dispatch from overwriting an operator cancel.
type IncidentStore interface {
	CreateIncident(ctx context.Context, inc *model.Incident) (*model.Incident, error)
	GetIncident(ctx context.Context, id int64) (*model.Incident, error)
	UpdateStatus(ctx context.Context, id int64, from, to model.IncidentStatus) error
	SetAssignment(ctx context.Context, id int64, hospitalID *int64, ambulanceID *string) error
	SetCandidates(ctx context.Context, id int64, candidates []model.CandidateHospital) error
	MarkAlertsSent(ctx context.Context, id int64, family, police bool) error
}
