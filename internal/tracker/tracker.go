// Package tracker maintains live ambulance telemetry and answers
// nearest-available queries for the dispatch coordinator.
//
// Telemetry is ephemeral: units repopulate the registry with every ping, so
// the tracker keeps everything in memory behind a single RWMutex. Selection
// excludes units whose last ping is older than the staleness threshold:
// a silent transponder is treated as offline even if flagged available.
package tracker

import (
	"errors"
	"sync"
	"time"

	"github.com/rescuegrid/dispatch/internal/model"
	"github.com/rescuegrid/dispatch/pkg/geo"
)

var (
	// ErrNoAmbulanceAvailable means no available unit with fresh telemetry
	// exists. Retriable with backoff.
	ErrNoAmbulanceAvailable = errors.New("no ambulance available")

	// ErrAmbulanceNotFound means the unit id is unknown.
	ErrAmbulanceNotFound = errors.New("ambulance not found")

	// ErrUnitUnavailable means the unit is already bound to an incident.
	// Selection and binding are separate steps, so two dispatches can pick
	// the same unit; the second binding attempt loses and retries.
	ErrUnitUnavailable = errors.New("ambulance already assigned")
)

// Tracker is the in-memory ambulance registry.
type Tracker struct {
	mu         sync.RWMutex
	units      map[string]*model.Ambulance
	staleAfter time.Duration

	// Now is the clock; overridable in tests.
	Now func() time.Time
}

// New creates a tracker that treats telemetry older than staleAfter as offline.
func New(staleAfter time.Duration) *Tracker {
	return &Tracker{
		units:      make(map[string]*model.Ambulance),
		staleAfter: staleAfter,
		Now:        time.Now,
	}
}

// Telemetry is one ingested ping.
type Telemetry struct {
	AmbulanceID  string         `json:"ambulance_id"`
	Location     model.Location `json:"location"`
	SpeedKmph    float64        `json:"speed"`
	FuelLevel    float64        `json:"fuel_level"`
	BatteryLevel float64        `json:"device_battery"`
	At           time.Time      `json:"timestamp"`
}

// UpdateTelemetry applies a ping, registering the unit on first contact.
// New units start available.
func (t *Tracker) UpdateTelemetry(ping Telemetry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	at := ping.At
	if at.IsZero() {
		at = t.Now()
	}

	unit, ok := t.units[ping.AmbulanceID]
	if !ok {
		unit = &model.Ambulance{ID: ping.AmbulanceID, Available: true}
		t.units[ping.AmbulanceID] = unit
	}
	loc := ping.Location
	unit.Location = &loc
	unit.SpeedKmph = ping.SpeedKmph
	unit.FuelLevel = ping.FuelLevel
	unit.BatteryLevel = ping.BatteryLevel
	unit.LastPing = at
}

// NearestAvailable returns the closest available unit with fresh telemetry.
func (t *Tracker) NearestAvailable(loc model.Location) (*model.Ambulance, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.Now()
	var (
		best     *model.Ambulance
		bestDist float64
	)
	for _, unit := range t.units {
		if !unit.Available || unit.Location == nil {
			continue
		}
		if now.Sub(unit.LastPing) > t.staleAfter {
			continue
		}
		d := geo.HaversineKm(loc, *unit.Location)
		if best == nil || d < bestDist || (d == bestDist && unit.ID < best.ID) {
			best = unit
			bestDist = d
		}
	}
	if best == nil {
		return nil, ErrNoAmbulanceAvailable
	}
	out := *best
	out.DistanceToPatient = bestDist
	return &out, nil
}

// MarkUnavailable binds the unit to an incident and computes its distance
// and ETA to the patient and the destination hospital. Only a free unit can
// be bound: a unit another dispatch took first reports ErrUnitUnavailable.
func (t *Tracker) MarkUnavailable(id string, incidentID int64, patient model.Location, hospital *model.Location) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	unit, ok := t.units[id]
	if !ok {
		return ErrAmbulanceNotFound
	}
	if !unit.Available {
		return ErrUnitUnavailable
	}
	unit.Available = false
	unit.IncidentID = &incidentID
	if unit.Location != nil {
		now := t.Now()
		unit.DistanceToPatient = geo.HaversineKm(*unit.Location, patient)
		etaP := geo.ETA(now, *unit.Location, patient)
		unit.ETAPatient = &etaP
		if hospital != nil {
			dest := *hospital
			unit.Destination = &dest
			unit.DistanceToHosp = geo.HaversineKm(patient, dest)
			etaH := geo.ETA(etaP, patient, dest)
			unit.ETAHospital = &etaH
		}
	}
	return nil
}

// MarkAvailable releases the unit back into the selectable pool.
// Idempotent: releasing a free unit is a no-op.
func (t *Tracker) MarkAvailable(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	unit, ok := t.units[id]
	if !ok {
		return ErrAmbulanceNotFound
	}
	unit.Available = true
	unit.IncidentID = nil
	unit.Destination = nil
	unit.ETAPatient = nil
	unit.ETAHospital = nil
	unit.DistanceToPatient = 0
	unit.DistanceToHosp = 0
	return nil
}

// Get returns a snapshot of one unit.
func (t *Tracker) Get(id string) (*model.Ambulance, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	unit, ok := t.units[id]
	if !ok {
		return nil, ErrAmbulanceNotFound
	}
	out := *unit
	return &out, nil
}

// List returns a snapshot of every registered unit.
func (t *Tracker) List() []model.Ambulance {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]model.Ambulance, 0, len(t.units))
	for _, unit := range t.units {
		out = append(out, *unit)
	}
	return out
}
