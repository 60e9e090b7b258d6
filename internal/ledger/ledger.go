// Package ledger implements the bed ledger: per-hospital bed inventory with
// occupancy and time-bounded incident reservations.
//
// The ledger is the consistency-critical store of the dispatch system. All
// implementations guarantee that Reserve, Confirm, Release and SweepExpired
// are linearizable with respect to each other for the same bed: two
// concurrent reservation attempts for one bed never both succeed, and a
// sweep never races an in-flight confirm.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/rescuegrid/dispatch/internal/model"
)

// ─── Errors ─────────────────────────────────────────────────

var (
	// ErrNoBedsAvailable means no free bed of the requested type exists in
	// the hospital. A normal, retriable outcome: the caller advances to the
	// next ranked hospital.
	ErrNoBedsAvailable = errors.New("no beds available for requested type")

	// ErrAlreadyReserved means the incident already holds an active
	// reservation in this hospital.
	ErrAlreadyReserved = errors.New("incident already holds a reservation in this hospital")

	// ErrReservationExpired means the reservation TTL elapsed before confirm.
	// The caller must re-run ranking and reservation.
	ErrReservationExpired = errors.New("reservation has expired")

	// ErrReservationNotFound means the reservation no longer exists: it was
	// released, swept, or the bed has since been taken by another incident.
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrDuplicateBedNumber means the bed number is already taken in the hospital.
	ErrDuplicateBedNumber = errors.New("bed number already exists in hospital")

	// ErrBedNotFound means no such bed exists.
	ErrBedNotFound = errors.New("bed not found")
)

// ─── Reservation handle ─────────────────────────────────────

// Reservation is the handle returned by Reserve and redeemed by Confirm or
// Release. It identifies one bed held for one incident until Expiry.
type Reservation struct {
	BedID      int64         `json:"bed_id"`
	HospitalID int64         `json:"hospital_id"`
	BedNumber  string        `json:"bed_number"`
	BedType    model.BedType `json:"bed_type"`
	IncidentID int64         `json:"incident_id"`
	Expiry     time.Time     `json:"expiry"`
}

// ─── Ledger contract ────────────────────────────────────────

// Ledger is the bed ledger contract shared by the in-memory store and the
// PostgreSQL repository.
type Ledger interface {
	// Reserve atomically selects one free bed of the given type in the
	// hospital and holds it for the incident until now+ttl. Eligible beds
	// are tie-broken by lowest bed number. Critical-severity incidents only
	// take beds rated high or critical.
	Reserve(ctx context.Context, hospitalID int64, bedType model.BedType, incidentID int64, severity model.Severity, ttl time.Duration) (*Reservation, error)

	// Confirm transitions a held reservation into an occupied bed, clearing
	// the reservation fields. Fails with ErrReservationExpired past the TTL
	// and ErrReservationNotFound if the hold is gone.
	Confirm(ctx context.Context, res *Reservation) error

	// Release returns a held bed to the free pool. Idempotent: releasing a
	// reservation that no longer exists is not an error.
	Release(ctx context.Context, res *Reservation) error

	// SweepExpired reclaims every reservation whose expiry has passed,
	// returning the number of beds freed. Runs on the same exclusion path
	// as Confirm.
	SweepExpired(ctx context.Context, now time.Time) (int, error)

	// AvailableCount returns the number of free beds of the type in the
	// hospital. Reads may be served from a short-TTL cache; reservation
	// revalidates against live state.
	AvailableCount(ctx context.Context, hospitalID int64, bedType model.BedType) (int, error)

	// BedStats returns total/occupied/reserved/available per bed type.
	BedStats(ctx context.Context, hospitalID int64) (map[model.BedType]model.BedTypeStats, error)

	// AddBed registers a new free bed in the hospital inventory.
	AddBed(ctx context.Context, bed *model.Bed) (*model.Bed, error)

	// ListBeds returns the hospital's beds ordered by type then bed number.
	ListBeds(ctx context.Context, hospitalID int64) ([]model.Bed, error)
}

// eligibleSeverity reports whether a bed's acuity rating admits an incident
// of the given severity. Critical incidents require high- or critical-rated
// beds; everything else takes any bed.
func eligibleSeverity(bedLevel model.Severity, incident model.Severity) bool {
	if incident != model.SeverityCritical {
		return true
	}
	return bedLevel.Rank() >= model.SeverityHigh.Rank()
}
