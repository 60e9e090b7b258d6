// Package model contains domain models for the emergency dispatch system.
// These structs map to the PostgreSQL schema defined in migrations/001_create_schema.up.sql.
package model

import "time"

// ─── Enums ──────────────────────────────────────────────────

// BedType classifies a hospital bed.
type BedType string

const (
	BedGeneral   BedType = "general"
	BedICU       BedType = "icu"
	BedEmergency BedType = "emergency"
	BedPediatric BedType = "pediatric"
	BedPrivate   BedType = "private"
)

// ValidBedType reports whether s is a known bed type.
func ValidBedType(s string) bool {
	switch BedType(s) {
	case BedGeneral, BedICU, BedEmergency, BedPediatric, BedPrivate:
		return true
	}
	return false
}

// Severity is the emergency level of an incident or the acuity rating of a bed.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ValidSeverity reports whether s is a known severity level.
func ValidSeverity(s string) bool {
	switch Severity(s) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Rank orders severities from low (0) to critical (3).
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	}
	return -1
}

// IncidentStatus tracks an incident through the dispatch state machine.
// Transitions are monotonic forward, except that any non-terminal state
// may move to cancelled.
type IncidentStatus string

const (
	IncidentReported          IncidentStatus = "reported"
	IncidentRanking           IncidentStatus = "ranking"
	IncidentReserving         IncidentStatus = "reserving"
	IncidentConfirmed         IncidentStatus = "confirmed"
	IncidentAmbulanceAssigned IncidentStatus = "ambulance_assigned"
	IncidentResolved          IncidentStatus = "resolved"
	IncidentCancelled         IncidentStatus = "cancelled"
	IncidentFailedNoCapacity  IncidentStatus = "failed_no_capacity"
	IncidentFailedNoAmbulance IncidentStatus = "failed_no_ambulance"
)

// Terminal reports whether the status admits no further transitions.
func (s IncidentStatus) Terminal() bool {
	switch s {
	case IncidentResolved, IncidentCancelled, IncidentFailedNoCapacity, IncidentFailedNoAmbulance:
		return true
	}
	return false
}

// ─── Location ───────────────────────────────────────────────

// Location represents a WGS-84 geographic point (EPSG:4326).
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the coordinates are inside WGS-84 bounds.
func (l Location) Valid() bool {
	return l.Lat >= -90 && l.Lat <= 90 && l.Lng >= -180 && l.Lng <= 180
}

// ─── Domain Models ──────────────────────────────────────────

// Hospital is a tenant: the unit of data isolation. Maps to the `hospitals` table.
// Location is either fully present or nil; lat/lng never appear alone.
type Hospital struct {
	ID                     int64     `json:"id"`
	Name                   string    `json:"name"`
	Address                string    `json:"address"`
	Phone                  string    `json:"phone"`
	Email                  string    `json:"email"`
	Location               *Location `json:"location,omitempty"`
	AverageHandlingMinutes int       `json:"average_handling_minutes"`
	AlertFamilyEnabled     bool      `json:"alert_family_enabled"`
	AlertPoliceEnabled     bool      `json:"alert_police_enabled"`
	IsActive               bool      `json:"is_active"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// BedStatus is the discriminant of the bed state variant.
type BedStatus string

const (
	BedFree     BedStatus = "free"
	BedReserved BedStatus = "reserved"
	BedOccupied BedStatus = "occupied"
)

// BedState is a tagged variant: Free | Reserved{incident, expiry} | Occupied.
// Reservation fields are meaningful only when Status == BedReserved, which
// makes "occupied and reserved for another incident" unrepresentable.
type BedState struct {
	Status             BedStatus  `json:"status"`
	ReservedIncidentID *int64     `json:"reserved_incident_id,omitempty"`
	ReservedExpiry     *time.Time `json:"reserved_expiry_time,omitempty"`
}

// FreeState returns the Free variant.
func FreeState() BedState { return BedState{Status: BedFree} }

// ReservedState returns the Reserved variant holding incidentID until expiry.
func ReservedState(incidentID int64, expiry time.Time) BedState {
	return BedState{Status: BedReserved, ReservedIncidentID: &incidentID, ReservedExpiry: &expiry}
}

// OccupiedState returns the Occupied variant.
func OccupiedState() BedState { return BedState{Status: BedOccupied} }

// Bed maps to the `beds` table. BedNumber is unique within a hospital.
type Bed struct {
	ID            int64     `json:"id"`
	HospitalID    int64     `json:"hospital_id"`
	BedNumber     string    `json:"bed_number"`
	Type          BedType   `json:"bed_type"`
	SeverityLevel Severity  `json:"severity_level"`
	State         BedState  `json:"state"`
	Notes         string    `json:"notes,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Incident maps to the `incidents` table.
// AssignedHospitalID is set only after a successful bed reservation.
type Incident struct {
	ID                  int64               `json:"id"`
	Type                string              `json:"type"`
	Description         string              `json:"description,omitempty"`
	Location            Location            `json:"location"`
	Severity            Severity            `json:"emergency_level"`
	Status              IncidentStatus      `json:"status"`
	CallerName          string              `json:"caller_name,omitempty"`
	CallerPhone         string              `json:"caller_phone,omitempty"`
	AssignedAmbulanceID *string             `json:"assigned_ambulance_id,omitempty"`
	AssignedHospitalID  *int64              `json:"assigned_hospital_id,omitempty"`
	NearestHospitals    []CandidateHospital `json:"nearest_hospitals_cache,omitempty"`
	AlertSentFamily     bool                `json:"alert_sent_family"`
	AlertSentPolice     bool                `json:"alert_sent_police"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

// Ambulance holds live telemetry for one vehicle.
// Available is false for the whole time the unit holds an incident assignment.
type Ambulance struct {
	ID                string     `json:"ambulance_id"`
	DriverName        string     `json:"driver_name,omitempty"`
	DriverPhone       string     `json:"driver_phone,omitempty"`
	Location          *Location  `json:"current_location,omitempty"`
	Destination       *Location  `json:"destination,omitempty"`
	SpeedKmph         float64    `json:"speed"`
	FuelLevel         float64    `json:"fuel_level"`
	BatteryLevel      float64    `json:"device_battery"`
	Available         bool       `json:"is_available"`
	IncidentID        *int64     `json:"incident_id,omitempty"`
	DistanceToPatient float64    `json:"distance_to_patient,omitempty"`
	DistanceToHosp    float64    `json:"distance_to_hospital,omitempty"`
	ETAPatient        *time.Time `json:"eta_patient,omitempty"`
	ETAHospital       *time.Time `json:"eta_hospital,omitempty"`
	LastPing          time.Time  `json:"last_ping_time"`
}

// ─── Ranking-specific DTOs ──────────────────────────────────

// CandidateHospital is a ranked, eligible dispatch target. Snapshots of the
// ranked list are cached on the incident for operator visibility; the live
// bed state is always revalidated at reservation time.
type CandidateHospital struct {
	HospitalID    int64   `json:"hospital_id"`
	Name          string  `json:"name"`
	DistanceKm    float64 `json:"distance_km"`
	AvailableBeds int     `json:"available_beds"`
	Score         float64 `json:"score"`
}

// BedTypeStats summarizes one bed type inside a hospital.
type BedTypeStats struct {
	Total     int `json:"total"`
	Occupied  int `json:"occupied"`
	Reserved  int `json:"reserved"`
	Available int `json:"available"`
}

// AllBedTypes lists every bed type in stable order, for stats reporting.
var AllBedTypes = []BedType{BedGeneral, BedICU, BedEmergency, BedPediatric, BedPrivate}
