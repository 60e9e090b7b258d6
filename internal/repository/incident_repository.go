package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rescuegrid/dispatch/internal/model"
)

var (
	// ErrIncidentNotFound means no incident exists with the given id.
	ErrIncidentNotFound = errors.New("incident not found")

	// ErrStatusConflict means a guarded status update found the incident in a
	// different status than expected; a concurrent transition won the race.
	ErrStatusConflict = errors.New("incident status changed concurrently")
)

// IncidentRepository is the PostgreSQL incident store. The dispatch
// coordinator owns all status mutations; the repository just persists them.
type IncidentRepository struct {
	pool *pgxpool.Pool
}

// NewIncidentRepository creates an incident repository backed by the given pool.
func NewIncidentRepository(pool *pgxpool.Pool) *IncidentRepository {
	return &IncidentRepository{pool: pool}
}

// CreateIncident inserts a newly reported incident.
func (r *IncidentRepository) CreateIncident(ctx context.Context, inc *model.Incident) (*model.Incident, error) {
	stored := *inc
	err := r.pool.QueryRow(ctx, `
		INSERT INTO incidents (
			type, description, lat, lng, emergency_level, status,
			caller_name, caller_phone
		) VALUES ($1, $2, $3, $4, $5, 'reported', $6, $7)
		RETURNING id, created_at, updated_at
	`, inc.Type, inc.Description, inc.Location.Lat, inc.Location.Lng,
		inc.Severity, inc.CallerName, inc.CallerPhone).
		Scan(&stored.ID, &stored.CreatedAt, &stored.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create incident: %w", err)
	}
	stored.Status = model.IncidentReported
	return &stored, nil
}

// GetIncident fetches one incident by id.
func (r *IncidentRepository) GetIncident(ctx context.Context, id int64) (*model.Incident, error) {
	inc := &model.Incident{}
	var candidates []byte
	err := r.pool.QueryRow(ctx, `
		SELECT id, type, description, lat, lng, emergency_level, status,
		       caller_name, caller_phone, assigned_ambulance_id, assigned_hospital_id,
		       nearest_hospitals_cache, alert_sent_family, alert_sent_police,
		       created_at, updated_at
		FROM incidents
		WHERE id = $1
	`, id).Scan(
		&inc.ID, &inc.Type, &inc.Description, &inc.Location.Lat, &inc.Location.Lng,
		&inc.Severity, &inc.Status, &inc.CallerName, &inc.CallerPhone,
		&inc.AssignedAmbulanceID, &inc.AssignedHospitalID, &candidates,
		&inc.AlertSentFamily, &inc.AlertSentPolice, &inc.CreatedAt, &inc.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrIncidentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get incident %d: %w", id, err)
	}
	if len(candidates) > 0 {
		if err := json.Unmarshal(candidates, &inc.NearestHospitals); err != nil {
			return nil, fmt.Errorf("get incident %d: decode candidates: %w", id, err)
		}
	}
	return inc, nil
}

// UpdateStatus persists a state-machine transition. The WHERE clause guards
// against concurrent transitions: the row is touched only while it still
// holds the expected source status.
func (r *IncidentRepository) UpdateStatus(ctx context.Context, id int64, from, to model.IncidentStatus) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE incidents SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2
	`, id, from, to)
	if err != nil {
		return fmt.Errorf("update incident %d status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		var current string
		err := r.pool.QueryRow(ctx, `SELECT status FROM incidents WHERE id = $1`, id).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrIncidentNotFound
		}
		if err != nil {
			return fmt.Errorf("update incident %d status: %w", id, err)
		}
		return fmt.Errorf("incident %d is %s, expected %s: %w", id, current, from, ErrStatusConflict)
	}
	return nil
}

// SetAssignment persists the hospital/ambulance assignment fields. Either
// pointer may be nil to clear the field.
func (r *IncidentRepository) SetAssignment(ctx context.Context, id int64, hospitalID *int64, ambulanceID *string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE incidents
		SET assigned_hospital_id = $2, assigned_ambulance_id = $3, updated_at = now()
		WHERE id = $1
	`, id, hospitalID, ambulanceID)
	if err != nil {
		return fmt.Errorf("set incident %d assignment: %w", id, err)
	}
	return nil
}

// SetCandidates caches the ranked candidate snapshot for operator visibility.
func (r *IncidentRepository) SetCandidates(ctx context.Context, id int64, candidates []model.CandidateHospital) error {
	payload, err := json.Marshal(candidates)
	if err != nil {
		return fmt.Errorf("set incident %d candidates: encode: %w", id, err)
	}
	_, err = r.pool.Exec(ctx, `
		UPDATE incidents SET nearest_hospitals_cache = $2, updated_at = now() WHERE id = $1
	`, id, payload)
	if err != nil {
		return fmt.Errorf("set incident %d candidates: %w", id, err)
	}
	return nil
}

// MarkAlertsSent records which alert kinds were requested for the incident.
func (r *IncidentRepository) MarkAlertsSent(ctx context.Context, id int64, family, police bool) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE incidents
		SET alert_sent_family = alert_sent_family OR $2,
		    alert_sent_police = alert_sent_police OR $3,
		    updated_at = now()
		WHERE id = $1
	`, id, family, police)
	if err != nil {
		return fmt.Errorf("mark incident %d alerts: %w", id, err)
	}
	return nil
}
