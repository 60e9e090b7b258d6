package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rescuegrid/dispatch/internal/model"
)

// ErrHospitalNotFound means no hospital exists with the given id.
var ErrHospitalNotFound = errors.New("hospital not found")

// HospitalRepository is the PostgreSQL tenant directory. Hospitals are
// read-mostly: created and edited by admins, read by ranking and dispatch.
type HospitalRepository struct {
	pool *pgxpool.Pool
}

// NewHospitalRepository creates a hospital repository backed by the given pool.
func NewHospitalRepository(pool *pgxpool.Pool) *HospitalRepository {
	return &HospitalRepository{pool: pool}
}

const hospitalColumns = `
	id, name, address, phone, email, lat, lng,
	average_handling_minutes, alert_family_enabled, alert_police_enabled,
	is_active, created_at, updated_at`

func scanHospital(row pgx.Row) (*model.Hospital, error) {
	h := &model.Hospital{}
	var lat, lng *float64
	err := row.Scan(
		&h.ID, &h.Name, &h.Address, &h.Phone, &h.Email, &lat, &lng,
		&h.AverageHandlingMinutes, &h.AlertFamilyEnabled, &h.AlertPoliceEnabled,
		&h.IsActive, &h.CreatedAt, &h.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	// Schema enforces lat/lng both-or-neither.
	if lat != nil && lng != nil {
		h.Location = &model.Location{Lat: *lat, Lng: *lng}
	}
	return h, nil
}

// GetHospital fetches one hospital by id.
func (r *HospitalRepository) GetHospital(ctx context.Context, id int64) (*model.Hospital, error) {
	h, err := scanHospital(r.pool.QueryRow(ctx,
		`SELECT `+hospitalColumns+` FROM hospitals WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrHospitalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get hospital %d: %w", id, err)
	}
	return h, nil
}

// ListActiveHospitals returns every active hospital, id ascending.
func (r *HospitalRepository) ListActiveHospitals(ctx context.Context) ([]model.Hospital, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+hospitalColumns+` FROM hospitals WHERE is_active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list active hospitals: %w", err)
	}
	defer rows.Close()

	var hospitals []model.Hospital
	for rows.Next() {
		h, err := scanHospital(rows)
		if err != nil {
			return nil, fmt.Errorf("list active hospitals: scan: %w", err)
		}
		hospitals = append(hospitals, *h)
	}
	return hospitals, rows.Err()
}

// CreateHospital inserts a new tenant. Location is optional but always
// complete when present.
func (r *HospitalRepository) CreateHospital(ctx context.Context, h *model.Hospital) (*model.Hospital, error) {
	var lat, lng *float64
	if h.Location != nil {
		lat, lng = &h.Location.Lat, &h.Location.Lng
	}
	stored := *h
	err := r.pool.QueryRow(ctx, `
		INSERT INTO hospitals (
			name, address, phone, email, lat, lng,
			average_handling_minutes, alert_family_enabled, alert_police_enabled, is_active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE)
		RETURNING id, created_at, updated_at
	`, h.Name, h.Address, h.Phone, h.Email, lat, lng,
		h.AverageHandlingMinutes, h.AlertFamilyEnabled, h.AlertPoliceEnabled).
		Scan(&stored.ID, &stored.CreatedAt, &stored.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create hospital: %w", err)
	}
	stored.IsActive = true
	return &stored, nil
}
