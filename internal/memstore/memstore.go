// Package memstore provides in-memory implementations of the tenant
// directory and incident store, used in development mode and tests. They
// mirror the semantics of the PostgreSQL repositories.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rescuegrid/dispatch/internal/model"
	"github.com/rescuegrid/dispatch/internal/repository"
)

// ─── Hospital directory ─────────────────────────────────────

// HospitalDirectory is an in-memory tenant directory.
type HospitalDirectory struct {
	mu        sync.RWMutex
	hospitals map[int64]*model.Hospital
	nextID    int64
}

// NewHospitalDirectory creates an empty directory.
func NewHospitalDirectory() *HospitalDirectory {
	return &HospitalDirectory{hospitals: make(map[int64]*model.Hospital)}
}

// GetHospital fetches one hospital by id.
func (d *HospitalDirectory) GetHospital(ctx context.Context, id int64) (*model.Hospital, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.hospitals[id]
	if !ok {
		return nil, repository.ErrHospitalNotFound
	}
	out := *h
	return &out, nil
}

// ListActiveHospitals returns every active hospital, id ascending.
func (d *HospitalDirectory) ListActiveHospitals(ctx context.Context) ([]model.Hospital, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]model.Hospital, 0, len(d.hospitals))
	for _, h := range d.hospitals {
		if h.IsActive {
			out = append(out, *h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateHospital registers a new tenant.
func (d *HospitalDirectory) CreateHospital(ctx context.Context, h *model.Hospital) (*model.Hospital, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	now := time.Now()
	stored := *h
	stored.ID = d.nextID
	stored.IsActive = true
	stored.CreatedAt = now
	stored.UpdatedAt = now
	d.hospitals[stored.ID] = &stored
	out := stored
	return &out, nil
}

// ─── Incident store ─────────────────────────────────────────

// IncidentStore is an in-memory incident store.
type IncidentStore struct {
	mu        sync.RWMutex
	incidents map[int64]*model.Incident
	nextID    int64
}

// NewIncidentStore creates an empty store.
func NewIncidentStore() *IncidentStore {
	return &IncidentStore{incidents: make(map[int64]*model.Incident)}
}

// CreateIncident inserts a newly reported incident.
func (s *IncidentStore) CreateIncident(ctx context.Context, inc *model.Incident) (*model.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	now := time.Now()
	stored := *inc
	stored.ID = s.nextID
	stored.Status = model.IncidentReported
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.incidents[stored.ID] = &stored
	out := stored
	return &out, nil
}

// GetIncident fetches one incident by id.
func (s *IncidentStore) GetIncident(ctx context.Context, id int64) (*model.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, repository.ErrIncidentNotFound
	}
	out := *inc
	return &out, nil
}

// UpdateStatus persists a state-machine transition, guarded the same way the
// SQL store guards it: the write applies only while the stored status still
// matches from.
func (s *IncidentStore) UpdateStatus(ctx context.Context, id int64, from, to model.IncidentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[id]
	if !ok {
		return repository.ErrIncidentNotFound
	}
	if inc.Status != from {
		return fmt.Errorf("incident %d is %s, expected %s: %w", id, inc.Status, from, repository.ErrStatusConflict)
	}
	inc.Status = to
	inc.UpdatedAt = time.Now()
	return nil
}

// SetAssignment persists the hospital/ambulance assignment fields.
func (s *IncidentStore) SetAssignment(ctx context.Context, id int64, hospitalID *int64, ambulanceID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[id]
	if !ok {
		return repository.ErrIncidentNotFound
	}
	inc.AssignedHospitalID = hospitalID
	inc.AssignedAmbulanceID = ambulanceID
	inc.UpdatedAt = time.Now()
	return nil
}

// SetCandidates caches the ranked candidate snapshot.
func (s *IncidentStore) SetCandidates(ctx context.Context, id int64, candidates []model.CandidateHospital) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[id]
	if !ok {
		return repository.ErrIncidentNotFound
	}
	inc.NearestHospitals = append([]model.CandidateHospital(nil), candidates...)
	inc.UpdatedAt = time.Now()
	return nil
}

// MarkAlertsSent records which alert kinds were requested.
func (s *IncidentStore) MarkAlertsSent(ctx context.Context, id int64, family, police bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[id]
	if !ok {
		return repository.ErrIncidentNotFound
	}
	inc.AlertSentFamily = inc.AlertSentFamily || family
	inc.AlertSentPolice = inc.AlertSentPolice || police
	inc.UpdatedAt = time.Now()
	return nil
}
