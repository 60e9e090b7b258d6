package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rescuegrid/dispatch/internal/model"
)

// Memory is the in-memory bed ledger, used in development mode and tests.
//
// Locking is per hospital: each hospital's beds live in their own shard with
// a dedicated mutex, so reservations against different hospitals never
// contend. The outer RWMutex only guards the shard map itself.
type Memory struct {
	mu     sync.RWMutex
	shards map[int64]*shard

	nextBedID int64

	// Now is the clock; overridable in tests.
	Now func() time.Time
}

type shard struct {
	mu   sync.Mutex
	beds map[int64]*model.Bed
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		shards: make(map[int64]*shard),
		Now:    time.Now,
	}
}

func (m *Memory) shardFor(hospitalID int64) *shard {
	m.mu.RLock()
	s, ok := m.shards[hospitalID]
	m.mu.RUnlock()
	if ok {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok = m.shards[hospitalID]; ok {
		return s
	}
	s = &shard{beds: make(map[int64]*model.Bed)}
	m.shards[hospitalID] = s
	return s
}

// Reserve implements Ledger. The shard mutex makes select-and-mark atomic:
// concurrent attempts for the same hospital serialize, so at most one caller
// can take any given bed.
func (m *Memory) Reserve(
	ctx context.Context,
	hospitalID int64,
	bedType model.BedType,
	incidentID int64,
	severity model.Severity,
	ttl time.Duration,
) (*Reservation, error) {
	s := m.shardFor(hospitalID)
	s.mu.Lock()
	defer s.mu.Unlock()

	var eligible []*model.Bed
	for _, bed := range s.beds {
		if bed.State.Status == model.BedReserved && bed.State.ReservedIncidentID != nil &&
			*bed.State.ReservedIncidentID == incidentID {
			return nil, ErrAlreadyReserved
		}
		if bed.Type != bedType || bed.State.Status != model.BedFree {
			continue
		}
		if !eligibleSeverity(bed.SeverityLevel, severity) {
			continue
		}
		eligible = append(eligible, bed)
	}
	if len(eligible) == 0 {
		return nil, ErrNoBedsAvailable
	}

	// Deterministic tie-break: lowest bed number.
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].BedNumber < eligible[j].BedNumber
	})

	bed := eligible[0]
	expiry := m.Now().Add(ttl)
	bed.State = model.ReservedState(incidentID, expiry)
	bed.UpdatedAt = m.Now()

	return &Reservation{
		BedID:      bed.ID,
		HospitalID: hospitalID,
		BedNumber:  bed.BedNumber,
		BedType:    bed.Type,
		IncidentID: incidentID,
		Expiry:     expiry,
	}, nil
}

// Confirm implements Ledger. An expired hold is reclaimed on the spot (the
// same outcome a sweep would have produced) and reported as expired.
func (m *Memory) Confirm(ctx context.Context, res *Reservation) error {
	s := m.shardFor(res.HospitalID)
	s.mu.Lock()
	defer s.mu.Unlock()

	bed, ok := s.beds[res.BedID]
	if !ok {
		return ErrReservationNotFound
	}
	if bed.State.Status != model.BedReserved || bed.State.ReservedIncidentID == nil ||
		*bed.State.ReservedIncidentID != res.IncidentID {
		return ErrReservationNotFound
	}
	if m.Now().After(*bed.State.ReservedExpiry) {
		bed.State = model.FreeState()
		bed.UpdatedAt = m.Now()
		return ErrReservationExpired
	}

	bed.State = model.OccupiedState()
	bed.UpdatedAt = m.Now()
	return nil
}

// Release implements Ledger. Only the holding incident's reservation is
// cleared; anything else is treated as already released.
func (m *Memory) Release(ctx context.Context, res *Reservation) error {
	s := m.shardFor(res.HospitalID)
	s.mu.Lock()
	defer s.mu.Unlock()

	bed, ok := s.beds[res.BedID]
	if !ok {
		return nil
	}
	if bed.State.Status == model.BedReserved && bed.State.ReservedIncidentID != nil &&
		*bed.State.ReservedIncidentID == res.IncidentID {
		bed.State = model.FreeState()
		bed.UpdatedAt = m.Now()
	}
	return nil
}

// SweepExpired implements Ledger. Takes each shard's mutex in turn, the
// same lock Confirm uses, so a sweep can never free a bed mid-confirm.
func (m *Memory) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	m.mu.RLock()
	shards := make([]*shard, 0, len(m.shards))
	for _, s := range m.shards {
		shards = append(shards, s)
	}
	m.mu.RUnlock()

	released := 0
	for _, s := range shards {
		s.mu.Lock()
		for _, bed := range s.beds {
			if bed.State.Status == model.BedReserved && now.After(*bed.State.ReservedExpiry) {
				bed.State = model.FreeState()
				bed.UpdatedAt = now
				released++
			}
		}
		s.mu.Unlock()
	}
	return released, nil
}

// AvailableCount implements Ledger.
func (m *Memory) AvailableCount(ctx context.Context, hospitalID int64, bedType model.BedType) (int, error) {
	s := m.shardFor(hospitalID)
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, bed := range s.beds {
		if bed.Type == bedType && bed.State.Status == model.BedFree {
			count++
		}
	}
	return count, nil
}

// BedStats implements Ledger.
func (m *Memory) BedStats(ctx context.Context, hospitalID int64) (map[model.BedType]model.BedTypeStats, error) {
	s := m.shardFor(hospitalID)
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make(map[model.BedType]model.BedTypeStats, len(model.AllBedTypes))
	for _, t := range model.AllBedTypes {
		stats[t] = model.BedTypeStats{}
	}
	for _, bed := range s.beds {
		st := stats[bed.Type]
		st.Total++
		switch bed.State.Status {
		case model.BedOccupied:
			st.Occupied++
		case model.BedReserved:
			st.Reserved++
		default:
			st.Available++
		}
		stats[bed.Type] = st
	}
	return stats, nil
}

// AddBed implements Ledger.
func (m *Memory) AddBed(ctx context.Context, bed *model.Bed) (*model.Bed, error) {
	s := m.shardFor(bed.HospitalID)
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.beds {
		if existing.BedNumber == bed.BedNumber {
			return nil, ErrDuplicateBedNumber
		}
	}

	m.mu.Lock()
	m.nextBedID++
	id := m.nextBedID
	m.mu.Unlock()

	now := m.Now()
	stored := *bed
	stored.ID = id
	stored.State = model.FreeState()
	if stored.SeverityLevel == "" {
		stored.SeverityLevel = model.SeverityMedium
	}
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.beds[id] = &stored

	out := stored
	return &out, nil
}

// ListBeds implements Ledger.
func (m *Memory) ListBeds(ctx context.Context, hospitalID int64) ([]model.Bed, error) {
	s := m.shardFor(hospitalID)
	s.mu.Lock()
	defer s.mu.Unlock()

	beds := make([]model.Bed, 0, len(s.beds))
	for _, bed := range s.beds {
		beds = append(beds, *bed)
	}
	sort.Slice(beds, func(i, j int) bool {
		if beds[i].Type != beds[j].Type {
			return beds[i].Type < beds[j].Type
		}
		return beds[i].BedNumber < beds[j].BedNumber
	})
	return beds, nil
}
