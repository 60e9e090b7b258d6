package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rescuegrid/dispatch/config"
	"github.com/rescuegrid/dispatch/internal/ledger"
	"github.com/rescuegrid/dispatch/internal/metrics"
	"github.com/rescuegrid/dispatch/internal/model"
	"github.com/rescuegrid/dispatch/pkg/geo"
)

// RankingService orders hospitals for an incident by a weighted blend of
// proximity and effective free capacity. Rankings are computed fresh per
// call; availability counts may be served from the ledger's short-TTL cache
// and are always revalidated by the reservation itself.
type RankingService struct {
	directory HospitalDirectory
	beds      ledger.Ledger
	cfg       config.DispatchConfig
	log       zerolog.Logger

	// in-flight assignment counts per hospital, for the load penalty
	mu       sync.Mutex
	inFlight map[int64]int
}

// NewRankingService creates a ranking engine over the given directory and ledger.
func NewRankingService(directory HospitalDirectory, beds ledger.Ledger, cfg config.DispatchConfig, log zerolog.Logger) *RankingService {
	return &RankingService{
		directory: directory,
		beds:      beds,
		cfg:       cfg,
		log:       log.With().Str("component", "ranking").Logger(),
		inFlight:  make(map[int64]int),
	}
}

// NoteAssignment records that an incident was routed to the hospital.
// Subsequent rankings penalize it in proportion to its handling time.
func (r *RankingService) NoteAssignment(hospitalID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inFlight[hospitalID]++
}

// NoteCompletion records that an incident routed to the hospital finished
// (resolved, cancelled or failed after assignment).
func (r *RankingService) NoteCompletion(hospitalID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight[hospitalID] > 0 {
		r.inFlight[hospitalID]--
	}
}

func (r *RankingService) loadPenalty(h *model.Hospital) float64 {
	r.mu.Lock()
	n := r.inFlight[h.ID]
	r.mu.Unlock()
	if n == 0 || h.AverageHandlingMinutes <= 0 {
		return 0
	}
	return float64(h.AverageHandlingMinutes) / 60.0 * float64(n)
}

// distanceWeight returns the severity-dependent weight pair. Distance
// dominates for critical incidents; free capacity dominates otherwise.
func (r *RankingService) distanceWeight(severity model.Severity) float64 {
	if severity == model.SeverityCritical {
		return r.cfg.CriticalDistanceWeight
	}
	return r.cfg.DefaultDistanceWeight
}

type scoredHospital struct {
	hospital  model.Hospital
	distance  float64
	available int
	effective float64
}

// Rank returns eligible hospitals for the incident, best first. Hospitals
// without coordinates or without a free bed of the type are excluded. The
// order is a strict total order: score ascending, hospital id as tie-break.
func (r *RankingService) Rank(ctx context.Context, loc model.Location, severity model.Severity, bedType model.BedType) ([]model.CandidateHospital, error) {
	start := time.Now()
	defer func() {
		metrics.RankingDuration.Observe(time.Since(start).Seconds())
	}()

	hospitals, err := r.directory.ListActiveHospitals(ctx)
	if err != nil {
		return nil, fmt.Errorf("ranking: list hospitals: %w", err)
	}

	scored := make([]scoredHospital, 0, len(hospitals))
	for i := range hospitals {
		h := hospitals[i]
		if h.Location == nil {
			continue
		}
		avail, err := r.beds.AvailableCount(ctx, h.ID, bedType)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			// one broken count must not sink the whole ranking
			r.log.Warn().Err(err).Int64("hospital_id", h.ID).Msg("availability count failed, hospital skipped")
			continue
		}
		if avail <= 0 {
			continue
		}
		eff := float64(avail) - r.loadPenalty(&h)
		if eff < 0 {
			eff = 0
		}
		scored = append(scored, scoredHospital{
			hospital:  h,
			distance:  geo.HaversineKm(loc, *h.Location),
			available: avail,
			effective: eff,
		})
	}
	if len(scored) == 0 {
		return nil, ErrNoCandidateHospitals
	}

	var maxDist, maxEff float64
	for _, s := range scored {
		if s.distance > maxDist {
			maxDist = s.distance
		}
		if s.effective > maxEff {
			maxEff = s.effective
		}
	}

	wd := r.distanceWeight(severity)
	wc := 1 - wd
	out := make([]model.CandidateHospital, 0, len(scored))
	for _, s := range scored {
		var distNorm, capNorm float64
		if maxDist > 0 {
			distNorm = s.distance / maxDist
		}
		if maxEff > 0 {
			capNorm = s.effective / maxEff
		}
		out = append(out, model.CandidateHospital{
			HospitalID:    s.hospital.ID,
			Name:          s.hospital.Name,
			DistanceKm:    s.distance,
			AvailableBeds: s.available,
			Score:         wd*distNorm + wc*(1-capNorm),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].HospitalID < out[j].HospitalID
	})
	return out, nil
}
