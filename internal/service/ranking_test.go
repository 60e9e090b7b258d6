package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/rescuegrid/dispatch/config"
	"github.com/rescuegrid/dispatch/internal/ledger"
	"github.com/rescuegrid/dispatch/internal/memstore"
	"github.com/rescuegrid/dispatch/internal/model"
)

var testDispatchConfig = config.DispatchConfig{
	StoreBackend:           "memory",
	ReservationTTL:         10 * time.Minute,
	SweepInterval:          time.Minute,
	TelemetryStaleAfter:    10 * time.Minute,
	CriticalDistanceWeight: 0.7,
	DefaultDistanceWeight:  0.3,
	AmbulanceRetryAttempts: 2,
	AmbulanceRetryInitial:  time.Millisecond,
	AmbulanceRetryMax:      5 * time.Millisecond,
}

func addHospital(t *testing.T, dir *memstore.HospitalDirectory, name string, loc *model.Location, avgHandling int) *model.Hospital {
	t.Helper()
	h, err := dir.CreateHospital(context.Background(), &model.Hospital{
		Name:                   name,
		Location:               loc,
		AverageHandlingMinutes: avgHandling,
	})
	require.NoError(t, err)
	return h
}

func addBeds(t *testing.T, beds ledger.Ledger, hospitalID int64, bedType model.BedType, level model.Severity, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		_, err := beds.AddBed(context.Background(), &model.Bed{
			HospitalID:    hospitalID,
			BedNumber:     fmt.Sprintf("%03d", i),
			Type:          bedType,
			SeverityLevel: level,
		})
		require.NoError(t, err)
	}
}

func TestRankExcludesUnusableHospitals(t *testing.T) {
	dir := memstore.NewHospitalDirectory()
	beds := ledger.NewMemory()
	ranker := NewRankingService(dir, beds, testDispatchConfig, zerolog.Nop())

	usable := addHospital(t, dir, "City General", &model.Location{Lat: 12.98, Lng: 77.59}, 30)
	addBeds(t, beds, usable.ID, model.BedGeneral, model.SeverityMedium, 2)

	// no coordinates: listable but never ranked
	hidden := addHospital(t, dir, "Unmapped Clinic", nil, 30)
	addBeds(t, beds, hidden.ID, model.BedGeneral, model.SeverityMedium, 5)

	// coordinates but no free bed of the type
	addHospital(t, dir, "Full House", &model.Location{Lat: 12.96, Lng: 77.58}, 30)

	out, err := ranker.Rank(context.Background(), model.Location{Lat: 12.97, Lng: 77.59}, model.SeverityMedium, model.BedGeneral)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, usable.ID, out[0].HospitalID)
	require.Equal(t, 2, out[0].AvailableBeds)
}

func TestRankNoCandidates(t *testing.T) {
	dir := memstore.NewHospitalDirectory()
	beds := ledger.NewMemory()
	ranker := NewRankingService(dir, beds, testDispatchConfig, zerolog.Nop())

	_, err := ranker.Rank(context.Background(), model.Location{Lat: 12.97, Lng: 77.59}, model.SeverityMedium, model.BedGeneral)
	require.ErrorIs(t, err, ErrNoCandidateHospitals)
}

func TestRankWeightsFollowSeverity(t *testing.T) {
	dir := memstore.NewHospitalDirectory()
	beds := ledger.NewMemory()
	ranker := NewRankingService(dir, beds, testDispatchConfig, zerolog.Nop())

	near := addHospital(t, dir, "Near Small", &model.Location{Lat: 12.98, Lng: 77.59}, 30)
	addBeds(t, beds, near.ID, model.BedGeneral, model.SeverityHigh, 1)

	far := addHospital(t, dir, "Far Large", &model.Location{Lat: 13.10, Lng: 77.59}, 30)
	addBeds(t, beds, far.ID, model.BedGeneral, model.SeverityHigh, 10)

	patient := model.Location{Lat: 12.97, Lng: 77.59}

	// critical: distance dominates, the near hospital wins despite one bed
	out, err := ranker.Rank(context.Background(), patient, model.SeverityCritical, model.BedGeneral)
	require.NoError(t, err)
	require.Equal(t, near.ID, out[0].HospitalID)

	// medium: capacity dominates, the large hospital wins despite distance
	out, err = ranker.Rank(context.Background(), patient, model.SeverityMedium, model.BedGeneral)
	require.NoError(t, err)
	require.Equal(t, far.ID, out[0].HospitalID)
}

func TestRankDeterministicTieBreak(t *testing.T) {
	dir := memstore.NewHospitalDirectory()
	beds := ledger.NewMemory()
	ranker := NewRankingService(dir, beds, testDispatchConfig, zerolog.Nop())

	loc := &model.Location{Lat: 12.98, Lng: 77.59}
	a := addHospital(t, dir, "Twin A", loc, 30)
	b := addHospital(t, dir, "Twin B", loc, 30)
	addBeds(t, beds, a.ID, model.BedGeneral, model.SeverityMedium, 3)
	addBeds(t, beds, b.ID, model.BedGeneral, model.SeverityMedium, 3)

	patient := model.Location{Lat: 12.97, Lng: 77.59}
	for i := 0; i < 5; i++ {
		out, err := ranker.Rank(context.Background(), patient, model.SeverityMedium, model.BedGeneral)
		require.NoError(t, err)
		require.Equal(t, []int64{a.ID, b.ID}, []int64{out[0].HospitalID, out[1].HospitalID})
	}
}

func TestRankLoadPenaltyShiftsOrder(t *testing.T) {
	dir := memstore.NewHospitalDirectory()
	beds := ledger.NewMemory()
	ranker := NewRankingService(dir, beds, testDispatchConfig, zerolog.Nop())

	loc := &model.Location{Lat: 12.98, Lng: 77.59}
	slow := addHospital(t, dir, "Slow Twin", loc, 120)
	fast := addHospital(t, dir, "Fast Twin", loc, 120)
	addBeds(t, beds, slow.ID, model.BedGeneral, model.SeverityMedium, 3)
	addBeds(t, beds, fast.ID, model.BedGeneral, model.SeverityMedium, 3)

	// two in-flight incidents at the slow hospital cost it 4 effective beds
	ranker.NoteAssignment(slow.ID)
	ranker.NoteAssignment(slow.ID)

	patient := model.Location{Lat: 12.97, Lng: 77.59}
	out, err := ranker.Rank(context.Background(), patient, model.SeverityMedium, model.BedGeneral)
	require.NoError(t, err)
	require.Equal(t, fast.ID, out[0].HospitalID)

	// completions lift the penalty again
	ranker.NoteCompletion(slow.ID)
	ranker.NoteCompletion(slow.ID)
	out, err = ranker.Rank(context.Background(), patient, model.SeverityMedium, model.BedGeneral)
	require.NoError(t, err)
	require.Equal(t, slow.ID, out[0].HospitalID)
}
