package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rescuegrid/dispatch/internal/model"
)

func seedBed(t *testing.T, m *Memory, hospitalID int64, number string, bedType model.BedType, level model.Severity) *model.Bed {
	t.Helper()
	bed, err := m.AddBed(context.Background(), &model.Bed{
		HospitalID:    hospitalID,
		BedNumber:     number,
		Type:          bedType,
		SeverityLevel: level,
	})
	require.NoError(t, err)
	return bed
}

func TestReserveContention(t *testing.T) {
	m := NewMemory()
	seedBed(t, m, 1, "001", model.BedICU, model.SeverityHigh)

	const attempts = 32
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Reserve(context.Background(), 1, model.BedICU, int64(100+i), model.SeverityHigh, time.Minute)
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
		} else {
			require.ErrorIs(t, err, ErrNoBedsAvailable)
		}
	}
	require.Equal(t, 1, won, "exactly one of %d concurrent reservations may win", attempts)

	count, err := m.AvailableCount(context.Background(), 1, model.BedICU)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestReserveTakesLowestBedNumber(t *testing.T) {
	m := NewMemory()
	seedBed(t, m, 1, "003", model.BedGeneral, model.SeverityMedium)
	seedBed(t, m, 1, "001", model.BedGeneral, model.SeverityMedium)
	seedBed(t, m, 1, "002", model.BedGeneral, model.SeverityMedium)

	res, err := m.Reserve(context.Background(), 1, model.BedGeneral, 42, model.SeverityMedium, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "001", res.BedNumber)
}

func TestReserveCriticalRequiresHighRatedBed(t *testing.T) {
	m := NewMemory()
	seedBed(t, m, 1, "001", model.BedICU, model.SeverityLow)
	seedBed(t, m, 1, "002", model.BedICU, model.SeverityHigh)

	// critical incidents skip the low-rated bed even though it sorts first
	res, err := m.Reserve(context.Background(), 1, model.BedICU, 1, model.SeverityCritical, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "002", res.BedNumber)

	// a medium incident takes anything
	res2, err := m.Reserve(context.Background(), 1, model.BedICU, 2, model.SeverityMedium, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "001", res2.BedNumber)
}

func TestReserveSecondHoldRejected(t *testing.T) {
	m := NewMemory()
	seedBed(t, m, 1, "001", model.BedGeneral, model.SeverityMedium)
	seedBed(t, m, 1, "002", model.BedGeneral, model.SeverityMedium)

	_, err := m.Reserve(context.Background(), 1, model.BedGeneral, 7, model.SeverityMedium, time.Minute)
	require.NoError(t, err)

	_, err = m.Reserve(context.Background(), 1, model.BedGeneral, 7, model.SeverityMedium, time.Minute)
	require.ErrorIs(t, err, ErrAlreadyReserved)
}

func TestConfirmOccupiesBed(t *testing.T) {
	m := NewMemory()
	seedBed(t, m, 1, "001", model.BedGeneral, model.SeverityMedium)

	res, err := m.Reserve(context.Background(), 1, model.BedGeneral, 9, model.SeverityMedium, time.Minute)
	require.NoError(t, err)
	require.NoError(t, m.Confirm(context.Background(), res))

	stats, err := m.BedStats(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 1, stats[model.BedGeneral].Occupied)
	require.Zero(t, stats[model.BedGeneral].Reserved)

	// the hold is consumed
	require.ErrorIs(t, m.Confirm(context.Background(), res), ErrReservationNotFound)
}

func TestConfirmAfterExpiryReclaims(t *testing.T) {
	m := NewMemory()
	base := time.Now()
	m.Now = func() time.Time { return base }
	seedBed(t, m, 1, "001", model.BedGeneral, model.SeverityMedium)

	res, err := m.Reserve(context.Background(), 1, model.BedGeneral, 5, model.SeverityMedium, time.Minute)
	require.NoError(t, err)

	m.Now = func() time.Time { return base.Add(2 * time.Minute) }
	require.ErrorIs(t, m.Confirm(context.Background(), res), ErrReservationExpired)

	// the bed went straight back to the free pool
	count, err := m.AvailableCount(context.Background(), 1, model.BedGeneral)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestSweepExpiredReclaimsOnlyLapsedHolds(t *testing.T) {
	m := NewMemory()
	base := time.Now()
	m.Now = func() time.Time { return base }
	seedBed(t, m, 1, "001", model.BedGeneral, model.SeverityMedium)
	seedBed(t, m, 2, "001", model.BedGeneral, model.SeverityMedium)

	resShort, err := m.Reserve(context.Background(), 1, model.BedGeneral, 1, model.SeverityMedium, time.Minute)
	require.NoError(t, err)
	resLong, err := m.Reserve(context.Background(), 2, model.BedGeneral, 2, model.SeverityMedium, 10*time.Minute)
	require.NoError(t, err)

	m.Now = func() time.Time { return base.Add(5 * time.Minute) }
	released, err := m.SweepExpired(context.Background(), base.Add(5*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, released)

	require.ErrorIs(t, m.Confirm(context.Background(), resShort), ErrReservationNotFound)
	require.NoError(t, m.Confirm(context.Background(), resLong))
}

func TestTwoBedsAdmitExactlyTwoIncidents(t *testing.T) {
	m := NewMemory()
	seedBed(t, m, 1, "001", model.BedICU, model.SeverityHigh)
	seedBed(t, m, 1, "002", model.BedICU, model.SeverityHigh)

	_, err := m.Reserve(context.Background(), 1, model.BedICU, 1, model.SeverityHigh, time.Minute)
	require.NoError(t, err)
	_, err = m.Reserve(context.Background(), 1, model.BedICU, 2, model.SeverityHigh, time.Minute)
	require.NoError(t, err)
	_, err = m.Reserve(context.Background(), 1, model.BedICU, 3, model.SeverityHigh, time.Minute)
	require.ErrorIs(t, err, ErrNoBedsAvailable)
}

func TestSweptBedIsReReservable(t *testing.T) {
	m := NewMemory()
	base := time.Now()
	m.Now = func() time.Time { return base }
	seedBed(t, m, 1, "001", model.BedGeneral, model.SeverityMedium)

	res, err := m.Reserve(context.Background(), 1, model.BedGeneral, 1, model.SeverityMedium, time.Minute)
	require.NoError(t, err)

	released, err := m.SweepExpired(context.Background(), base.Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, released)

	// the bed frees exactly once
	released, err = m.SweepExpired(context.Background(), base.Add(3*time.Minute))
	require.NoError(t, err)
	require.Zero(t, released)

	// and goes around again
	res2, err := m.Reserve(context.Background(), 1, model.BedGeneral, 2, model.SeverityMedium, time.Minute)
	require.NoError(t, err)
	require.Equal(t, res.BedID, res2.BedID)
}

func TestReleaseIsIdempotentAndGuarded(t *testing.T) {
	m := NewMemory()
	seedBed(t, m, 1, "001", model.BedGeneral, model.SeverityMedium)

	res, err := m.Reserve(context.Background(), 1, model.BedGeneral, 1, model.SeverityMedium, time.Minute)
	require.NoError(t, err)
	require.NoError(t, m.Release(context.Background(), res))
	require.NoError(t, m.Release(context.Background(), res))

	// the bed is handed to another incident; the stale handle must not steal it
	res2, err := m.Reserve(context.Background(), 1, model.BedGeneral, 2, model.SeverityMedium, time.Minute)
	require.NoError(t, err)
	require.NoError(t, m.Release(context.Background(), res))

	beds, err := m.ListBeds(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, model.BedReserved, beds[0].State.Status)
	require.Equal(t, res2.IncidentID, *beds[0].State.ReservedIncidentID)
}

func TestAddBedRejectsDuplicateNumber(t *testing.T) {
	m := NewMemory()
	seedBed(t, m, 1, "001", model.BedGeneral, model.SeverityMedium)

	_, err := m.AddBed(context.Background(), &model.Bed{
		HospitalID: 1, BedNumber: "001", Type: model.BedICU,
	})
	require.ErrorIs(t, err, ErrDuplicateBedNumber)

	// same number in another hospital is fine
	_, err = m.AddBed(context.Background(), &model.Bed{
		HospitalID: 2, BedNumber: "001", Type: model.BedICU,
	})
	require.NoError(t, err)
}

func TestBedStats(t *testing.T) {
	m := NewMemory()
	for i := 1; i <= 4; i++ {
		seedBed(t, m, 1, fmt.Sprintf("%03d", i), model.BedGeneral, model.SeverityMedium)
	}

	_, err := m.Reserve(context.Background(), 1, model.BedGeneral, 1, model.SeverityMedium, time.Minute)
	require.NoError(t, err)
	res2, err := m.Reserve(context.Background(), 1, model.BedGeneral, 2, model.SeverityMedium, time.Minute)
	require.NoError(t, err)
	require.NoError(t, m.Confirm(context.Background(), res2))

	stats, err := m.BedStats(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, model.BedTypeStats{Total: 4, Occupied: 1, Reserved: 1, Available: 2}, stats[model.BedGeneral])
}
