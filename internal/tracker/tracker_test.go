package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rescuegrid/dispatch/internal/model"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestTelemetryRegistersUnknownUnit(t *testing.T) {
	tr := New(10 * time.Minute)
	tr.UpdateTelemetry(Telemetry{
		AmbulanceID: "AMB-1",
		Location:    model.Location{Lat: 12.97, Lng: 77.59},
		SpeedKmph:   40,
	})

	unit, err := tr.Get("AMB-1")
	require.NoError(t, err)
	require.True(t, unit.Available)
	require.NotNil(t, unit.Location)
	require.InDelta(t, 12.97, unit.Location.Lat, 1e-9)
}

func TestNearestAvailablePicksClosest(t *testing.T) {
	tr := New(10 * time.Minute)
	now := time.Now()
	tr.Now = fixedClock(now)

	tr.UpdateTelemetry(Telemetry{AmbulanceID: "far", Location: model.Location{Lat: 13.20, Lng: 77.59}, At: now})
	tr.UpdateTelemetry(Telemetry{AmbulanceID: "near", Location: model.Location{Lat: 12.98, Lng: 77.59}, At: now})

	unit, err := tr.NearestAvailable(model.Location{Lat: 12.97, Lng: 77.59})
	require.NoError(t, err)
	require.Equal(t, "near", unit.ID)
	require.Greater(t, unit.DistanceToPatient, 0.0)
}

func TestStaleTelemetryTreatedOffline(t *testing.T) {
	tr := New(10 * time.Minute)
	now := time.Now()
	tr.Now = fixedClock(now)

	// the nearer unit went silent 11 minutes ago
	tr.UpdateTelemetry(Telemetry{AmbulanceID: "silent", Location: model.Location{Lat: 12.98, Lng: 77.59}, At: now.Add(-11 * time.Minute)})
	tr.UpdateTelemetry(Telemetry{AmbulanceID: "alive", Location: model.Location{Lat: 13.10, Lng: 77.59}, At: now})

	unit, err := tr.NearestAvailable(model.Location{Lat: 12.97, Lng: 77.59})
	require.NoError(t, err)
	require.Equal(t, "alive", unit.ID)

	// a fresh ping brings the silent unit back
	tr.UpdateTelemetry(Telemetry{AmbulanceID: "silent", Location: model.Location{Lat: 12.98, Lng: 77.59}, At: now})
	unit, err = tr.NearestAvailable(model.Location{Lat: 12.97, Lng: 77.59})
	require.NoError(t, err)
	require.Equal(t, "silent", unit.ID)
}

func TestNearestAvailableEmptyFleet(t *testing.T) {
	tr := New(10 * time.Minute)
	_, err := tr.NearestAvailable(model.Location{Lat: 12.97, Lng: 77.59})
	require.ErrorIs(t, err, ErrNoAmbulanceAvailable)
}

func TestMarkUnavailableRejectsHeldUnit(t *testing.T) {
	tr := New(10 * time.Minute)
	now := time.Now()
	tr.Now = fixedClock(now)
	tr.UpdateTelemetry(Telemetry{AmbulanceID: "AMB-1", Location: model.Location{Lat: 12.98, Lng: 77.59}, At: now})

	patient := model.Location{Lat: 12.97, Lng: 77.59}

	// two dispatches select the same unit before either binds it
	first, err := tr.NearestAvailable(patient)
	require.NoError(t, err)
	second, err := tr.NearestAvailable(patient)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	// only the first binding holds; the late one must not rebind the unit
	require.NoError(t, tr.MarkUnavailable(first.ID, 1, patient, nil))
	require.ErrorIs(t, tr.MarkUnavailable(second.ID, 2, patient, nil), ErrUnitUnavailable)

	unit, err := tr.Get(first.ID)
	require.NoError(t, err)
	require.False(t, unit.Available)
	require.Equal(t, int64(1), *unit.IncidentID)
}

func TestAssignmentLifecycle(t *testing.T) {
	tr := New(10 * time.Minute)
	now := time.Now()
	tr.Now = fixedClock(now)
	tr.UpdateTelemetry(Telemetry{AmbulanceID: "AMB-1", Location: model.Location{Lat: 12.98, Lng: 77.59}, At: now})

	patient := model.Location{Lat: 12.97, Lng: 77.59}
	hospital := &model.Location{Lat: 12.95, Lng: 77.60}
	require.NoError(t, tr.MarkUnavailable("AMB-1", 42, patient, hospital))

	unit, err := tr.Get("AMB-1")
	require.NoError(t, err)
	require.False(t, unit.Available)
	require.Equal(t, int64(42), *unit.IncidentID)
	require.NotNil(t, unit.ETAPatient)
	require.NotNil(t, unit.ETAHospital)
	require.True(t, unit.ETAHospital.After(*unit.ETAPatient))

	// busy units are never selected
	_, err = tr.NearestAvailable(patient)
	require.ErrorIs(t, err, ErrNoAmbulanceAvailable)

	require.NoError(t, tr.MarkAvailable("AMB-1"))
	unit, err = tr.Get("AMB-1")
	require.NoError(t, err)
	require.True(t, unit.Available)
	require.Nil(t, unit.IncidentID)
	require.Nil(t, unit.Destination)

	require.ErrorIs(t, tr.MarkAvailable("ghost"), ErrAmbulanceNotFound)
}
