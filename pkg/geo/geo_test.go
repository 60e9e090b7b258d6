package geo

import (
	"math"
	"testing"
	"time"

	"github.com/rescuegrid/dispatch/internal/model"
)

func TestHaversineKm_SamePoint(t *testing.T) {
	loc := model.Location{Lat: 28.7041, Lng: 77.1025}
	got := HaversineKm(loc, loc)
	if got != 0 {
		t.Errorf("HaversineKm(same point) = %v, want 0", got)
	}
}

func TestHaversineKm_KnownDistance(t *testing.T) {
	// Connaught Place to IGI Airport (~16.5 km)
	connaught := model.Location{Lat: 28.6315, Lng: 77.2167}
	igi := model.Location{Lat: 28.5562, Lng: 77.0889}
	got := HaversineKm(connaught, igi)
	wantMin, wantMax := 14.0, 20.0
	if got < wantMin || got > wantMax {
		t.Errorf("HaversineKm(Connaught→IGI) = %.2f km, want between %.1f and %.1f", got, wantMin, wantMax)
	}
}

func TestHaversineKm_Symmetric(t *testing.T) {
	a := model.Location{Lat: 12.9716, Lng: 77.5946}
	b := model.Location{Lat: 13.0827, Lng: 80.2707}
	if d1, d2 := HaversineKm(a, b), HaversineKm(b, a); math.Abs(d1-d2) > 1e-9 {
		t.Errorf("HaversineKm not symmetric: %v vs %v", d1, d2)
	}
}

func TestEstimateTimeMinutes(t *testing.T) {
	a := model.Location{Lat: 28.7041, Lng: 77.1025}
	b := model.Location{Lat: 28.5562, Lng: 77.0889}
	got := EstimateTimeMinutes(a, b)
	// ~16 km at 40 km/h ≈ 25 min
	if got < 18 || got > 32 {
		t.Errorf("EstimateTimeMinutes = %.1f, expected ~22-28 min", got)
	}
}

func TestETA_AfterDeparture(t *testing.T) {
	a := model.Location{Lat: 28.7041, Lng: 77.1025}
	b := model.Location{Lat: 28.5562, Lng: 77.0889}
	from := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	eta := ETA(from, a, b)
	if !eta.After(from) {
		t.Errorf("ETA = %v, want after departure %v", eta, from)
	}
}

func TestHaversineM(t *testing.T) {
	a := model.Location{Lat: 0, Lng: 0}
	b := model.Location{Lat: 0.001, Lng: 0}
	km := HaversineKm(a, b)
	m := HaversineM(a, b)
	if math.Abs(m-km*1000) > 0.01 {
		t.Errorf("HaversineM = %v, want HaversineKm*1000 = %v", m, km*1000)
	}
}
