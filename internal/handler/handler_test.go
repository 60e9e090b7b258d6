package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/rescuegrid/dispatch/config"
	"github.com/rescuegrid/dispatch/internal/audit"
	"github.com/rescuegrid/dispatch/internal/ledger"
	"github.com/rescuegrid/dispatch/internal/memstore"
	"github.com/rescuegrid/dispatch/internal/notify"
	"github.com/rescuegrid/dispatch/internal/service"
	"github.com/rescuegrid/dispatch/internal/tracker"
)

func newTestRouter(t *testing.T) *mux.Router {
	t.Helper()
	cfg := config.DispatchConfig{
		ReservationTTL:         10 * time.Minute,
		TelemetryStaleAfter:    10 * time.Minute,
		CriticalDistanceWeight: 0.7,
		DefaultDistanceWeight:  0.3,
		AmbulanceRetryAttempts: 1,
		AmbulanceRetryInitial:  time.Millisecond,
		AmbulanceRetryMax:      time.Millisecond,
	}
	log := zerolog.Nop()

	beds := ledger.NewMemory()
	dir := memstore.NewHospitalDirectory()
	incidents := memstore.NewIncidentStore()
	fleet := tracker.New(cfg.TelemetryStaleAfter)
	ranker := service.NewRankingService(dir, beds, cfg, log)
	coordinator := service.NewCoordinator(beds, dir, incidents, ranker, fleet, audit.Nop{}, notify.Nop{}, cfg, log)

	incidentHandler := NewIncidentHandler(coordinator, incidents, log)
	ambulanceHandler := NewAmbulanceHandler(fleet, log)
	hospitalHandler := NewHospitalHandler(dir, beds, log)

	router := mux.NewRouter()
	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/incidents", incidentHandler.Create).Methods(http.MethodPost)
	api.HandleFunc("/incidents/{id}", incidentHandler.Get).Methods(http.MethodGet)
	api.HandleFunc("/ambulances/telemetry", ambulanceHandler.Telemetry).Methods(http.MethodPost)
	api.HandleFunc("/ambulances/{id}", ambulanceHandler.Get).Methods(http.MethodGet)
	api.HandleFunc("/hospitals", hospitalHandler.Create).Methods(http.MethodPost)
	api.HandleFunc("/hospitals/{id}/beds", hospitalHandler.AddBed).Methods(http.MethodPost)
	api.HandleFunc("/hospitals/{id}/beds/stats", hospitalHandler.BedStats).Methods(http.MethodGet)
	return router
}

func doJSON(t *testing.T, router *mux.Router, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestCreateIncidentRejectsBadLocation(t *testing.T) {
	router := newTestRouter(t)

	// missing location
	rec := doJSON(t, router, http.MethodPost, "/api/v1/incidents",
		`{"type":"accident","emergency_level":"high"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid_location")

	// latitude out of range
	rec = doJSON(t, router, http.MethodPost, "/api/v1/incidents",
		`{"type":"accident","emergency_level":"high","location":{"lat":120,"lng":77.6}}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateIncidentRejectsUnknownSeverity(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/incidents",
		`{"type":"accident","emergency_level":"catastrophic","location":{"lat":12.97,"lng":77.59}}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid_severity")
}

func TestCreateIncidentAccepted(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/incidents",
		`{"type":"accident","emergency_level":"high","location":{"lat":12.97,"lng":77.59}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"reported"`)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/incidents/1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/incidents/999", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTelemetryIngestion(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/ambulances/telemetry",
		`{"ambulance_id":"AMB-1","location":{"lat":12.97,"lng":77.59},"speed":42}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/ambulances/AMB-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"is_available":true`)

	// a ping without an id is refused
	rec = doJSON(t, router, http.MethodPost, "/api/v1/ambulances/telemetry",
		`{"location":{"lat":12.97,"lng":77.59}}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBedInventoryFlow(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/hospitals",
		`{"name":"City General","location":{"lat":12.98,"lng":77.59}}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/hospitals/1/beds",
		`{"bed_number":"001","bed_type":"icu","severity_level":"high"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	// duplicate number in the same hospital
	rec = doJSON(t, router, http.MethodPost, "/api/v1/hospitals/1/beds",
		`{"bed_number":"001","bed_type":"general"}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	// unknown bed type
	rec = doJSON(t, router, http.MethodPost, "/api/v1/hospitals/1/beds",
		`{"bed_number":"002","bed_type":"suite"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// unknown hospital
	rec = doJSON(t, router, http.MethodPost, "/api/v1/hospitals/9/beds",
		`{"bed_number":"001","bed_type":"icu"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/hospitals/1/beds/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"icu"`)
}
