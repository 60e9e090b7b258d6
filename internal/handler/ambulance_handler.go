package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/rescuegrid/dispatch/internal/tracker"
)

// AmbulanceHandler handles telemetry ingestion and fleet status queries.
type AmbulanceHandler struct {
	fleet *tracker.Tracker
	log   zerolog.Logger
}

// NewAmbulanceHandler creates a new handler over the fleet tracker.
func NewAmbulanceHandler(fleet *tracker.Tracker, log zerolog.Logger) *AmbulanceHandler {
	return &AmbulanceHandler{fleet: fleet, log: log.With().Str("component", "http").Logger()}
}

// Telemetry handles POST /api/v1/ambulances/telemetry
//
// Ingests one ping. Unknown units are registered on first contact.
//
// Response codes:
//   204  — Ping accepted
//   400  — Malformed body, missing ambulance_id or invalid coordinates
func (h *AmbulanceHandler) Telemetry(w http.ResponseWriter, r *http.Request) {
	var ping tracker.Telemetry
	if err := json.NewDecoder(r.Body).Decode(&ping); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON body",
		})
		return
	}
	if ping.AmbulanceID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "ambulance_id is required",
		})
		return
	}
	if !ping.Location.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "location out of WGS-84 bounds",
		})
		return
	}
	h.fleet.UpdateTelemetry(ping)
	w.WriteHeader(http.StatusNoContent)
}

// List handles GET /api/v1/ambulances
func (h *AmbulanceHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ambulances": h.fleet.List(),
	})
}

// Get handles GET /api/v1/ambulances/{id}
func (h *AmbulanceHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	unit, err := h.fleet.Get(id)
	if err != nil {
		if errors.Is(err, tracker.ErrAmbulanceNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error":   "not_found",
				"message": "Ambulance not found.",
			})
			return
		}
		h.log.Error().Err(err).Msg("ambulance fetch failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
		return
	}
	writeJSON(w, http.StatusOK, unit)
}
