package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/rescuegrid/dispatch/internal/model"
	"github.com/rescuegrid/dispatch/internal/repository"
	"github.com/rescuegrid/dispatch/internal/service"
)

// IncidentHandler handles incident lifecycle HTTP requests.
type IncidentHandler struct {
	coordinator *service.Coordinator
	incidents   service.IncidentStore
	log         zerolog.Logger
}

// NewIncidentHandler creates a new handler wired to the dispatch coordinator.
func NewIncidentHandler(coordinator *service.Coordinator, incidents service.IncidentStore, log zerolog.Logger) *IncidentHandler {
	return &IncidentHandler{
		coordinator: coordinator,
		incidents:   incidents,
		log:         log.With().Str("component", "http").Logger(),
	}
}

type createIncidentRequest struct {
	Type        string          `json:"type"`
	Description string          `json:"description"`
	Location    *model.Location `json:"location"`
	Severity    string          `json:"emergency_level"`
	CallerName  string          `json:"caller_name"`
	CallerPhone string          `json:"caller_phone"`
}

// Create handles POST /api/v1/incidents
//
// Validates the report, persists the incident and launches dispatch in the
// background.
//
// Response codes:
//   202  — Incident accepted, dispatch started (returns the incident)
//   400  — Malformed body, missing/out-of-range location, unknown severity
//   500  — Unexpected error
func (h *IncidentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createIncidentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON body",
		})
		return
	}
	if req.Location == nil || !req.Location.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":   "invalid_location",
			"message": "location is required with lat in [-90,90] and lng in [-180,180]",
		})
		return
	}

	inc := &model.Incident{
		Type:        req.Type,
		Description: req.Description,
		Location:    *req.Location,
		Severity:    model.Severity(req.Severity),
		CallerName:  req.CallerName,
		CallerPhone: req.CallerPhone,
	}
	created, err := h.coordinator.Report(r.Context(), inc)
	if err != nil {
		if errors.Is(err, service.ErrInvalidLocation) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error":   "invalid_location",
				"message": err.Error(),
			})
			return
		}
		if errors.Is(err, service.ErrInvalidSeverity) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error":   "invalid_severity",
				"message": err.Error(),
			})
			return
		}
		h.log.Error().Err(err).Msg("incident create failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
		return
	}

	// dispatch outlives the request
	go func() {
		if err := h.coordinator.Dispatch(context.Background(), created.ID); err != nil {
			h.log.Warn().Err(err).Int64("incident_id", created.ID).Msg("dispatch finished with error")
		}
	}()

	writeJSON(w, http.StatusAccepted, created)
}

// Get handles GET /api/v1/incidents/{id}
func (h *IncidentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	inc, err := h.incidents.GetIncident(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrIncidentNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error":   "not_found",
				"message": "Incident not found.",
			})
			return
		}
		h.log.Error().Err(err).Msg("incident fetch failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

// Cancel handles POST /api/v1/incidents/{id}/cancel
//
// Response codes:
//   200  — Cancelled; reservation and ambulance released
//   404  — Incident not found
//   409  — Incident already terminal
//   500  — Unexpected error
func (h *IncidentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.coordinator.Cancel(r.Context(), id); err != nil {
		h.writeDispatchError(w, err, "cancel")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(model.IncidentCancelled)})
}

// Handoff handles POST /api/v1/incidents/{id}/handoff
//
// Confirms patient arrival: the reserved bed becomes occupied and the
// incident resolves.
//
// Response codes:
//   200  — Resolved
//   404  — Incident not found
//   409  — Incident not in ambulance_assigned, or already terminal
//   422  — No capacity left to replace an expired reservation
//   500  — Unexpected error
func (h *IncidentHandler) Handoff(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.coordinator.Handoff(r.Context(), id); err != nil {
		h.writeDispatchError(w, err, "handoff")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(model.IncidentResolved)})
}

func (h *IncidentHandler) writeDispatchError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, repository.ErrIncidentNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error":   "not_found",
			"message": "Incident not found.",
		})
	case errors.Is(err, service.ErrTerminalState):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":   "terminal_state",
			"message": "Incident already reached a terminal status.",
		})
	case errors.Is(err, service.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":   "invalid_status",
			"message": err.Error(),
		})
	case errors.Is(err, service.ErrNoCapacity):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error":   "no_capacity",
			"message": "No hospital has a free bed for this incident.",
		})
	case errors.Is(err, service.ErrExternalService):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":   "service_unavailable",
			"message": "A dependency is unavailable; the incident state is unchanged.",
		})
	default:
		h.log.Error().Err(err).Str("op", op).Msg("dispatch operation failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
	}
}
