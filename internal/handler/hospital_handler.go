package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/rescuegrid/dispatch/internal/ledger"
	"github.com/rescuegrid/dispatch/internal/model"
	"github.com/rescuegrid/dispatch/internal/repository"
	"github.com/rescuegrid/dispatch/internal/service"
)

// HospitalAdmin extends the read-side directory with tenant registration.
type HospitalAdmin interface {
	service.HospitalDirectory
	CreateHospital(ctx context.Context, h *model.Hospital) (*model.Hospital, error)
}

// HospitalHandler handles tenant directory and bed inventory requests.
type HospitalHandler struct {
	directory HospitalAdmin
	beds      ledger.Ledger
	log       zerolog.Logger
}

// NewHospitalHandler creates a new hospital handler.
func NewHospitalHandler(directory HospitalAdmin, beds ledger.Ledger, log zerolog.Logger) *HospitalHandler {
	return &HospitalHandler{
		directory: directory,
		beds:      beds,
		log:       log.With().Str("component", "http").Logger(),
	}
}

// List handles GET /api/v1/hospitals
func (h *HospitalHandler) List(w http.ResponseWriter, r *http.Request) {
	hospitals, err := h.directory.ListActiveHospitals(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("hospital list failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"hospitals": hospitals})
}

// Get handles GET /api/v1/hospitals/{id}
func (h *HospitalHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	hospital, err := h.directory.GetHospital(r.Context(), id)
	if err != nil {
		h.writeHospitalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hospital)
}

type createHospitalRequest struct {
	Name                   string          `json:"name"`
	Address                string          `json:"address"`
	Phone                  string          `json:"phone"`
	Email                  string          `json:"email"`
	Location               *model.Location `json:"location"`
	AverageHandlingMinutes int             `json:"average_handling_minutes"`
	AlertFamilyEnabled     bool            `json:"alert_family_enabled"`
	AlertPoliceEnabled     bool            `json:"alert_police_enabled"`
}

// Create handles POST /api/v1/hospitals
//
// Registers a new tenant. Location is optional; hospitals without
// coordinates are never ranked for dispatch.
func (h *HospitalHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createHospitalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}
	if req.Location != nil && !req.Location.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "location out of WGS-84 bounds"})
		return
	}
	created, err := h.directory.CreateHospital(r.Context(), &model.Hospital{
		Name:                   req.Name,
		Address:                req.Address,
		Phone:                  req.Phone,
		Email:                  req.Email,
		Location:               req.Location,
		AverageHandlingMinutes: req.AverageHandlingMinutes,
		AlertFamilyEnabled:     req.AlertFamilyEnabled,
		AlertPoliceEnabled:     req.AlertPoliceEnabled,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("hospital create failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// BedStats handles GET /api/v1/hospitals/{id}/beds/stats
//
// Returns total/occupied/reserved/available counts per bed type.
func (h *HospitalHandler) BedStats(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if _, err := h.directory.GetHospital(r.Context(), id); err != nil {
		h.writeHospitalError(w, err)
		return
	}
	stats, err := h.beds.BedStats(r.Context(), id)
	if err != nil {
		h.log.Error().Err(err).Msg("bed stats failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"hospital_id": id,
		"bed_types":   stats,
	})
}

// ListBeds handles GET /api/v1/hospitals/{id}/beds
func (h *HospitalHandler) ListBeds(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if _, err := h.directory.GetHospital(r.Context(), id); err != nil {
		h.writeHospitalError(w, err)
		return
	}
	beds, err := h.beds.ListBeds(r.Context(), id)
	if err != nil {
		h.log.Error().Err(err).Msg("bed list failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"beds": beds})
}

type addBedRequest struct {
	BedNumber     string `json:"bed_number"`
	Type          string `json:"bed_type"`
	SeverityLevel string `json:"severity_level"`
	Notes         string `json:"notes"`
}

// AddBed handles POST /api/v1/hospitals/{id}/beds
//
// Response codes:
//   201  — Bed registered free
//   400  — Unknown bed type or severity level
//   404  — Hospital not found
//   409  — Bed number already exists in this hospital
func (h *HospitalHandler) AddBed(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req addBedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if req.BedNumber == "" || !model.ValidBedType(req.Type) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "bed_number and a valid bed_type are required",
		})
		return
	}
	if req.SeverityLevel == "" {
		req.SeverityLevel = string(model.SeverityLow)
	}
	if !model.ValidSeverity(req.SeverityLevel) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown severity_level"})
		return
	}
	if _, err := h.directory.GetHospital(r.Context(), id); err != nil {
		h.writeHospitalError(w, err)
		return
	}

	bed, err := h.beds.AddBed(r.Context(), &model.Bed{
		HospitalID:    id,
		BedNumber:     req.BedNumber,
		Type:          model.BedType(req.Type),
		SeverityLevel: model.Severity(req.SeverityLevel),
		State:         model.FreeState(),
		Notes:         req.Notes,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateBedNumber) {
			writeJSON(w, http.StatusConflict, map[string]string{
				"error":   "duplicate_bed_number",
				"message": "A bed with this number already exists in the hospital.",
			})
			return
		}
		h.log.Error().Err(err).Msg("bed create failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
		return
	}
	writeJSON(w, http.StatusCreated, bed)
}

func (h *HospitalHandler) writeHospitalError(w http.ResponseWriter, err error) {
	if errors.Is(err, repository.ErrHospitalNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error":   "not_found",
			"message": "Hospital not found.",
		})
		return
	}
	h.log.Error().Err(err).Msg("hospital fetch failed")
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
}
