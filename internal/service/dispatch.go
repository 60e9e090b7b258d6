package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/rescuegrid/dispatch/config"
	"github.com/rescuegrid/dispatch/internal/audit"
	"github.com/rescuegrid/dispatch/internal/ledger"
	"github.com/rescuegrid/dispatch/internal/metrics"
	"github.com/rescuegrid/dispatch/internal/model"
	"github.com/rescuegrid/dispatch/internal/notify"
	"github.com/rescuegrid/dispatch/internal/repository"
	"github.com/rescuegrid/dispatch/internal/tracker"
)

// Coordinator drives an incident through the dispatch pipeline: ranking,
// bed reservation, ambulance assignment, handoff and cancellation. One
// coordinator serves all incidents; per-incident state lives in the store
// and in the active reservation table.
type Coordinator struct {
	beds      ledger.Ledger
	directory HospitalDirectory
	incidents IncidentStore
	ranker    *RankingService
	fleet     *tracker.Tracker
	audit     audit.Sink
	notifier  notify.Notifier
	cfg       config.DispatchConfig
	log       zerolog.Logger

	// active maps incident id to its held bed reservation, from reserve
	// until confirm or release.
	mu     sync.Mutex
	active map[int64]*ledger.Reservation
}

// NewCoordinator wires the dispatch pipeline.
func NewCoordinator(
	beds ledger.Ledger,
	directory HospitalDirectory,
	incidents IncidentStore,
	ranker *RankingService,
	fleet *tracker.Tracker,
	sink audit.Sink,
	notifier notify.Notifier,
	cfg config.DispatchConfig,
	log zerolog.Logger,
) *Coordinator {
	return &Coordinator{
		beds:      beds,
		directory: directory,
		incidents: incidents,
		ranker:    ranker,
		fleet:     fleet,
		audit:     sink,
		notifier:  notifier,
		cfg:       cfg,
		log:       log.With().Str("component", "dispatch").Logger(),
		active:    make(map[int64]*ledger.Reservation),
	}
}

// bedTypeFor maps incident severity to the bed type requested for it.
func bedTypeFor(severity model.Severity) model.BedType {
	switch severity {
	case model.SeverityCritical:
		return model.BedICU
	case model.SeverityHigh:
		return model.BedEmergency
	default:
		return model.BedGeneral
	}
}

// Report validates and persists a newly reported incident. Dispatch is a
// separate step so callers control whether it runs inline or in background.
func (c *Coordinator) Report(ctx context.Context, inc *model.Incident) (*model.Incident, error) {
	if !inc.Location.Valid() {
		return nil, ErrInvalidLocation
	}
	if !model.ValidSeverity(string(inc.Severity)) {
		return nil, fmt.Errorf("%w: unknown severity %q", ErrInvalidSeverity, inc.Severity)
	}
	created, err := c.incidents.CreateIncident(ctx, inc)
	if err != nil {
		return nil, fmt.Errorf("dispatch: create incident: %w", err)
	}
	c.log.Info().Int64("incident_id", created.ID).
		Str("severity", string(created.Severity)).Msg("incident reported")
	return created, nil
}

// Dispatch runs the full pipeline for a reported incident: rank hospitals,
// walk candidates until a bed reservation holds, then find an ambulance on a
// bounded retry schedule. Terminal failures are recorded on the incident;
// the returned error mirrors them for inline callers.
func (c *Coordinator) Dispatch(ctx context.Context, incidentID int64) error {
	inc, err := c.incidents.GetIncident(ctx, incidentID)
	if err != nil {
		return fmt.Errorf("dispatch: load incident: %w", err)
	}
	if inc.Status != model.IncidentReported {
		if inc.Status.Terminal() {
			return ErrTerminalState
		}
		return fmt.Errorf("%w: dispatch requires status reported, got %s", ErrInvalidTransition, inc.Status)
	}

	m := newIncidentMachine(inc.ID, inc.Status, c.incidents, c.audit, c.log)
	bedType := bedTypeFor(inc.Severity)

	if err := m.fire(ctx, eventBeginRanking, "dispatch started"); err != nil {
		return err
	}

	res, err := c.reserveAtBestCandidate(ctx, m, inc, bedType)
	if err != nil {
		return err
	}

	hospital, err := c.getHospital(ctx, res.HospitalID)
	if err != nil {
		// bed is held but the tenant record is unreadable; give the bed back
		_ = c.releaseReservation(ctx, inc.ID, res)
		return fmt.Errorf("%w: load hospital %d: %v", ErrExternalService, res.HospitalID, err)
	}
	c.ranker.NoteAssignment(res.HospitalID)

	unit, err := c.acquireAmbulance(ctx, inc, hospital.Location)
	if err != nil {
		_ = c.releaseReservation(ctx, inc.ID, res)
		c.ranker.NoteCompletion(res.HospitalID)
		if errors.Is(err, tracker.ErrNoAmbulanceAvailable) || errors.Is(err, tracker.ErrUnitUnavailable) {
			if ferr := m.fire(ctx, eventNoAmbulance, "ambulance retries exhausted"); ferr != nil {
				return ferr
			}
			metrics.DispatchesTotal.WithLabelValues(string(model.IncidentFailedNoAmbulance)).Inc()
			return ErrNoAmbulance
		}
		return err
	}

	if err := c.incidents.SetAssignment(ctx, inc.ID, &res.HospitalID, &unit.ID); err != nil {
		c.unbindAmbulance(unit.ID)
		_ = c.releaseReservation(ctx, inc.ID, res)
		c.ranker.NoteCompletion(res.HospitalID)
		return fmt.Errorf("dispatch: persist assignment: %w", err)
	}
	if err := m.fire(ctx, eventAmbulanceFound, "unit "+unit.ID); err != nil {
		// an operator cancel may have won the status race; give everything back
		c.unbindAmbulance(unit.ID)
		_ = c.releaseReservation(ctx, inc.ID, res)
		c.ranker.NoteCompletion(res.HospitalID)
		return err
	}

	c.sendAlerts(ctx, inc.ID, hospital, string(model.IncidentAmbulanceAssigned))
	metrics.DispatchesTotal.WithLabelValues(string(model.IncidentAmbulanceAssigned)).Inc()
	c.log.Info().Int64("incident_id", inc.ID).Int64("hospital_id", res.HospitalID).
		Str("ambulance_id", unit.ID).Str("bed_number", res.BedNumber).Msg("dispatch complete")
	return nil
}

// reserveAtBestCandidate ranks hospitals and walks the list until a
// reservation holds. The machine loops reserving→ranking on each full
// hospital and lands in failed_no_capacity when the list is exhausted.
func (c *Coordinator) reserveAtBestCandidate(ctx context.Context, m *incidentMachine, inc *model.Incident, bedType model.BedType) (*ledger.Reservation, error) {
	candidates, err := c.ranker.Rank(ctx, inc.Location, inc.Severity, bedType)
	if err != nil && !errors.Is(err, ErrNoCandidateHospitals) {
		return nil, fmt.Errorf("%w: ranking: %v", ErrExternalService, err)
	}
	if len(candidates) > 0 {
		if err := c.incidents.SetCandidates(ctx, inc.ID, candidates); err != nil {
			c.log.Warn().Err(err).Int64("incident_id", inc.ID).Msg("candidate snapshot not cached")
		}
	}

	for _, cand := range candidates {
		if err := m.fire(ctx, eventCandidateFound, cand.Name); err != nil {
			return nil, err
		}
		res, err := c.beds.Reserve(ctx, cand.HospitalID, bedType, inc.ID, inc.Severity, c.cfg.ReservationTTL)
		switch {
		case err == nil:
			metrics.ReservationsTotal.WithLabelValues("reserved").Inc()
			c.mu.Lock()
			c.active[inc.ID] = res
			c.mu.Unlock()
			if err := m.fire(ctx, eventReserved, fmt.Sprintf("bed %s at %s", res.BedNumber, cand.Name)); err != nil {
				// transition lost or unpersisted: the hold must not outlive it
				_ = c.releaseReservation(ctx, inc.ID, res)
				return nil, err
			}
			return res, nil
		case errors.Is(err, ledger.ErrNoBedsAvailable):
			metrics.ReservationsTotal.WithLabelValues("no_beds").Inc()
			if err := m.fire(ctx, eventNoBeds, cand.Name+" full"); err != nil {
				return nil, err
			}
		case errors.Is(err, ledger.ErrAlreadyReserved):
			metrics.ReservationsTotal.WithLabelValues("already_reserved").Inc()
			if err := m.fire(ctx, eventNoBeds, cand.Name+" already holds a reservation"); err != nil {
				return nil, err
			}
		default:
			metrics.ReservationsTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("dispatch: reserve at hospital %d: %w", cand.HospitalID, err)
		}
	}

	if err := m.fire(ctx, eventNoCapacity, "all candidates exhausted"); err != nil {
		return nil, err
	}
	metrics.DispatchesTotal.WithLabelValues(string(model.IncidentFailedNoCapacity)).Inc()
	return nil, ErrNoCapacity
}

// getHospital reads the tenant record with a few quick retries; the
// directory is read-mostly and transient failures should not fail a
// dispatch that already holds a bed.
func (c *Coordinator) getHospital(ctx context.Context, id int64) (*model.Hospital, error) {
	var hospital *model.Hospital
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = 0
	err := backoff.Retry(func() error {
		h, err := c.directory.GetHospital(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrHospitalNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		hospital = h
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(policy, 2), ctx))
	if err != nil {
		return nil, err
	}
	return hospital, nil
}

// acquireAmbulance selects and binds the nearest free unit on a bounded
// exponential backoff schedule. Selection and binding are two steps, so a
// concurrent dispatch can take the chosen unit in between; the tracker
// rejects the late binding and the miss is retried like an empty fleet,
// the same way a lost bed sends ranking on to the next candidate.
func (c *Coordinator) acquireAmbulance(ctx context.Context, inc *model.Incident, dest *model.Location) (*model.Ambulance, error) {
	attempts := c.cfg.AmbulanceRetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.AmbulanceRetryInitial
	policy.MaxInterval = c.cfg.AmbulanceRetryMax
	policy.MaxElapsedTime = 0

	var unit *model.Ambulance
	op := func() error {
		u, err := c.fleet.NearestAvailable(inc.Location)
		if err != nil {
			if errors.Is(err, tracker.ErrNoAmbulanceAvailable) {
				return err
			}
			return backoff.Permanent(err)
		}
		if err := c.fleet.MarkUnavailable(u.ID, inc.ID, inc.Location, dest); err != nil {
			if errors.Is(err, tracker.ErrUnitUnavailable) {
				c.log.Debug().Str("ambulance_id", u.ID).Int64("incident_id", inc.ID).
					Msg("unit taken by a concurrent dispatch, retrying")
				return err
			}
			return backoff.Permanent(err)
		}
		unit = u
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(attempts-1)), ctx))
	if err != nil {
		return nil, err
	}
	return unit, nil
}

// unbindAmbulance rolls a just-bound unit back into the free pool.
func (c *Coordinator) unbindAmbulance(id string) {
	if err := c.fleet.MarkAvailable(id); err != nil {
		c.log.Warn().Err(err).Str("ambulance_id", id).Msg("ambulance not released")
	}
}

// Handoff records patient arrival: the reservation is confirmed into an
// occupied bed and the incident resolves. An expired reservation is replaced
// by re-running ranking before resolving.
func (c *Coordinator) Handoff(ctx context.Context, incidentID int64) error {
	inc, err := c.incidents.GetIncident(ctx, incidentID)
	if err != nil {
		return fmt.Errorf("dispatch: load incident: %w", err)
	}
	if inc.Status.Terminal() {
		return ErrTerminalState
	}
	if inc.Status != model.IncidentAmbulanceAssigned {
		return fmt.Errorf("%w: handoff requires status ambulance_assigned, got %s", ErrInvalidTransition, inc.Status)
	}

	m := newIncidentMachine(inc.ID, inc.Status, c.incidents, c.audit, c.log)
	bedType := bedTypeFor(inc.Severity)

	c.mu.Lock()
	res := c.active[inc.ID]
	c.mu.Unlock()

	confirmed := false
	if res != nil {
		switch err := c.beds.Confirm(ctx, res); {
		case err == nil:
			confirmed = true
		case errors.Is(err, ledger.ErrReservationExpired), errors.Is(err, ledger.ErrReservationNotFound):
			c.log.Warn().Int64("incident_id", inc.ID).Err(err).Msg("reservation lost before arrival, re-reserving")
		default:
			return fmt.Errorf("dispatch: confirm reservation: %w", err)
		}
	}
	if !confirmed {
		newRes, err := c.reReserve(ctx, inc, bedType)
		if err != nil {
			return err
		}
		if err := c.beds.Confirm(ctx, newRes); err != nil {
			return fmt.Errorf("dispatch: confirm re-reservation: %w", err)
		}
		if res != nil && newRes.HospitalID != res.HospitalID {
			c.ranker.NoteCompletion(res.HospitalID)
			c.ranker.NoteAssignment(newRes.HospitalID)
			if err := c.incidents.SetAssignment(ctx, inc.ID, &newRes.HospitalID, inc.AssignedAmbulanceID); err != nil {
				c.log.Warn().Err(err).Int64("incident_id", inc.ID).Msg("reassignment not persisted")
			}
		}
		res = newRes
	}

	c.mu.Lock()
	delete(c.active, inc.ID)
	c.mu.Unlock()

	if err := m.fire(ctx, eventHandoff, fmt.Sprintf("patient arrived, bed %s occupied", res.BedNumber)); err != nil {
		return err
	}

	if inc.AssignedAmbulanceID != nil {
		if err := c.fleet.MarkAvailable(*inc.AssignedAmbulanceID); err != nil {
			c.log.Warn().Err(err).Str("ambulance_id", *inc.AssignedAmbulanceID).Msg("ambulance not released")
		}
	}
	c.ranker.NoteCompletion(res.HospitalID)

	if hospital, err := c.directory.GetHospital(ctx, res.HospitalID); err == nil {
		c.sendAlerts(ctx, inc.ID, hospital, string(model.IncidentResolved))
	}
	metrics.DispatchesTotal.WithLabelValues(string(model.IncidentResolved)).Inc()
	return nil
}

// reReserve finds a replacement bed for an incident whose original
// reservation lapsed. The incident keeps its current status while the
// replacement is negotiated.
func (c *Coordinator) reReserve(ctx context.Context, inc *model.Incident, bedType model.BedType) (*ledger.Reservation, error) {
	candidates, err := c.ranker.Rank(ctx, inc.Location, inc.Severity, bedType)
	if err != nil {
		if errors.Is(err, ErrNoCandidateHospitals) {
			return nil, ErrNoCapacity
		}
		return nil, fmt.Errorf("%w: ranking: %v", ErrExternalService, err)
	}
	for _, cand := range candidates {
		res, err := c.beds.Reserve(ctx, cand.HospitalID, bedType, inc.ID, inc.Severity, c.cfg.ReservationTTL)
		switch {
		case err == nil:
			metrics.ReservationsTotal.WithLabelValues("reserved").Inc()
			return res, nil
		case errors.Is(err, ledger.ErrNoBedsAvailable), errors.Is(err, ledger.ErrAlreadyReserved):
			continue
		default:
			return nil, fmt.Errorf("dispatch: re-reserve at hospital %d: %w", cand.HospitalID, err)
		}
	}
	return nil, ErrNoCapacity
}

// Cancel aborts a non-terminal incident, synchronously releasing any held
// bed and ambulance before returning.
func (c *Coordinator) Cancel(ctx context.Context, incidentID int64) error {
	var inc *model.Incident
	for attempt := 0; ; attempt++ {
		var err error
		inc, err = c.incidents.GetIncident(ctx, incidentID)
		if err != nil {
			return fmt.Errorf("dispatch: load incident: %w", err)
		}
		if inc.Status.Terminal() {
			return ErrTerminalState
		}
		m := newIncidentMachine(inc.ID, inc.Status, c.incidents, c.audit, c.log)
		err = m.fire(ctx, eventCancel, "cancelled by operator")
		if err == nil {
			break
		}
		// a background dispatch may advance the incident between the read
		// and the guarded write; pick the cancel up from the new status
		if errors.Is(err, repository.ErrStatusConflict) && attempt < 4 {
			continue
		}
		return err
	}

	c.mu.Lock()
	res := c.active[inc.ID]
	delete(c.active, inc.ID)
	c.mu.Unlock()
	if res != nil {
		if err := c.beds.Release(ctx, res); err != nil {
			c.log.Error().Err(err).Int64("incident_id", inc.ID).Msg("reservation not released on cancel")
		}
	}
	if inc.AssignedAmbulanceID != nil {
		if err := c.fleet.MarkAvailable(*inc.AssignedAmbulanceID); err != nil {
			c.log.Warn().Err(err).Str("ambulance_id", *inc.AssignedAmbulanceID).Msg("ambulance not released on cancel")
		}
	}
	if inc.AssignedHospitalID != nil {
		c.ranker.NoteCompletion(*inc.AssignedHospitalID)
	}
	metrics.DispatchesTotal.WithLabelValues(string(model.IncidentCancelled)).Inc()
	c.log.Info().Int64("incident_id", inc.ID).Msg("incident cancelled")
	return nil
}

// releaseReservation gives a held bed back and forgets the handle.
func (c *Coordinator) releaseReservation(ctx context.Context, incidentID int64, res *ledger.Reservation) error {
	c.mu.Lock()
	delete(c.active, incidentID)
	c.mu.Unlock()
	if err := c.beds.Release(ctx, res); err != nil {
		c.log.Error().Err(err).Int64("incident_id", incidentID).Msg("reservation not released")
		return err
	}
	return nil
}

// sendAlerts requests family/police notifications per the hospital's flags.
// Delivery is at-least-once; failures are logged by the notifier.
func (c *Coordinator) sendAlerts(ctx context.Context, incidentID int64, hospital *model.Hospital, status string) {
	var family, police bool
	if hospital.AlertFamilyEnabled {
		family = c.notifier.Notify(ctx, notify.Alert{
			Kind:       notify.KindFamily,
			IncidentID: incidentID,
			HospitalID: hospital.ID,
			Status:     status,
		}) == nil
	}
	if hospital.AlertPoliceEnabled {
		police = c.notifier.Notify(ctx, notify.Alert{
			Kind:       notify.KindPolice,
			IncidentID: incidentID,
			HospitalID: hospital.ID,
			Status:     status,
		}) == nil
	}
	if family || police {
		if err := c.incidents.MarkAlertsSent(ctx, incidentID, family, police); err != nil {
			c.log.Warn().Err(err).Int64("incident_id", incidentID).Msg("alert flags not persisted")
		}
	}
}
