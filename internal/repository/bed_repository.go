// Package repository provides PostgreSQL-backed stores for the dispatch system.
//
// BedRepository implements the bed ledger with pessimistic locking
// (SELECT ... FOR UPDATE) plus guarded updates, so concurrent reservation
// attempts against the same bed serialize and at most one succeeds.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/rescuegrid/dispatch/internal/ledger"
	"github.com/rescuegrid/dispatch/internal/model"
)

// DefaultReserveTimeout caps a complete reservation transaction, including
// lock wait time.
const DefaultReserveTimeout = 5 * time.Second

// reserveMaxAttempts bounds the optimistic retry loop when the guarded
// update loses a race.
const reserveMaxAttempts = 3

const (
	availCacheKeyPrefix = "beds:avail:"
	availCacheTTL       = 15 * time.Second
)

// BedRepository is the PostgreSQL + Redis implementation of ledger.Ledger.
type BedRepository struct {
	pool  *pgxpool.Pool
	redis *redis.Client
}

// NewBedRepository creates a bed repository backed by the given PG pool and
// Redis cache.
func NewBedRepository(pool *pgxpool.Pool, rdb *redis.Client) *BedRepository {
	return &BedRepository{pool: pool, redis: rdb}
}

var _ ledger.Ledger = (*BedRepository)(nil)

func availKey(hospitalID int64, bedType model.BedType) string {
	return fmt.Sprintf("%s%d:%s", availCacheKeyPrefix, hospitalID, bedType)
}

// ─── Reserve ────────────────────────────────────────────────

// Reserve selects and holds one free bed in a single serialized transaction.
//
// Concurrency strategy:
//
//	T1: BEGIN → SELECT bed FOR UPDATE → (bed row LOCKED)
//	T2: BEGIN → SELECT bed FOR UPDATE → (BLOCKS; on unblock the WHERE is
//	    re-evaluated against the committed row, so a now-reserved bed is
//	    skipped and the next candidate is locked instead)
//	T1: UPDATE ... WHERE status='free' → COMMIT
//
// The guarded UPDATE is a compare-and-set: if it reports zero rows the bed
// was taken between selection and update, and we retry with the next
// candidate, bounded by reserveMaxAttempts.
func (r *BedRepository) Reserve(
	ctx context.Context,
	hospitalID int64,
	bedType model.BedType,
	incidentID int64,
	severity model.Severity,
	ttl time.Duration,
) (*ledger.Reservation, error) {
	txCtx, cancel := context.WithTimeout(ctx, DefaultReserveTimeout)
	defer cancel()

	var res *ledger.Reservation
	for attempt := 0; attempt < reserveMaxAttempts; attempt++ {
		var retry bool
		var err error
		res, retry, err = r.tryReserve(txCtx, hospitalID, bedType, incidentID, severity, ttl)
		if err != nil {
			return nil, err
		}
		if !retry {
			break
		}
	}
	if res == nil {
		return nil, ledger.ErrNoBedsAvailable
	}

	r.invalidateAvail(ctx, hospitalID, bedType)
	return res, nil
}

func (r *BedRepository) tryReserve(
	ctx context.Context,
	hospitalID int64,
	bedType model.BedType,
	incidentID int64,
	severity model.Severity,
	ttl time.Duration,
) (*ledger.Reservation, bool, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, false, fmt.Errorf("reserve: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// An incident holds at most one bed per hospital.
	var held bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM beds
			WHERE hospital_id = $1 AND status = 'reserved' AND reserved_incident_id = $2
		)
	`, hospitalID, incidentID).Scan(&held)
	if err != nil {
		return nil, false, fmt.Errorf("reserve: check existing hold: %w", err)
	}
	if held {
		return nil, false, ledger.ErrAlreadyReserved
	}

	// Lock the lowest-numbered eligible bed. Critical incidents only take
	// beds rated high or critical.
	var (
		bedID     int64
		bedNumber string
	)
	err = tx.QueryRow(ctx, `
		SELECT id, bed_number
		FROM beds
		WHERE hospital_id = $1
		  AND bed_type = $2
		  AND status = 'free'
		  AND ($3 <> 'critical' OR severity_level IN ('high', 'critical'))
		ORDER BY bed_number ASC
		LIMIT 1
		FOR UPDATE
	`, hospitalID, bedType, string(severity)).Scan(&bedID, &bedNumber)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, ledger.ErrNoBedsAvailable
	}
	if err != nil {
		return nil, false, fmt.Errorf("reserve: lock bed: %w", err)
	}

	expiry := time.Now().Add(ttl)

	// Compare-and-set: only a still-free bed can be taken.
	tag, err := tx.Exec(ctx, `
		UPDATE beds
		SET status = 'reserved',
		    reserved_incident_id = $2,
		    reserved_expiry_time = $3,
		    updated_at = now()
		WHERE id = $1 AND status = 'free'
	`, bedID, incidentID, expiry)
	if err != nil {
		return nil, false, fmt.Errorf("reserve: mark bed %d: %w", bedID, err)
	}
	if tag.RowsAffected() == 0 {
		// Lost the race on this bed; retry with the next candidate.
		return nil, true, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("reserve: commit: %w", err)
	}

	return &ledger.Reservation{
		BedID:      bedID,
		HospitalID: hospitalID,
		BedNumber:  bedNumber,
		BedType:    bedType,
		IncidentID: incidentID,
		Expiry:     expiry,
	}, false, nil
}

// ─── Confirm / Release / Sweep ──────────────────────────────

// Confirm flips a held reservation to occupied under the bed's row lock,
// the same lock the sweeper takes, so confirm and sweep cannot interleave.
func (r *BedRepository) Confirm(ctx context.Context, res *ledger.Reservation) error {
	txCtx, cancel := context.WithTimeout(ctx, DefaultReserveTimeout)
	defer cancel()

	tx, err := r.pool.BeginTx(txCtx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("confirm: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		status     string
		incidentID *int64
		expiry     *time.Time
	)
	err = tx.QueryRow(ctx, `
		SELECT status, reserved_incident_id, reserved_expiry_time
		FROM beds
		WHERE id = $1
		FOR UPDATE
	`, res.BedID).Scan(&status, &incidentID, &expiry)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.ErrReservationNotFound
	}
	if err != nil {
		return fmt.Errorf("confirm: lock bed %d: %w", res.BedID, err)
	}

	if status != string(model.BedReserved) || incidentID == nil || *incidentID != res.IncidentID {
		return ledger.ErrReservationNotFound
	}

	if time.Now().After(*expiry) {
		// Reclaim on the spot; admission did not happen in time.
		_, err = tx.Exec(ctx, `
			UPDATE beds
			SET status = 'free', reserved_incident_id = NULL,
			    reserved_expiry_time = NULL, updated_at = now()
			WHERE id = $1
		`, res.BedID)
		if err != nil {
			return fmt.Errorf("confirm: reclaim expired bed %d: %w", res.BedID, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("confirm: commit reclaim: %w", err)
		}
		r.invalidateAvail(ctx, res.HospitalID, res.BedType)
		return ledger.ErrReservationExpired
	}

	_, err = tx.Exec(ctx, `
		UPDATE beds
		SET status = 'occupied', reserved_incident_id = NULL,
		    reserved_expiry_time = NULL, updated_at = now()
		WHERE id = $1
	`, res.BedID)
	if err != nil {
		return fmt.Errorf("confirm: occupy bed %d: %w", res.BedID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("confirm: commit: %w", err)
	}
	r.invalidateAvail(ctx, res.HospitalID, res.BedType)
	return nil
}

// Release frees a held bed. The guard on incident id makes it idempotent and
// safe against a bed that was swept and re-reserved in the meantime.
func (r *BedRepository) Release(ctx context.Context, res *ledger.Reservation) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE beds
		SET status = 'free', reserved_incident_id = NULL,
		    reserved_expiry_time = NULL, updated_at = now()
		WHERE id = $1 AND status = 'reserved' AND reserved_incident_id = $2
	`, res.BedID, res.IncidentID)
	if err != nil {
		return fmt.Errorf("release: bed %d: %w", res.BedID, err)
	}
	r.invalidateAvail(ctx, res.HospitalID, res.BedType)
	return nil
}

// SweepExpired reclaims every lapsed reservation in one guarded update. The
// update takes the same row locks as Confirm, so an in-flight confirm either
// completes first or sees the bed already freed.
func (r *BedRepository) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE beds
		SET status = 'free', reserved_incident_id = NULL,
		    reserved_expiry_time = NULL, updated_at = now()
		WHERE status = 'reserved' AND reserved_expiry_time < $1
		RETURNING hospital_id, bed_type
	`, now)
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	defer rows.Close()

	released := 0
	for rows.Next() {
		var hospitalID int64
		var bedType model.BedType
		if err := rows.Scan(&hospitalID, &bedType); err != nil {
			return released, fmt.Errorf("sweep: scan: %w", err)
		}
		r.invalidateAvail(ctx, hospitalID, bedType)
		released++
	}
	return released, rows.Err()
}

// ─── Availability & stats ───────────────────────────────────

// AvailableCount returns the free-bed count for a hospital/type pair.
//
// Strategy:
//  1. Try Redis cache first (fast path, <1ms).
//  2. On cache miss, query PostgreSQL, then cache with a short TTL.
//
// Every state change invalidates the key, so ranking reads stay close to
// live; reservation revalidates against the row anyway.
func (r *BedRepository) AvailableCount(ctx context.Context, hospitalID int64, bedType model.BedType) (int, error) {
	key := availKey(hospitalID, bedType)

	if cached, err := r.redis.Get(ctx, key).Int(); err == nil {
		return cached, nil
	}

	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*)::int FROM beds
		WHERE hospital_id = $1 AND bed_type = $2 AND status = 'free'
	`, hospitalID, bedType).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("available count: %w", err)
	}

	// Fire-and-forget cache write.
	_ = r.redis.Set(ctx, key, count, availCacheTTL).Err()
	return count, nil
}

func (r *BedRepository) invalidateAvail(ctx context.Context, hospitalID int64, bedType model.BedType) {
	_ = r.redis.Del(ctx, availKey(hospitalID, bedType)).Err()
}

// BedStats returns total/occupied/reserved/available per bed type.
func (r *BedRepository) BedStats(ctx context.Context, hospitalID int64) (map[model.BedType]model.BedTypeStats, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT bed_type, status, COUNT(*)::int
		FROM beds
		WHERE hospital_id = $1
		GROUP BY bed_type, status
	`, hospitalID)
	if err != nil {
		return nil, fmt.Errorf("bed stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[model.BedType]model.BedTypeStats, len(model.AllBedTypes))
	for _, t := range model.AllBedTypes {
		stats[t] = model.BedTypeStats{}
	}
	for rows.Next() {
		var (
			bedType model.BedType
			status  string
			count   int
		)
		if err := rows.Scan(&bedType, &status, &count); err != nil {
			return nil, fmt.Errorf("bed stats: scan: %w", err)
		}
		st := stats[bedType]
		st.Total += count
		switch model.BedStatus(status) {
		case model.BedOccupied:
			st.Occupied += count
		case model.BedReserved:
			st.Reserved += count
		default:
			st.Available += count
		}
		stats[bedType] = st
	}
	return stats, rows.Err()
}

// ─── Inventory ──────────────────────────────────────────────

// AddBed inserts a new free bed.
func (r *BedRepository) AddBed(ctx context.Context, bed *model.Bed) (*model.Bed, error) {
	if bed.SeverityLevel == "" {
		bed.SeverityLevel = model.SeverityMedium
	}
	stored := *bed
	err := r.pool.QueryRow(ctx, `
		INSERT INTO beds (hospital_id, bed_number, bed_type, severity_level, status, notes)
		VALUES ($1, $2, $3, $4, 'free', $5)
		RETURNING id, created_at, updated_at
	`, bed.HospitalID, bed.BedNumber, bed.Type, bed.SeverityLevel, bed.Notes).
		Scan(&stored.ID, &stored.CreatedAt, &stored.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ledger.ErrDuplicateBedNumber
		}
		return nil, fmt.Errorf("add bed: %w", err)
	}
	stored.State = model.FreeState()
	return &stored, nil
}

// ListBeds returns the hospital's beds ordered by type then bed number.
func (r *BedRepository) ListBeds(ctx context.Context, hospitalID int64) ([]model.Bed, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, hospital_id, bed_number, bed_type, severity_level, status,
		       reserved_incident_id, reserved_expiry_time, notes, created_at, updated_at
		FROM beds
		WHERE hospital_id = $1
		ORDER BY bed_type, bed_number
	`, hospitalID)
	if err != nil {
		return nil, fmt.Errorf("list beds: %w", err)
	}
	defer rows.Close()

	var beds []model.Bed
	for rows.Next() {
		var (
			bed        model.Bed
			status     string
			incidentID *int64
			expiry     *time.Time
		)
		if err := rows.Scan(
			&bed.ID, &bed.HospitalID, &bed.BedNumber, &bed.Type, &bed.SeverityLevel,
			&status, &incidentID, &expiry, &bed.Notes, &bed.CreatedAt, &bed.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("list beds: scan: %w", err)
		}
		switch model.BedStatus(status) {
		case model.BedReserved:
			bed.State = model.ReservedState(*incidentID, *expiry)
		case model.BedOccupied:
			bed.State = model.OccupiedState()
		default:
			bed.State = model.FreeState()
		}
		beds = append(beds, bed)
	}
	return beds, rows.Err()
}
