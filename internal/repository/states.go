// Package repository contains the pgx data access layer: the authoritative
// aircraft state table with its append-only history, and the webhook
// subscription/event/delivery tables.
//
// The acceptance decision for conflicting reports is encoded in the WHERE
// clause of a single INSERT … ON CONFLICT DO UPDATE statement, which makes
// it atomic at the row level. Two workers applying two messages for the
// same aircraft in either order converge on the same row without any
// application-side locking: the database row is the lock.
package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/dhightnm/fly-overhead/internal/model"
)

// StateRepository owns aircraft_states and aircraft_state_history.
type StateRepository struct {
	pool       *pgxpool.Pool
	logger     *zap.Logger
	staleAfter time.Duration
}

// NewStateRepository creates a repository. staleAfter is the staleness
// override window mirrored from the worker's acceptance rules.
func NewStateRepository(pool *pgxpool.Pool, logger *zap.Logger, staleAfter time.Duration) *StateRepository {
	return &StateRepository{pool: pool, logger: logger, staleAfter: staleAfter}
}

// upsertSQL applies the reconciliation rules (model.ShouldAccept) as the
// update guard:
//
//	accept iff incoming.last_contact > stored.last_contact
//	      or (equal last_contact and better priority)
//	      or (equal last_contact and priority, later ingestion)
//	      or stored record is stale beyond the override window
const upsertSQL = `
INSERT INTO aircraft_states (
    icao24, callsign, origin_country,
    latitude, longitude, baro_altitude, geo_altitude, on_ground,
    velocity, true_track, vertical_rate, category, squawk, emergency,
    last_contact, ingestion_timestamp, data_source, source_priority, feeder_id
) VALUES (
    $1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
    $11, $12, $13, $14, $15, $16, $17, $18, $19
)
ON CONFLICT (icao24) DO UPDATE SET
    callsign            = EXCLUDED.callsign,
    origin_country      = EXCLUDED.origin_country,
    latitude            = EXCLUDED.latitude,
    longitude           = EXCLUDED.longitude,
    baro_altitude       = EXCLUDED.baro_altitude,
    geo_altitude        = EXCLUDED.geo_altitude,
    on_ground           = EXCLUDED.on_ground,
    velocity            = EXCLUDED.velocity,
    true_track          = EXCLUDED.true_track,
    vertical_rate       = EXCLUDED.vertical_rate,
    category            = EXCLUDED.category,
    squawk              = EXCLUDED.squawk,
    emergency           = EXCLUDED.emergency,
    last_contact        = EXCLUDED.last_contact,
    ingestion_timestamp = EXCLUDED.ingestion_timestamp,
    data_source         = EXCLUDED.data_source,
    source_priority     = EXCLUDED.source_priority,
    feeder_id           = EXCLUDED.feeder_id
WHERE EXCLUDED.last_contact > aircraft_states.last_contact
   OR (EXCLUDED.last_contact = aircraft_states.last_contact AND (
           EXCLUDED.source_priority < aircraft_states.source_priority
        OR (EXCLUDED.source_priority = aircraft_states.source_priority
            AND EXCLUDED.ingestion_timestamp > aircraft_states.ingestion_timestamp)))
   OR aircraft_states.last_contact < EXTRACT(EPOCH FROM now()) - $20
`

const historySQL = `
INSERT INTO aircraft_state_history (
    icao24, callsign, origin_country,
    latitude, longitude, baro_altitude, geo_altitude, on_ground,
    velocity, true_track, vertical_rate, category, squawk, emergency,
    last_contact, ingestion_timestamp, data_source, source_priority, feeder_id
) VALUES (
    $1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
    $11, $12, $13, $14, $15, $16, $17, $18, $19
)
`

// ConditionalUpsert writes rec if it wins under the acceptance rules and
// reports whether it was accepted. On acceptance it also appends a history
// row unless skipHistory is set; a history failure is logged and swallowed
// because the authoritative state has already been written.
func (r *StateRepository) ConditionalUpsert(ctx context.Context, rec *model.StateRecord, skipHistory bool) (bool, error) {
	args := []any{
		rec.Icao24, rec.Callsign, rec.OriginCountry,
		rec.Latitude, rec.Longitude, rec.BaroAltitude, rec.GeoAltitude, rec.OnGround,
		rec.Velocity, rec.TrueTrack, rec.VerticalRate, rec.Category, rec.Squawk, rec.Emergency,
		rec.LastContact, rec.IngestionTime, rec.DataSource, rec.SourcePriority, nullableString(rec.FeederID),
	}

	tag, err := r.pool.Exec(ctx, upsertSQL, append(args, r.staleAfter.Seconds())...)
	if err != nil {
		return false, fmt.Errorf("conditional upsert %s: %w", rec.Icao24, err)
	}
	accepted := tag.RowsAffected() > 0
	if !accepted || skipHistory {
		return accepted, nil
	}

	if _, err := r.pool.Exec(ctx, historySQL, args...); err != nil {
		r.logger.Error("history insert failed",
			zap.String("icao24", rec.Icao24),
			zap.Error(err),
		)
	}
	return true, nil
}

const boundsSQL = `
SELECT icao24, callsign, origin_country,
       latitude, longitude, baro_altitude, geo_altitude, on_ground,
       velocity, true_track, vertical_rate, category, squawk, emergency,
       last_contact, ingestion_timestamp, data_source, source_priority,
       COALESCE(feeder_id, '')
  FROM aircraft_states
 WHERE latitude  BETWEEN $1 AND $2
   AND longitude BETWEEN $3 AND $4
   AND last_contact >= EXTRACT(EPOCH FROM now()) - $5
`

// QueryBounds returns all current records inside the box whose last_contact
// is within the freshness window.
func (r *StateRepository) QueryBounds(ctx context.Context, b model.Bounds, freshness time.Duration) ([]model.StateRecord, error) {
	rows, err := r.pool.Query(ctx, boundsSQL,
		b.LatMin, b.LatMax, b.LonMin, b.LonMax, freshness.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("bounds query: %w", err)
	}
	defer rows.Close()

	var out []model.StateRecord
	for rows.Next() {
		var rec model.StateRecord
		err := rows.Scan(
			&rec.Icao24, &rec.Callsign, &rec.OriginCountry,
			&rec.Latitude, &rec.Longitude, &rec.BaroAltitude, &rec.GeoAltitude, &rec.OnGround,
			&rec.Velocity, &rec.TrueTrack, &rec.VerticalRate, &rec.Category, &rec.Squawk, &rec.Emergency,
			&rec.LastContact, &rec.IngestionTime, &rec.DataSource, &rec.SourcePriority, &rec.FeederID,
		)
		if err != nil {
			return nil, fmt.Errorf("bounds scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PruneHistory deletes history rows whose observation time has aged out of
// the rolling retention window, returning the number removed.
func (r *StateRepository) PruneHistory(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM aircraft_state_history WHERE last_contact < EXTRACT(EPOCH FROM now()) - $1`,
		retention.Seconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return tag.RowsAffected(), nil
}

// nullableString maps "" to SQL NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
