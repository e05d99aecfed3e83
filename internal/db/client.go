package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/saviobatista/flight-tracker/internal/types"
)

type Client struct {
	db *sql.DB
}

// execer is satisfied by both *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// New creates a new database client
func New(connStr string) (*Client, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	return &Client{db: db}, nil
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// Ping verifies the database is reachable
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// GetAircraftByAddress looks up an aircraft by its device address.
// It returns nil without error when the address has never been seen.
func (c *Client) GetAircraftByAddress(ctx context.Context, addrType types.AddressType, addr uint32) (*types.Aircraft, error) {
	query := `
		SELECT id, address, address_type, registration, model, aircraft_type, identified, created_at
		FROM aircraft
		WHERE address_type = $1 AND address = $2
	`
	var a types.Aircraft
	err := c.db.QueryRowContext(ctx, query, addrType, int64(addr)).Scan(
		&a.ID, &a.Address, &a.AddressType, &a.Registration, &a.Model, &a.AircraftType, &a.Identified, &a.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query aircraft %s:%s: %w", addrType, types.FormatAddress(addr), err)
	}
	return &a, nil
}

// UpsertAircraft inserts an aircraft unless one with the same address exists,
// and returns the stored row either way.
func (c *Client) UpsertAircraft(ctx context.Context, a *types.Aircraft) (*types.Aircraft, error) {
	query := `
		INSERT INTO aircraft (id, address, address_type, registration, model, aircraft_type, identified)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (address_type, address) DO UPDATE SET address = EXCLUDED.address
		RETURNING id, address, address_type, registration, model, aircraft_type, identified, created_at
	`
	var out types.Aircraft
	err := c.db.QueryRowContext(ctx, query,
		a.ID, int64(a.Address), a.AddressType, a.Registration, a.Model, a.AircraftType, a.Identified,
	).Scan(
		&out.ID, &out.Address, &out.AddressType, &out.Registration, &out.Model, &out.AircraftType, &out.Identified, &out.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert aircraft %s:%s: %w", a.AddressType, types.FormatAddress(a.Address), err)
	}
	return &out, nil
}

// insertFix stores a fix. Inserting the same fix twice is a no-op.
func insertFix(ctx context.Context, ex execer, f *types.Fix) error {
	query := `
		INSERT INTO fixes (
			id, protocol, source, destination, via, raw_packet, receiver,
			timestamp, received_at, latitude, longitude, altitude_feet,
			aircraft_id, device_type, aircraft_type, emitter_category, registration, model,
			callsign, squawk, ground_speed_knots, track_degrees, climb_fpm, turn_rate_rot,
			snr_db, bit_errors_corrected, freq_offset_khz, on_ground, flight_id
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29
		)
		ON CONFLICT (id, timestamp) DO NOTHING
	`
	_, err := ex.ExecContext(ctx, query,
		f.ID, f.Protocol, f.Source, f.Destination, pq.Array(f.Via), f.RawPacket, f.Receiver,
		f.Timestamp, f.ReceivedAt, f.Latitude, f.Longitude, f.AltitudeFeet,
		f.AircraftID, f.AddressType, f.AircraftType, f.EmitterCategory, f.Registration, f.Model,
		f.Callsign, f.Squawk, f.GroundSpeedKnots, f.TrackDegrees, f.ClimbFPM, f.TurnRateROT,
		f.SNRdB, f.BitErrorsCorrected, f.FreqOffsetKHz, f.OnGround, f.FlightID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert fix %s: %w", f.ID, err)
	}
	return nil
}

// GetLastFixForFlight returns the most recent fix of a flight, or nil if it has none
func (c *Client) GetLastFixForFlight(ctx context.Context, flightID uuid.UUID) (*types.Fix, error) {
	query := `
		SELECT id, protocol, source, timestamp, received_at, latitude, longitude, altitude_feet,
			aircraft_id, device_type, aircraft_type, emitter_category, callsign,
			ground_speed_knots, track_degrees, climb_fpm, on_ground, flight_id
		FROM fixes
		WHERE flight_id = $1
		ORDER BY timestamp DESC
		LIMIT 1
	`
	var f types.Fix
	err := c.db.QueryRowContext(ctx, query, flightID).Scan(
		&f.ID, &f.Protocol, &f.Source, &f.Timestamp, &f.ReceivedAt, &f.Latitude, &f.Longitude, &f.AltitudeFeet,
		&f.AircraftID, &f.AddressType, &f.AircraftType, &f.EmitterCategory, &f.Callsign,
		&f.GroundSpeedKnots, &f.TrackDegrees, &f.ClimbFPM, &f.OnGround, &f.FlightID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query last fix of flight %s: %w", flightID, err)
	}
	return &f, nil
}

const flightColumns = `id, aircraft_id, takeoff_time, landing_time, timed_out_at,
			departure_airport, arrival_airport, tow_aircraft_id, tow_release_height_msl,
			callsign, last_fix_at, distance_meters, first_observed_airborne, timeout_phase,
			timeout_resolved, created_at, updated_at`

func scanFlight(row interface{ Scan(...any) error }) (*types.Flight, error) {
	var f types.Flight
	var phase sql.NullString
	if err := row.Scan(
		&f.ID, &f.AircraftID, &f.TakeoffTime, &f.LandingTime, &f.TimedOutAt,
		&f.DepartureAirport, &f.ArrivalAirport, &f.TowAircraftID, &f.TowReleaseHeightMSL,
		&f.Callsign, &f.LastFixAt, &f.DistanceMeters, &f.FirstObservedAirborne, &phase,
		&f.TimeoutResolved, &f.CreatedAt, &f.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if phase.Valid {
		f.TimeoutPhase = types.FlightPhase(phase.String)
	}
	return &f, nil
}

// GetOpenFlights retrieves flights that are airborne or timed out and still resumable
func (c *Client) GetOpenFlights(ctx context.Context) ([]*types.Flight, error) {
	query := `SELECT ` + flightColumns + `
		FROM flights
		WHERE landing_time IS NULL AND NOT timeout_resolved
	`
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query open flights: %w", err)
	}
	defer rows.Close()

	var flights []*types.Flight
	for rows.Next() {
		f, err := scanFlight(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flight: %w", err)
		}
		flights = append(flights, f)
	}
	return flights, rows.Err()
}

// GetFlight retrieves a single flight by id
func (c *Client) GetFlight(ctx context.Context, id uuid.UUID) (*types.Flight, error) {
	query := `SELECT ` + flightColumns + ` FROM flights WHERE id = $1`
	f, err := scanFlight(c.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query flight %s: %w", id, err)
	}
	return f, nil
}

func nullPhase(p types.FlightPhase) sql.NullString {
	return sql.NullString{String: string(p), Valid: p != ""}
}

func createFlight(ctx context.Context, ex execer, f *types.Flight) error {
	query := `
		INSERT INTO flights (
			id, aircraft_id, takeoff_time, landing_time, timed_out_at,
			departure_airport, arrival_airport, tow_aircraft_id, tow_release_height_msl,
			callsign, last_fix_at, distance_meters, first_observed_airborne, timeout_phase,
			timeout_resolved
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := ex.ExecContext(ctx, query,
		f.ID, f.AircraftID, f.TakeoffTime, f.LandingTime, f.TimedOutAt,
		f.DepartureAirport, f.ArrivalAirport, f.TowAircraftID, f.TowReleaseHeightMSL,
		f.Callsign, f.LastFixAt, f.DistanceMeters, f.FirstObservedAirborne, nullPhase(f.TimeoutPhase),
		f.TimeoutResolved,
	)
	if err != nil {
		return fmt.Errorf("failed to create flight %s: %w", f.ID, err)
	}
	return nil
}

// updateFlight fails with sql.ErrNoRows when the flight does not exist
func updateFlight(ctx context.Context, ex execer, f *types.Flight) error {
	query := `
		UPDATE flights SET
			takeoff_time = $1, landing_time = $2, timed_out_at = $3,
			departure_airport = $4, arrival_airport = $5,
			tow_aircraft_id = $6, tow_release_height_msl = $7,
			callsign = $8, last_fix_at = $9, distance_meters = $10,
			timeout_phase = $11, timeout_resolved = $12, updated_at = NOW()
		WHERE id = $13
	`
	res, err := ex.ExecContext(ctx, query,
		f.TakeoffTime, f.LandingTime, f.TimedOutAt,
		f.DepartureAirport, f.ArrivalAirport,
		f.TowAircraftID, f.TowReleaseHeightMSL,
		f.Callsign, f.LastFixAt, f.DistanceMeters,
		nullPhase(f.TimeoutPhase), f.TimeoutResolved,
		f.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update flight %s: %w", f.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("failed to update flight %s: %w", f.ID, sql.ErrNoRows)
	}
	return nil
}

// CommitFix writes everything one fix changed in a single transaction:
// flight updates, then new flights, then the fix itself. fix may be nil
// when only flights changed. Updates go first so a closed flight never
// collides with its successor on the one-open-flight index.
func (c *Client) CommitFix(ctx context.Context, updated, created []*types.Flight, fix *types.Fix) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, f := range updated {
		if err := updateFlight(ctx, tx, f); err != nil {
			return err
		}
	}
	for _, f := range created {
		if err := createFlight(ctx, tx, f); err != nil {
			return err
		}
	}
	if fix != nil {
		if err := insertFix(ctx, tx, fix); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpsertReceiverPosition records the position beacon of a receiving station
func (c *Client) UpsertReceiverPosition(ctx context.Context, r *types.Receiver) error {
	query := `
		INSERT INTO receivers (callsign, latitude, longitude, altitude_feet, last_position_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (callsign) DO UPDATE SET
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			altitude_feet = EXCLUDED.altitude_feet,
			last_position_at = EXCLUDED.last_position_at
	`
	_, err := c.db.ExecContext(ctx, query, r.Callsign, r.Latitude, r.Longitude, r.AltitudeFeet, r.LastPositionAt)
	if err != nil {
		return fmt.Errorf("failed to upsert receiver position %s: %w", r.Callsign, err)
	}
	return nil
}

// UpsertReceiverStatus records the status beacon of a receiving station
func (c *Client) UpsertReceiverStatus(ctx context.Context, r *types.Receiver) error {
	query := `
		INSERT INTO receivers (callsign, last_status, last_status_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (callsign) DO UPDATE SET
			last_status = EXCLUDED.last_status,
			last_status_at = EXCLUDED.last_status_at
	`
	_, err := c.db.ExecContext(ctx, query, r.Callsign, r.LastStatus, r.LastStatusAt)
	if err != nil {
		return fmt.Errorf("failed to upsert receiver status %s: %w", r.Callsign, err)
	}
	return nil
}

// SystemStats is one periodic snapshot of the processing counters
type SystemStats struct {
	Time             time.Time
	FixesProcessed   int64
	FixesDuplicate   int64
	FixesOutOfOrder  int64
	FlightsCreated   int64
	FlightsLanded    int64
	FlightsTimedOut  int64
	CoalesceResumed  int64
	CoalesceRejected int64
	ActiveAircraft   int64
	ActiveFlights    int64
}

// StoreSystemStats stores system statistics
func (c *Client) StoreSystemStats(ctx context.Context, s SystemStats) error {
	query := `
		INSERT INTO system_stats (
			time, fixes_processed, fixes_duplicate, fixes_out_of_order,
			flights_created, flights_landed, flights_timed_out,
			coalesce_resumed, coalesce_rejected, active_aircraft, active_flights
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := c.db.ExecContext(ctx, query,
		s.Time, s.FixesProcessed, s.FixesDuplicate, s.FixesOutOfOrder,
		s.FlightsCreated, s.FlightsLanded, s.FlightsTimedOut,
		s.CoalesceResumed, s.CoalesceRejected, s.ActiveAircraft, s.ActiveFlights,
	)
	if err != nil {
		return fmt.Errorf("failed to store system stats: %w", err)
	}
	return nil
}

// GetSystemStats retrieves system statistics for a time range
func (c *Client) GetSystemStats(ctx context.Context, start, end time.Time) ([]SystemStats, error) {
	query := `
		SELECT
			time, fixes_processed, fixes_duplicate, fixes_out_of_order,
			flights_created, flights_landed, flights_timed_out,
			coalesce_resumed, coalesce_rejected, active_aircraft, active_flights
		FROM system_stats
		WHERE time BETWEEN $1 AND $2
		ORDER BY time DESC
	`
	rows, err := c.db.QueryContext(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query system stats: %w", err)
	}
	defer rows.Close()

	var out []SystemStats
	for rows.Next() {
		var s SystemStats
		if err := rows.Scan(
			&s.Time, &s.FixesProcessed, &s.FixesDuplicate, &s.FixesOutOfOrder,
			&s.FlightsCreated, &s.FlightsLanded, &s.FlightsTimedOut,
			&s.CoalesceResumed, &s.CoalesceRejected, &s.ActiveAircraft, &s.ActiveFlights,
		); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
