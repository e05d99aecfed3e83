package migrations

// InitialSchema creates aircraft, fixes, flights, receivers and system_stats
var InitialSchema = &Migration{
	Name: "001_initial_schema",
	UpSQL: `
		CREATE EXTENSION IF NOT EXISTS timescaledb;

		CREATE TABLE IF NOT EXISTS aircraft (
			id UUID PRIMARY KEY,
			address INTEGER NOT NULL,
			address_type TEXT NOT NULL,
			registration TEXT,
			model TEXT,
			aircraft_type TEXT NOT NULL DEFAULT '',
			identified BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (address_type, address)
		);

		CREATE TABLE IF NOT EXISTS fixes (
			id UUID NOT NULL,
			protocol TEXT NOT NULL,
			source TEXT NOT NULL,
			destination TEXT NOT NULL DEFAULT '',
			via TEXT[],
			raw_packet TEXT NOT NULL,
			receiver TEXT NOT NULL DEFAULT '',
			timestamp TIMESTAMPTZ NOT NULL,
			received_at TIMESTAMPTZ NOT NULL,
			latitude DOUBLE PRECISION NOT NULL,
			longitude DOUBLE PRECISION NOT NULL,
			altitude_feet INTEGER,
			aircraft_id UUID NOT NULL REFERENCES aircraft (id),
			device_type TEXT NOT NULL DEFAULT '',
			aircraft_type TEXT NOT NULL DEFAULT '',
			emitter_category TEXT,
			registration TEXT,
			model TEXT,
			callsign TEXT,
			squawk TEXT,
			ground_speed_knots DOUBLE PRECISION,
			track_degrees DOUBLE PRECISION CHECK (track_degrees >= 0 AND track_degrees < 360),
			climb_fpm INTEGER,
			turn_rate_rot DOUBLE PRECISION,
			snr_db DOUBLE PRECISION,
			bit_errors_corrected INTEGER,
			freq_offset_khz DOUBLE PRECISION,
			on_ground BOOLEAN,
			flight_id UUID,
			PRIMARY KEY (id, timestamp)
		);

		SELECT create_hypertable('fixes', 'timestamp');

		CREATE INDEX IF NOT EXISTS idx_fixes_aircraft_time ON fixes (aircraft_id, timestamp DESC);
		CREATE INDEX IF NOT EXISTS idx_fixes_flight_time ON fixes (flight_id, timestamp DESC) WHERE flight_id IS NOT NULL;

		CREATE TABLE IF NOT EXISTS flights (
			id UUID PRIMARY KEY,
			aircraft_id UUID NOT NULL REFERENCES aircraft (id),
			takeoff_time TIMESTAMPTZ,
			landing_time TIMESTAMPTZ,
			timed_out_at TIMESTAMPTZ,
			departure_airport TEXT,
			arrival_airport TEXT,
			tow_aircraft_id UUID REFERENCES aircraft (id),
			tow_release_height_msl INTEGER,
			callsign TEXT,
			last_fix_at TIMESTAMPTZ NOT NULL,
			distance_meters DOUBLE PRECISION NOT NULL DEFAULT 0,
			first_observed_airborne BOOLEAN NOT NULL DEFAULT FALSE,
			timeout_phase TEXT,
			timeout_resolved BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CHECK (landing_time IS NULL OR timed_out_at IS NULL)
		);

		-- At most one flight per aircraft may be airborne or resumable
		CREATE UNIQUE INDEX IF NOT EXISTS idx_flights_one_open_per_aircraft
			ON flights (aircraft_id)
			WHERE landing_time IS NULL AND NOT timeout_resolved;
		CREATE INDEX IF NOT EXISTS idx_flights_takeoff_time ON flights (takeoff_time);

		CREATE TABLE IF NOT EXISTS receivers (
			callsign TEXT PRIMARY KEY,
			latitude DOUBLE PRECISION,
			longitude DOUBLE PRECISION,
			altitude_feet INTEGER,
			last_position_at TIMESTAMPTZ,
			last_status TEXT,
			last_status_at TIMESTAMPTZ
		);

		CREATE TABLE IF NOT EXISTS system_stats (
			time TIMESTAMPTZ NOT NULL,
			fixes_processed BIGINT NOT NULL,
			fixes_duplicate BIGINT NOT NULL,
			fixes_out_of_order BIGINT NOT NULL,
			flights_created BIGINT NOT NULL,
			flights_landed BIGINT NOT NULL,
			flights_timed_out BIGINT NOT NULL,
			coalesce_resumed BIGINT NOT NULL,
			coalesce_rejected BIGINT NOT NULL,
			active_aircraft BIGINT NOT NULL,
			active_flights BIGINT NOT NULL
		);

		SELECT create_hypertable('system_stats', 'time');
		CREATE INDEX IF NOT EXISTS idx_system_stats_time ON system_stats (time DESC);
	`,
	DownSQL: `
		DROP TABLE IF EXISTS system_stats;
		DROP TABLE IF EXISTS receivers;
		DROP TABLE IF EXISTS flights;
		DROP TABLE IF EXISTS fixes;
		DROP TABLE IF EXISTS aircraft;
	`,
}
