package migrations

// RetentionPolicies bounds raw fix and stats history and adds daily rollups.
// Flights are kept forever.
var RetentionPolicies = &Migration{
	Name: "002_retention_policies",
	UpSQL: `
	SELECT add_retention_policy('fixes', INTERVAL '30 days');
	SELECT add_retention_policy('system_stats', INTERVAL '90 days');

	CREATE MATERIALIZED VIEW IF NOT EXISTS fixes_daily
	WITH (timescaledb.continuous) AS
	SELECT
		time_bucket('1 day', timestamp) AS day,
		protocol,
		COUNT(*) AS fix_count
	FROM fixes
	GROUP BY day, protocol
	WITH NO DATA;

	CREATE MATERIALIZED VIEW IF NOT EXISTS system_stats_daily
	WITH (timescaledb.continuous) AS
	SELECT
		time_bucket('1 day', time) AS day,
		MAX(fixes_processed) AS fixes_processed,
		MAX(flights_created) AS flights_created,
		MAX(flights_landed) AS flights_landed,
		MAX(flights_timed_out) AS flights_timed_out,
		MAX(coalesce_resumed) AS coalesce_resumed,
		MAX(coalesce_rejected) AS coalesce_rejected
	FROM system_stats
	GROUP BY day
	WITH NO DATA;
	`,
	DownSQL: `
	DROP MATERIALIZED VIEW IF EXISTS system_stats_daily;
	DROP MATERIALIZED VIEW IF EXISTS fixes_daily;
	SELECT remove_retention_policy('fixes');
	SELECT remove_retention_policy('system_stats');
	`,
}
