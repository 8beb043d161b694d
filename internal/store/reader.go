package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/meshsight/mesh-gateway/internal/meshutil"
	"github.com/meshsight/mesh-gateway/internal/metrics"
)

// ErrUnknownDistribution marks a distribution type the API does not serve.
var ErrUnknownDistribution = errors.New("unknown distribution type")

var distributionColumns = map[string]string{
	"hardware": "hw_model",
	"firmware": "firmware_version",
	"role":     "role",
}

// ActiveNodeIDs lists the nodes with a position update inside [start, end],
// additionally bounded by the position retention window.
func (r *Repo) ActiveNodeIDs(ctx context.Context, start, end time.Time) ([]uint32, error) {
	cutoff := time.Now().UTC().Add(-r.params.PositionMaxQueryPeriod)
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT node_id
		FROM node_position
		WHERE update_at >= $1 AND update_at >= $2 AND update_at <= $3
		ORDER BY node_id`,
		cutoff, start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("query active nodes: %w", err)
	}
	defer rows.Close()

	var ids []uint32
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan node id: %w", err)
		}
		ids = append(ids, uint32(id))
	}
	return ids, rows.Err()
}

// NodeInfoByID returns the stored snapshot, or nil when the node has none.
func (r *Repo) NodeInfoByID(ctx context.Context, id uint32) (*NodeInfo, error) {
	var rec NodeInfo
	var nodeID int64
	err := r.pool.QueryRow(ctx, `
		SELECT node_id, long_name, short_name, hw_model, role, firmware_version,
			lora_region, lora_modem_preset, is_licensed, has_default_channel,
			num_online_local_nodes, update_at, topic
		FROM node_info
		WHERE node_id = $1`,
		int64(id),
	).Scan(&nodeID, &rec.LongName, &rec.ShortName, &rec.HWModel, &rec.Role,
		&rec.FirmwareVersion, &rec.LoRaRegion, &rec.LoRaModemPreset, &rec.IsLicensed,
		&rec.HasDefaultChannel, &rec.NumOnlineLocalNodes, &rec.UpdateAt, &rec.Topic)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query node_info: %w", err)
	}
	rec.NodeID = uint32(nodeID)
	return &rec, nil
}

// RecentPositions returns the newest position per reporting topic for one
// node, newest first, at most limit rows.
func (r *Repo) RecentPositions(ctx context.Context, id uint32, limit int) ([]NodePositionRow, error) {
	cutoff := time.Now().UTC().Add(-r.params.PositionMaxQueryPeriod)
	rows, err := r.pool.Query(ctx, `
		SELECT node_id, latitude, longitude, altitude, precision_bits, sats_in_view,
			create_at, update_at, topic
		FROM (
			SELECT DISTINCT ON (topic) node_id, latitude, longitude, altitude,
				precision_bits, sats_in_view, create_at, update_at, topic
			FROM node_position
			WHERE node_id = $1 AND update_at >= $2
			ORDER BY topic, update_at DESC
		) p
		ORDER BY update_at DESC
		LIMIT $3`,
		int64(id), cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var out []NodePositionRow
	for rows.Next() {
		var p NodePositionRow
		var nodeID int64
		if err := rows.Scan(&nodeID, &p.Latitude, &p.Longitude, &p.Altitude,
			&p.PrecisionBits, &p.SatsInView, &p.CreateAt, &p.UpdateAt, &p.Topic); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		p.NodeID = uint32(nodeID)
		out = append(out, p)
	}
	return out, rows.Err()
}

// reportersFromTopics parses the gateway node off each topic tail and
// deduplicates, keeping first-seen order. Topics without a parseable id,
// the map family for one, contribute nothing.
func reportersFromTopics(topics []string) []uint32 {
	seen := make(map[uint32]bool)
	var reporters []uint32
	for _, topic := range topics {
		rep, err := meshutil.ParseNodeID(meshutil.ReporterFromTopic(topic))
		if err != nil || seen[rep] {
			continue
		}
		seen[rep] = true
		reporters = append(reporters, rep)
	}
	return reporters
}

// PositionReporters lists the gateway nodes that uplinked this node's
// positions within the window, parsed from the stored topic tails.
func (r *Repo) PositionReporters(ctx context.Context, id uint32, window time.Duration) ([]uint32, error) {
	now := time.Now().UTC()
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT topic
		FROM node_position
		WHERE node_id = $1 AND update_at >= $2 AND update_at >= $3`,
		int64(id), now.Add(-r.params.PositionMaxQueryPeriod), now.Add(-window),
	)
	if err != nil {
		return nil, fmt.Errorf("query reporter topics: %w", err)
	}
	defer rows.Close()

	var topics []string
	for rows.Next() {
		var topic string
		if err := rows.Scan(&topic); err != nil {
			return nil, fmt.Errorf("scan topic: %w", err)
		}
		topics = append(topics, topic)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return reportersFromTopics(topics), nil
}

// NeighborPairs returns every stored RF edge whose aggregate report falls
// inside [start, end], bounded by the neighbor retention window.
func (r *Repo) NeighborPairs(ctx context.Context, start, end time.Time) ([]NeighborPairRow, error) {
	cutoff := time.Now().UTC().Add(-r.params.NeighborMaxQueryPeriod)
	rows, err := r.pool.Query(ctx, `
		SELECT e.node_id, e.edge_node_id, e.snr
		FROM node_neighbor_info i
		JOIN node_neighbor_edge e ON e.node_id = i.node_id
		WHERE i.update_at >= $1 AND i.update_at >= $2 AND i.update_at <= $3
		ORDER BY e.node_id, e.edge_node_id`,
		cutoff, start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("query neighbor pairs: %w", err)
	}
	defer rows.Close()

	var out []NeighborPairRow
	for rows.Next() {
		var p NeighborPairRow
		var nodeID, edgeID int64
		if err := rows.Scan(&nodeID, &edgeID, &p.SNR); err != nil {
			return nil, fmt.Errorf("scan neighbor pair: %w", err)
		}
		p.NodeID = uint32(nodeID)
		p.EdgeNodeID = uint32(edgeID)
		out = append(out, p)
	}
	return out, rows.Err()
}

// TelemetryDeviceRange returns one node's device-metrics samples inside
// [start, end] in chronological order.
func (r *Repo) TelemetryDeviceRange(ctx context.Context, id uint32, start, end time.Time) ([]TelemetryDeviceRow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT node_id, battery_level, voltage, channel_utilization, air_util_tx,
			uptime_seconds, create_at, update_at, topic
		FROM node_telemetry_device
		WHERE node_id = $1 AND update_at >= $2 AND update_at <= $3
		ORDER BY update_at`,
		int64(id), start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("query device telemetry: %w", err)
	}
	defer rows.Close()

	var out []TelemetryDeviceRow
	for rows.Next() {
		var t TelemetryDeviceRow
		var nodeID int64
		if err := rows.Scan(&nodeID, &t.BatteryLevel, &t.Voltage, &t.ChannelUtilization,
			&t.AirUtilTx, &t.UptimeSeconds, &t.CreateAt, &t.UpdateAt, &t.Topic); err != nil {
			return nil, fmt.Errorf("scan device telemetry: %w", err)
		}
		t.NodeID = uint32(nodeID)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ActiveHourlyRange returns the device-activity rollup rows in [start, end].
func (r *Repo) ActiveHourlyRange(ctx context.Context, start, end time.Time) ([]ActiveHourlyRow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT hourly, known_count, unknown_count
		FROM analysis_device_active_hourly
		WHERE hourly >= $1 AND hourly <= $2
		ORDER BY hourly`,
		start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("query active hourly: %w", err)
	}
	defer rows.Close()

	var out []ActiveHourlyRow
	for rows.Next() {
		var row ActiveHourlyRow
		if err := rows.Scan(&row.Hourly, &row.KnownCount, &row.UnknownCount); err != nil {
			return nil, fmt.Errorf("scan active hourly: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Distribution buckets the nodes updated in the last 24 hours by one of
// the whitelisted node_info attributes, most common first.
func (r *Repo) Distribution(ctx context.Context, kind string) ([]DistributionRow, error) {
	col, ok := distributionColumns[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDistribution, kind)
	}

	q := fmt.Sprintf(`
		SELECT COALESCE(%s, 'Unknown') AS name, COUNT(*) AS count
		FROM node_info
		WHERE update_at >= $1
		GROUP BY name
		ORDER BY count DESC`, pgx.Identifier{col}.Sanitize())

	rows, err := r.pool.Query(ctx, q, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("query %s distribution: %w", kind, err)
	}
	defer rows.Close()

	var out []DistributionRow
	for rows.Next() {
		var row DistributionRow
		if err := rows.Scan(&row.Name, &row.Count); err != nil {
			return nil, fmt.Errorf("scan distribution: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// RollupActiveHour recounts the devices active inside the given hour and
// upserts the analysis row. A device is active when any of its tables got
// an update in the hour; known means it has a node_info snapshot.
func (r *Repo) RollupActiveHour(ctx context.Context, hour time.Time) error {
	start := time.Now()
	from := hour.Truncate(time.Hour)

	tag, err := r.pool.Exec(ctx, `
		WITH active AS (
			SELECT node_id FROM node_position WHERE update_at >= $1 AND update_at < $2
			UNION
			SELECT node_id FROM node_neighbor_info WHERE update_at >= $1 AND update_at < $2
			UNION
			SELECT node_id FROM node_info WHERE update_at >= $1 AND update_at < $2
			UNION
			SELECT node_id FROM node_telemetry_device WHERE update_at >= $1 AND update_at < $2
			UNION
			SELECT node_id FROM node_telemetry_environment WHERE update_at >= $1 AND update_at < $2
			UNION
			SELECT node_id FROM node_telemetry_air_quality WHERE update_at >= $1 AND update_at < $2
			UNION
			SELECT node_id FROM node_telemetry_power WHERE update_at >= $1 AND update_at < $2
		)
		INSERT INTO analysis_device_active_hourly (hourly, known_count, unknown_count)
		SELECT $1,
			COUNT(*) FILTER (WHERE i.node_id IS NOT NULL),
			COUNT(*) FILTER (WHERE i.node_id IS NULL)
		FROM active a
		LEFT JOIN node_info i ON i.node_id = a.node_id
		ON CONFLICT (hourly) DO UPDATE SET
			known_count   = EXCLUDED.known_count,
			unknown_count = EXCLUDED.unknown_count`,
		from, from.Add(time.Hour),
	)
	if err != nil {
		return fmt.Errorf("rollup active hour: %w", err)
	}

	metrics.DBWriteDuration.WithLabelValues("rollup_active_hourly").Observe(time.Since(start).Seconds())
	metrics.DBRowsAffectedTotal.WithLabelValues("analysis_device_active_hourly", "upsert").Add(float64(tag.RowsAffected()))
	return nil
}

// PrunePositions deletes position rows past the retention window and
// returns the count.
func (r *Repo) PrunePositions(ctx context.Context) (int64, error) {
	start := time.Now()
	cutoff := start.UTC().Add(-r.params.PositionMaxQueryPeriod)

	tag, err := r.pool.Exec(ctx, `DELETE FROM node_position WHERE update_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune node_position: %w", err)
	}

	n := tag.RowsAffected()
	metrics.DBWriteDuration.WithLabelValues("prune_position").Observe(time.Since(start).Seconds())
	metrics.DBRowsAffectedTotal.WithLabelValues("node_position", "delete").Add(float64(n))
	return n, nil
}

// PruneNeighborInfo deletes neighbor reports past the retention window.
// Edges go with their info rows through the cascade; the count covers
// info rows only.
func (r *Repo) PruneNeighborInfo(ctx context.Context) (int64, error) {
	start := time.Now()
	cutoff := start.UTC().Add(-r.params.NeighborMaxQueryPeriod)

	tag, err := r.pool.Exec(ctx, `DELETE FROM node_neighbor_info WHERE update_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune node_neighbor_info: %w", err)
	}

	n := tag.RowsAffected()
	metrics.DBWriteDuration.WithLabelValues("prune_neighbor_info").Observe(time.Since(start).Seconds())
	metrics.DBRowsAffectedTotal.WithLabelValues("node_neighbor_info", "delete").Add(float64(n))
	return n, nil
}
