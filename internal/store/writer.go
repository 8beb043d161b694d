package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/meshsight/mesh-gateway/internal/meshutil"
	"github.com/meshsight/mesh-gateway/internal/metrics"
)

// GREATEST ignores nulls, so a nil heardAt keeps the stored value and a
// fresh row without one stays null.
const ensureNodeSQL = `
	INSERT INTO node (id, id_hex, last_heard_at)
	VALUES ($1, $2, $3)
	ON CONFLICT (id) DO UPDATE SET
		last_heard_at = GREATEST(node.last_heard_at, EXCLUDED.last_heard_at)`

// EnsureNode registers a node id and advances last_heard_at, which only
// moves forward.
func (r *Repo) EnsureNode(ctx context.Context, id uint32, heardAt time.Time) error {
	_, err := r.pool.Exec(ctx, ensureNodeSQL, int64(id), meshutil.FormatNodeID(id), heardAt)
	return err
}

// TouchNode marks a node as heard right now.
func (r *Repo) TouchNode(ctx context.Context, id uint32) error {
	return r.EnsureNode(ctx, id, time.Now().UTC())
}

// ensureNodeTx satisfies the node foreign key inside a write transaction.
// heardAt is nil for nodes that were only mentioned, not heard directly.
func ensureNodeTx(ctx context.Context, tx pgx.Tx, id uint32, heardAt *time.Time) error {
	_, err := tx.Exec(ctx, ensureNodeSQL, int64(id), meshutil.FormatNodeID(id), heardAt)
	return err
}

// UpsertNodeInfo merges one descriptive snapshot into node_info.
func (r *Repo) UpsertNodeInfo(ctx context.Context, rec NodeInfo) error {
	start := time.Now()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := ensureNodeTx(ctx, tx, rec.NodeID, &rec.UpdateAt); err != nil {
		return fmt.Errorf("ensure node: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO node_info (node_id, long_name, short_name, hw_model, role,
			firmware_version, lora_region, lora_modem_preset, is_licensed,
			has_default_channel, num_online_local_nodes, update_at, topic)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (node_id) DO UPDATE SET
			long_name              = COALESCE(EXCLUDED.long_name, node_info.long_name),
			short_name             = COALESCE(EXCLUDED.short_name, node_info.short_name),
			hw_model               = COALESCE(EXCLUDED.hw_model, node_info.hw_model),
			role                   = COALESCE(EXCLUDED.role, node_info.role),
			firmware_version       = COALESCE(EXCLUDED.firmware_version, node_info.firmware_version),
			lora_region            = COALESCE(EXCLUDED.lora_region, node_info.lora_region),
			lora_modem_preset      = COALESCE(EXCLUDED.lora_modem_preset, node_info.lora_modem_preset),
			is_licensed            = COALESCE(EXCLUDED.is_licensed, node_info.is_licensed),
			has_default_channel    = COALESCE(EXCLUDED.has_default_channel, node_info.has_default_channel),
			num_online_local_nodes = COALESCE(EXCLUDED.num_online_local_nodes, node_info.num_online_local_nodes),
			update_at              = EXCLUDED.update_at,
			topic                  = EXCLUDED.topic
		WHERE node_info.update_at <= EXCLUDED.update_at`,
		int64(rec.NodeID), rec.LongName, rec.ShortName, rec.HWModel, rec.Role,
		rec.FirmwareVersion, rec.LoRaRegion, rec.LoRaModemPreset, rec.IsLicensed,
		rec.HasDefaultChannel, rec.NumOnlineLocalNodes, rec.UpdateAt, rec.Topic,
	)
	if err != nil {
		return fmt.Errorf("upsert node_info: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	metrics.DBWriteDuration.WithLabelValues("node_info").Observe(time.Since(start).Seconds())
	metrics.DBRowsAffectedTotal.WithLabelValues("node_info", "upsert").Add(float64(tag.RowsAffected()))
	return nil
}

// fuzzedCoordinates scales wire coordinates to degrees. Reports with
// unknown precision or precision above maxBits are blurred and stored at
// the cap. The returned pointer is a copy; the caller's record is never
// mutated.
func fuzzedCoordinates(latI, lonI int32, bits *int32, maxBits int) (float64, float64, *int32) {
	lat := meshutil.CoordFromI(latI)
	lon := meshutil.CoordFromI(lonI)
	if bits != nil && int(*bits) <= maxBits {
		return lat, lon, bits
	}
	capped := int32(maxBits)
	lat, lon = meshutil.BlurPosition(lat, lon, meshutil.PrecisionToMeters(uint32(capped)))
	return lat, lon, &capped
}

// UpsertNodePosition scales the wire coordinates to degrees, blurs them
// when the report is more precise than the configured cap, and merges the
// row keyed by (node, hour, topic).
func (r *Repo) UpsertNodePosition(ctx context.Context, rec NodePosition) error {
	start := time.Now()

	lat, lon, bits := fuzzedCoordinates(rec.LatitudeI, rec.LongitudeI, rec.PrecisionBits, r.params.MaxPrecisionBits)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := ensureNodeTx(ctx, tx, rec.NodeID, &rec.UpdateAt); err != nil {
		return fmt.Errorf("ensure node: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO node_position (node_id, create_at, topic, latitude, longitude,
			altitude, precision_bits, sats_in_view, update_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (node_id, create_at, topic) DO UPDATE SET
			latitude       = EXCLUDED.latitude,
			longitude      = EXCLUDED.longitude,
			altitude       = COALESCE(EXCLUDED.altitude, node_position.altitude),
			precision_bits = COALESCE(EXCLUDED.precision_bits, node_position.precision_bits),
			sats_in_view   = COALESCE(EXCLUDED.sats_in_view, node_position.sats_in_view),
			update_at      = EXCLUDED.update_at
		WHERE node_position.update_at <= EXCLUDED.update_at`,
		int64(rec.NodeID), rec.CreateAt, rec.Topic, lat, lon,
		rec.Altitude, bits, rec.SatsInView, rec.UpdateAt,
	)
	if err != nil {
		return fmt.Errorf("upsert node_position: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	metrics.DBWriteDuration.WithLabelValues("node_position").Observe(time.Since(start).Seconds())
	metrics.DBRowsAffectedTotal.WithLabelValues("node_position", "upsert").Add(float64(tag.RowsAffected()))
	return nil
}

// UpsertNeighborInfo merges the aggregate row, then replaces the node's
// edge set when the report carried any. An empty report keeps the stored
// edges so a sparse uplink does not erase a known neighborhood.
func (r *Repo) UpsertNeighborInfo(ctx context.Context, rec NodeNeighborInfo, edges []NodeNeighborEdge) error {
	start := time.Now()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := ensureNodeTx(ctx, tx, rec.NodeID, &rec.UpdateAt); err != nil {
		return fmt.Errorf("ensure node: %w", err)
	}
	// The relayer is referenced by the row, so it gets a registry entry
	// even if it never uplinked directly.
	if err := ensureNodeTx(ctx, tx, rec.LastSentByID, nil); err != nil {
		return fmt.Errorf("ensure relay node: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO node_neighbor_info (node_id, last_sent_by_id, node_broadcast_interval_secs, update_at, topic)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (node_id) DO UPDATE SET
			last_sent_by_id              = EXCLUDED.last_sent_by_id,
			node_broadcast_interval_secs = COALESCE(EXCLUDED.node_broadcast_interval_secs, node_neighbor_info.node_broadcast_interval_secs),
			update_at                    = EXCLUDED.update_at,
			topic                        = EXCLUDED.topic
		WHERE node_neighbor_info.update_at <= EXCLUDED.update_at`,
		int64(rec.NodeID), int64(rec.LastSentByID), rec.NodeBroadcastIntervalSecs, rec.UpdateAt, rec.Topic,
	)
	if err != nil {
		return fmt.Errorf("upsert node_neighbor_info: %w", err)
	}

	// A zero row count means the conditional update rejected a stale
	// report; the stored edge set stays with the newer aggregate row.
	var replaced int64
	if tag.RowsAffected() > 0 && len(edges) > 0 {
		if _, err := tx.Exec(ctx, `DELETE FROM node_neighbor_edge WHERE node_id = $1`, int64(rec.NodeID)); err != nil {
			return fmt.Errorf("clear edges: %w", err)
		}
		for _, e := range edges {
			// Mentioned, not heard: the edge node's last_heard_at stays.
			if err := ensureNodeTx(ctx, tx, e.EdgeNodeID, nil); err != nil {
				return fmt.Errorf("ensure edge node: %w", err)
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO node_neighbor_edge (node_id, edge_node_id, snr) VALUES ($1, $2, $3)`,
				int64(rec.NodeID), int64(e.EdgeNodeID), e.SNR,
			); err != nil {
				return fmt.Errorf("insert edge: %w", err)
			}
			replaced++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	metrics.DBWriteDuration.WithLabelValues("neighbor_info").Observe(time.Since(start).Seconds())
	metrics.DBRowsAffectedTotal.WithLabelValues("node_neighbor_info", "upsert").Add(float64(tag.RowsAffected()))
	metrics.DBRowsAffectedTotal.WithLabelValues("node_neighbor_edge", "replace").Add(float64(replaced))
	return nil
}

// UpsertTelemetryDevice merges one device-metrics sample.
func (r *Repo) UpsertTelemetryDevice(ctx context.Context, rec TelemetryDevice) error {
	start := time.Now()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := ensureNodeTx(ctx, tx, rec.NodeID, &rec.UpdateAt); err != nil {
		return fmt.Errorf("ensure node: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO node_telemetry_device (node_id, create_at, battery_level, voltage,
			channel_utilization, air_util_tx, uptime_seconds, update_at, topic)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (node_id, create_at) DO UPDATE SET
			battery_level       = COALESCE(EXCLUDED.battery_level, node_telemetry_device.battery_level),
			voltage             = COALESCE(EXCLUDED.voltage, node_telemetry_device.voltage),
			channel_utilization = COALESCE(EXCLUDED.channel_utilization, node_telemetry_device.channel_utilization),
			air_util_tx         = COALESCE(EXCLUDED.air_util_tx, node_telemetry_device.air_util_tx),
			uptime_seconds      = COALESCE(EXCLUDED.uptime_seconds, node_telemetry_device.uptime_seconds),
			update_at           = EXCLUDED.update_at,
			topic               = EXCLUDED.topic
		WHERE node_telemetry_device.update_at <= EXCLUDED.update_at`,
		int64(rec.NodeID), rec.CreateAt, rec.BatteryLevel, rec.Voltage,
		rec.ChannelUtilization, rec.AirUtilTx, rec.UptimeSeconds, rec.UpdateAt, rec.Topic,
	)
	if err != nil {
		return fmt.Errorf("upsert node_telemetry_device: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	metrics.DBWriteDuration.WithLabelValues("telemetry_device").Observe(time.Since(start).Seconds())
	metrics.DBRowsAffectedTotal.WithLabelValues("node_telemetry_device", "upsert").Add(float64(tag.RowsAffected()))
	return nil
}

// UpsertTelemetryEnvironment merges one environment-metrics sample.
func (r *Repo) UpsertTelemetryEnvironment(ctx context.Context, rec TelemetryEnvironment) error {
	start := time.Now()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := ensureNodeTx(ctx, tx, rec.NodeID, &rec.UpdateAt); err != nil {
		return fmt.Errorf("ensure node: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO node_telemetry_environment (node_id, create_at, temperature,
			relative_humidity, barometric_pressure, gas_resistance, voltage, current,
			iaq, distance, lux, white_lux, ir_lux, uv_lux, wind_direction, wind_speed,
			weight, wind_gust, wind_lull, update_at, topic)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		ON CONFLICT (node_id, create_at) DO UPDATE SET
			temperature         = COALESCE(EXCLUDED.temperature, node_telemetry_environment.temperature),
			relative_humidity   = COALESCE(EXCLUDED.relative_humidity, node_telemetry_environment.relative_humidity),
			barometric_pressure = COALESCE(EXCLUDED.barometric_pressure, node_telemetry_environment.barometric_pressure),
			gas_resistance      = COALESCE(EXCLUDED.gas_resistance, node_telemetry_environment.gas_resistance),
			voltage             = COALESCE(EXCLUDED.voltage, node_telemetry_environment.voltage),
			current             = COALESCE(EXCLUDED.current, node_telemetry_environment.current),
			iaq                 = COALESCE(EXCLUDED.iaq, node_telemetry_environment.iaq),
			distance            = COALESCE(EXCLUDED.distance, node_telemetry_environment.distance),
			lux                 = COALESCE(EXCLUDED.lux, node_telemetry_environment.lux),
			white_lux           = COALESCE(EXCLUDED.white_lux, node_telemetry_environment.white_lux),
			ir_lux              = COALESCE(EXCLUDED.ir_lux, node_telemetry_environment.ir_lux),
			uv_lux              = COALESCE(EXCLUDED.uv_lux, node_telemetry_environment.uv_lux),
			wind_direction      = COALESCE(EXCLUDED.wind_direction, node_telemetry_environment.wind_direction),
			wind_speed          = COALESCE(EXCLUDED.wind_speed, node_telemetry_environment.wind_speed),
			weight              = COALESCE(EXCLUDED.weight, node_telemetry_environment.weight),
			wind_gust           = COALESCE(EXCLUDED.wind_gust, node_telemetry_environment.wind_gust),
			wind_lull           = COALESCE(EXCLUDED.wind_lull, node_telemetry_environment.wind_lull),
			update_at           = EXCLUDED.update_at,
			topic               = EXCLUDED.topic
		WHERE node_telemetry_environment.update_at <= EXCLUDED.update_at`,
		int64(rec.NodeID), rec.CreateAt, rec.Temperature,
		rec.RelativeHumidity, rec.BarometricPressure, rec.GasResistance, rec.Voltage, rec.Current,
		rec.IAQ, rec.Distance, rec.Lux, rec.WhiteLux, rec.IRLux, rec.UVLux, rec.WindDirection, rec.WindSpeed,
		rec.Weight, rec.WindGust, rec.WindLull, rec.UpdateAt, rec.Topic,
	)
	if err != nil {
		return fmt.Errorf("upsert node_telemetry_environment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	metrics.DBWriteDuration.WithLabelValues("telemetry_environment").Observe(time.Since(start).Seconds())
	metrics.DBRowsAffectedTotal.WithLabelValues("node_telemetry_environment", "upsert").Add(float64(tag.RowsAffected()))
	return nil
}

// UpsertTelemetryAirQuality merges one air-quality sample.
func (r *Repo) UpsertTelemetryAirQuality(ctx context.Context, rec TelemetryAirQuality) error {
	start := time.Now()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := ensureNodeTx(ctx, tx, rec.NodeID, &rec.UpdateAt); err != nil {
		return fmt.Errorf("ensure node: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO node_telemetry_air_quality (node_id, create_at, pm10_standard,
			pm25_standard, pm100_standard, pm10_environmental, pm25_environmental,
			pm100_environmental, particles_03um, particles_05um, particles_10um,
			particles_25um, particles_50um, particles_100um, update_at, topic)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (node_id, create_at) DO UPDATE SET
			pm10_standard       = COALESCE(EXCLUDED.pm10_standard, node_telemetry_air_quality.pm10_standard),
			pm25_standard       = COALESCE(EXCLUDED.pm25_standard, node_telemetry_air_quality.pm25_standard),
			pm100_standard      = COALESCE(EXCLUDED.pm100_standard, node_telemetry_air_quality.pm100_standard),
			pm10_environmental  = COALESCE(EXCLUDED.pm10_environmental, node_telemetry_air_quality.pm10_environmental),
			pm25_environmental  = COALESCE(EXCLUDED.pm25_environmental, node_telemetry_air_quality.pm25_environmental),
			pm100_environmental = COALESCE(EXCLUDED.pm100_environmental, node_telemetry_air_quality.pm100_environmental),
			particles_03um      = COALESCE(EXCLUDED.particles_03um, node_telemetry_air_quality.particles_03um),
			particles_05um      = COALESCE(EXCLUDED.particles_05um, node_telemetry_air_quality.particles_05um),
			particles_10um      = COALESCE(EXCLUDED.particles_10um, node_telemetry_air_quality.particles_10um),
			particles_25um      = COALESCE(EXCLUDED.particles_25um, node_telemetry_air_quality.particles_25um),
			particles_50um      = COALESCE(EXCLUDED.particles_50um, node_telemetry_air_quality.particles_50um),
			particles_100um     = COALESCE(EXCLUDED.particles_100um, node_telemetry_air_quality.particles_100um),
			update_at           = EXCLUDED.update_at,
			topic               = EXCLUDED.topic
		WHERE node_telemetry_air_quality.update_at <= EXCLUDED.update_at`,
		int64(rec.NodeID), rec.CreateAt, rec.PM10Standard,
		rec.PM25Standard, rec.PM100Standard, rec.PM10Environmental, rec.PM25Environmental,
		rec.PM100Environmental, rec.Particles03Um, rec.Particles05Um, rec.Particles10Um,
		rec.Particles25Um, rec.Particles50Um, rec.Particles100Um, rec.UpdateAt, rec.Topic,
	)
	if err != nil {
		return fmt.Errorf("upsert node_telemetry_air_quality: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	metrics.DBWriteDuration.WithLabelValues("telemetry_air_quality").Observe(time.Since(start).Seconds())
	metrics.DBRowsAffectedTotal.WithLabelValues("node_telemetry_air_quality", "upsert").Add(float64(tag.RowsAffected()))
	return nil
}

// UpsertTelemetryPower merges one power-metrics sample.
func (r *Repo) UpsertTelemetryPower(ctx context.Context, rec TelemetryPower) error {
	start := time.Now()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := ensureNodeTx(ctx, tx, rec.NodeID, &rec.UpdateAt); err != nil {
		return fmt.Errorf("ensure node: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO node_telemetry_power (node_id, create_at, ch1_voltage, ch1_current,
			ch2_voltage, ch2_current, ch3_voltage, ch3_current, update_at, topic)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (node_id, create_at) DO UPDATE SET
			ch1_voltage = COALESCE(EXCLUDED.ch1_voltage, node_telemetry_power.ch1_voltage),
			ch1_current = COALESCE(EXCLUDED.ch1_current, node_telemetry_power.ch1_current),
			ch2_voltage = COALESCE(EXCLUDED.ch2_voltage, node_telemetry_power.ch2_voltage),
			ch2_current = COALESCE(EXCLUDED.ch2_current, node_telemetry_power.ch2_current),
			ch3_voltage = COALESCE(EXCLUDED.ch3_voltage, node_telemetry_power.ch3_voltage),
			ch3_current = COALESCE(EXCLUDED.ch3_current, node_telemetry_power.ch3_current),
			update_at   = EXCLUDED.update_at,
			topic       = EXCLUDED.topic
		WHERE node_telemetry_power.update_at <= EXCLUDED.update_at`,
		int64(rec.NodeID), rec.CreateAt, rec.Ch1Voltage, rec.Ch1Current,
		rec.Ch2Voltage, rec.Ch2Current, rec.Ch3Voltage, rec.Ch3Current, rec.UpdateAt, rec.Topic,
	)
	if err != nil {
		return fmt.Errorf("upsert node_telemetry_power: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	metrics.DBWriteDuration.WithLabelValues("telemetry_power").Observe(time.Since(start).Seconds())
	metrics.DBRowsAffectedTotal.WithLabelValues("node_telemetry_power", "upsert").Add(float64(tag.RowsAffected()))
	return nil
}
