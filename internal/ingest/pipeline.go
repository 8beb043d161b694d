// Package ingest validates decoded uplink events and writes them to the
// store, applying the per-type field requirements and timestamp rules.
package ingest

import (
	"context"
	"strings"
	"time"

	"github.com/meshsight/mesh-gateway/internal/codec"
	"github.com/meshsight/mesh-gateway/internal/meshutil"
	"github.com/meshsight/mesh-gateway/internal/metrics"
	"github.com/meshsight/mesh-gateway/internal/store"
	"go.uber.org/zap"
)

// Drop reasons added by the pipeline, continuing the codec's label set.
const (
	dropFutureTimestamp     = "future_timestamp"
	dropUnsupportedFirmware = "unsupported_firmware"
	dropMissingFields       = "missing_fields"
	dropInvalidCoordinates  = "invalid_coordinates"
	dropBadNodeID           = "bad_node_id"
	dropStoreError          = "store_error"
)

// Store is the persistence surface the pipeline writes through.
type Store interface {
	EnsureNode(ctx context.Context, id uint32, heardAt time.Time) error
	UpsertNodeInfo(ctx context.Context, rec store.NodeInfo) error
	UpsertNodePosition(ctx context.Context, rec store.NodePosition) error
	UpsertNeighborInfo(ctx context.Context, rec store.NodeNeighborInfo, edges []store.NodeNeighborEdge) error
	UpsertTelemetryDevice(ctx context.Context, rec store.TelemetryDevice) error
	UpsertTelemetryEnvironment(ctx context.Context, rec store.TelemetryEnvironment) error
	UpsertTelemetryAirQuality(ctx context.Context, rec store.TelemetryAirQuality) error
	UpsertTelemetryPower(ctx context.Context, rec store.TelemetryPower) error
}

// Pipeline turns raw MQTT messages into store writes. One Pipeline is
// shared by all broker workers; it holds no per-message state.
type Pipeline struct {
	dec    *codec.Decoder
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func NewPipeline(dec *codec.Decoder, st Store, logger *zap.Logger) *Pipeline {
	return &Pipeline{dec: dec, store: st, logger: logger, now: time.Now}
}

// Handle ingests one raw MQTT message. Every failure ends in a logged
// drop; nothing is retried.
func (p *Pipeline) Handle(ctx context.Context, topic string, payload []byte) {
	ev, err := p.dec.Decode(topic, payload)
	if err != nil {
		metrics.DropsTotal.WithLabelValues(codec.DropReason(err)).Inc()
		p.logger.Debug("uplink dropped", zap.String("topic", topic), zap.Error(err))
		return
	}
	metrics.EventsTotal.WithLabelValues(string(ev.Type)).Inc()

	now := p.now().UTC()

	// The sender is registered before any validation. Even a packet that
	// fails every later check was still heard on the air.
	if err := p.store.EnsureNode(ctx, ev.From, now); err != nil {
		p.drop(dropStoreError, ev, err)
		return
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = now
	}
	if ts.After(now) {
		p.drop(dropFutureTimestamp, ev, nil)
		return
	}

	switch ev.Type {
	case codec.EventMapReport:
		p.handleMapReport(ctx, ev, now)
	case codec.EventNeighborInfo:
		p.handleNeighborInfo(ctx, ev, ts)
	case codec.EventNodeInfo:
		p.handleNodeInfo(ctx, ev, ts)
	case codec.EventPosition:
		p.handlePosition(ctx, ev, ts)
	case codec.EventTelemetry:
		p.handleTelemetry(ctx, ev, now)
	}
	// EventUnknown ends here: the registry heard the sender, nothing
	// else to store.
}

// handleMapReport stores the descriptive fields and, when coordinates are
// present and sane, the reported position. Firmware 2.3.1.* map reports
// carry corrupt data and are skipped entirely.
func (p *Pipeline) handleMapReport(ctx context.Context, ev *codec.Event, now time.Time) {
	mr := ev.MapReport
	if mr.FirmwareVersion == nil || strings.HasPrefix(*mr.FirmwareVersion, "2.3.1.") {
		p.drop(dropUnsupportedFirmware, ev, nil)
		return
	}

	updateAt := now.Truncate(time.Second)
	info := store.NodeInfo{
		NodeID:              ev.From,
		LongName:            mr.LongName,
		ShortName:           mr.ShortName,
		HWModel:             mr.HWModel,
		Role:                mr.Role,
		FirmwareVersion:     mr.FirmwareVersion,
		LoRaRegion:          mr.Region,
		LoRaModemPreset:     mr.ModemPreset,
		HasDefaultChannel:   mr.HasDefaultChannel,
		NumOnlineLocalNodes: mr.NumOnlineLocalNodes,
		UpdateAt:            updateAt,
		Topic:               ev.Topic,
	}
	if err := p.store.UpsertNodeInfo(ctx, info); err != nil {
		p.drop(dropStoreError, ev, err)
		return
	}

	if mr.LatitudeI == nil || mr.LongitudeI == nil {
		return
	}
	if !validCoordinates(meshutil.CoordFromI(*mr.LatitudeI), meshutil.CoordFromI(*mr.LongitudeI)) {
		// The descriptive half is already stored; only the position part
		// is skipped.
		p.logger.Debug("map report position skipped",
			zap.String("sender", ev.SenderHex),
			zap.Int32("latitude_i", *mr.LatitudeI),
			zap.Int32("longitude_i", *mr.LongitudeI))
		return
	}
	pos := store.NodePosition{
		NodeID:        ev.From,
		CreateAt:      updateAt.Truncate(time.Hour),
		Topic:         ev.Topic,
		LatitudeI:     *mr.LatitudeI,
		LongitudeI:    *mr.LongitudeI,
		Altitude:      mr.Altitude,
		PrecisionBits: mr.PositionPrecision,
		UpdateAt:      updateAt,
	}
	if err := p.store.UpsertNodePosition(ctx, pos); err != nil {
		p.drop(dropStoreError, ev, err)
	}
}

// handleNeighborInfo stores the aggregate row keyed by the payload's own
// node id, which can differ from the MQTT sender when the report was
// relayed, plus the replacement edge set.
func (p *Pipeline) handleNeighborInfo(ctx context.Context, ev *codec.Event, ts time.Time) {
	ni := ev.NeighborInfo
	if ni.NodeID == nil || ni.LastSentByID == nil {
		p.drop(dropMissingFields, ev, nil)
		return
	}

	rec := store.NodeNeighborInfo{
		NodeID:                    *ni.NodeID,
		LastSentByID:              *ni.LastSentByID,
		NodeBroadcastIntervalSecs: ni.NodeBroadcastIntervalSecs,
		UpdateAt:                  ts,
		Topic:                     ev.Topic,
	}
	edges := make([]store.NodeNeighborEdge, 0, len(ni.Neighbors))
	for _, n := range ni.Neighbors {
		edges = append(edges, store.NodeNeighborEdge{EdgeNodeID: n.NodeID, SNR: n.SNR})
	}
	if err := p.store.UpsertNeighborInfo(ctx, rec, edges); err != nil {
		p.drop(dropStoreError, ev, err)
	}
}

// handleNodeInfo stores a User broadcast. The json topic variant arrives
// without name fields and is rejected here, so it only ever touches the
// node registry.
func (p *Pipeline) handleNodeInfo(ctx context.Context, ev *codec.Event, ts time.Time) {
	ni := ev.NodeInfo
	if ni.ID == nil || ni.LongName == nil || ni.ShortName == nil {
		p.drop(dropMissingFields, ev, nil)
		return
	}
	id, err := meshutil.ParseNodeID(*ni.ID)
	if err != nil {
		p.drop(dropBadNodeID, ev, err)
		return
	}

	rec := store.NodeInfo{
		NodeID:     id,
		LongName:   ni.LongName,
		ShortName:  ni.ShortName,
		HWModel:    ni.HWModel,
		Role:       ni.Role,
		IsLicensed: ni.IsLicensed,
		UpdateAt:   ts.Truncate(time.Second),
		Topic:      ev.Topic,
	}
	if err := p.store.UpsertNodeInfo(ctx, rec); err != nil {
		p.drop(dropStoreError, ev, err)
	}
}

func (p *Pipeline) handlePosition(ctx context.Context, ev *codec.Event, ts time.Time) {
	pos := ev.Position
	if pos.LatitudeI == nil || pos.LongitudeI == nil {
		p.drop(dropMissingFields, ev, nil)
		return
	}
	if !validCoordinates(meshutil.CoordFromI(*pos.LatitudeI), meshutil.CoordFromI(*pos.LongitudeI)) {
		p.drop(dropInvalidCoordinates, ev, nil)
		return
	}

	rec := store.NodePosition{
		NodeID:        ev.From,
		CreateAt:      ts.Truncate(time.Hour),
		Topic:         ev.Topic,
		LatitudeI:     *pos.LatitudeI,
		LongitudeI:    *pos.LongitudeI,
		Altitude:      pos.Altitude,
		PrecisionBits: pos.PrecisionBits,
		SatsInView:    pos.SatsInView,
		UpdateAt:      ts,
	}
	if err := p.store.UpsertNodePosition(ctx, rec); err != nil {
		p.drop(dropStoreError, ev, err)
	}
}

// handleTelemetry stores every metric group the sample carries. The
// sample's own time is the record time; device clocks drift, so a future
// sample time is clamped to now rather than dropped.
func (p *Pipeline) handleTelemetry(ctx context.Context, ev *codec.Event, now time.Time) {
	tel := ev.Telemetry
	if tel.Time == nil {
		p.drop(dropMissingFields, ev, nil)
		return
	}
	ts := time.Unix(int64(*tel.Time), 0).UTC()
	if ts.After(now) {
		ts = now
	}
	createAt := ts.Truncate(time.Hour)

	if m := tel.Device; m != nil {
		rec := store.TelemetryDevice{
			NodeID:             ev.From,
			CreateAt:           createAt,
			BatteryLevel:       m.BatteryLevel,
			Voltage:            m.Voltage,
			ChannelUtilization: m.ChannelUtilization,
			AirUtilTx:          m.AirUtilTx,
			UptimeSeconds:      m.UptimeSeconds,
			UpdateAt:           ts,
			Topic:              ev.Topic,
		}
		if err := p.store.UpsertTelemetryDevice(ctx, rec); err != nil {
			p.drop(dropStoreError, ev, err)
			return
		}
	}
	if m := tel.Environment; m != nil {
		rec := store.TelemetryEnvironment{
			NodeID:             ev.From,
			CreateAt:           createAt,
			Temperature:        m.Temperature,
			RelativeHumidity:   m.RelativeHumidity,
			BarometricPressure: m.BarometricPressure,
			GasResistance:      m.GasResistance,
			Voltage:            m.Voltage,
			Current:            m.Current,
			IAQ:                m.IAQ,
			Distance:           m.Distance,
			Lux:                m.Lux,
			WhiteLux:           m.WhiteLux,
			IRLux:              m.IRLux,
			UVLux:              m.UVLux,
			WindDirection:      m.WindDirection,
			WindSpeed:          m.WindSpeed,
			Weight:             m.Weight,
			WindGust:           m.WindGust,
			WindLull:           m.WindLull,
			UpdateAt:           ts,
			Topic:              ev.Topic,
		}
		if err := p.store.UpsertTelemetryEnvironment(ctx, rec); err != nil {
			p.drop(dropStoreError, ev, err)
			return
		}
	}
	if m := tel.AirQuality; m != nil {
		rec := store.TelemetryAirQuality{
			NodeID:             ev.From,
			CreateAt:           createAt,
			PM10Standard:       m.PM10Standard,
			PM25Standard:       m.PM25Standard,
			PM100Standard:      m.PM100Standard,
			PM10Environmental:  m.PM10Environmental,
			PM25Environmental:  m.PM25Environmental,
			PM100Environmental: m.PM100Environmental,
			Particles03Um:      m.Particles03Um,
			Particles05Um:      m.Particles05Um,
			Particles10Um:      m.Particles10Um,
			Particles25Um:      m.Particles25Um,
			Particles50Um:      m.Particles50Um,
			Particles100Um:     m.Particles100Um,
			UpdateAt:           ts,
			Topic:              ev.Topic,
		}
		if err := p.store.UpsertTelemetryAirQuality(ctx, rec); err != nil {
			p.drop(dropStoreError, ev, err)
			return
		}
	}
	if m := tel.Power; m != nil {
		rec := store.TelemetryPower{
			NodeID:     ev.From,
			CreateAt:   createAt,
			Ch1Voltage: m.Ch1Voltage,
			Ch1Current: m.Ch1Current,
			Ch2Voltage: m.Ch2Voltage,
			Ch2Current: m.Ch2Current,
			Ch3Voltage: m.Ch3Voltage,
			Ch3Current: m.Ch3Current,
			UpdateAt:   ts,
			Topic:      ev.Topic,
		}
		if err := p.store.UpsertTelemetryPower(ctx, rec); err != nil {
			p.drop(dropStoreError, ev, err)
		}
	}
}

// validCoordinates rejects out-of-range values and the 0,0 null island
// default.
func validCoordinates(lat, lon float64) bool {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return false
	}
	return lat != 0 || lon != 0
}

func (p *Pipeline) drop(reason string, ev *codec.Event, err error) {
	metrics.DropsTotal.WithLabelValues(reason).Inc()
	if err != nil {
		p.logger.Error("event dropped",
			zap.String("type", string(ev.Type)),
			zap.String("reason", reason),
			zap.String("sender", ev.SenderHex),
			zap.String("topic", ev.Topic),
			zap.Error(err))
		return
	}
	p.logger.Debug("event dropped",
		zap.String("type", string(ev.Type)),
		zap.String("reason", reason),
		zap.String("sender", ev.SenderHex),
		zap.String("topic", ev.Topic))
}
