package codec

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/meshsight/mesh-gateway/internal/meshutil"
	"github.com/rabarar/meshtastic"
)

// decodeJSON handles the /2/json/ topic family. The firmware publishes a
// flat object with from/to/id/timestamp/type plus a type-specific payload
// object using protobuf field names.
func (d *Decoder) decodeJSON(topic string, payload []byte) (*Event, error) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadJSON, err)
	}

	from := uint32(int64Value(raw["from"]))
	if from == 0 {
		return nil, ErrNoSender
	}

	ev := &Event{
		Type:      EventUnknown,
		PacketID:  uint32(int64Value(raw["id"])),
		From:      from,
		To:        uint32(int64Value(raw["to"])),
		Channel:   uint32(int64Value(raw["channel"])),
		SenderHex: meshutil.FormatNodeID(from),
		Topic:     topic,
	}
	if ts := int64Value(raw["timestamp"]); ts != 0 {
		ev.Timestamp = time.Unix(ts, 0).UTC()
	}

	body, _ := raw["payload"].(map[string]any)
	switch stringField(raw, "type") {
	case "nodeinfo":
		ni, err := jsonNodeInfo(body)
		if err != nil {
			return nil, err
		}
		ev.Type = EventNodeInfo
		ev.NodeInfo = ni
	case "position":
		ev.Type = EventPosition
		ev.Position = jsonPosition(body)
	case "neighborinfo":
		ev.Type = EventNeighborInfo
		ev.NeighborInfo = jsonNeighborInfo(body)
	case "telemetry":
		ev.Type = EventTelemetry
		ev.Telemetry = jsonTelemetry(body)
	case "mapreport":
		ev.Type = EventMapReport
		ev.MapReport = jsonMapReport(body)
	}
	return ev, nil
}

// jsonNodeInfo rebuilds the json-topic nodeinfo through the protobuf User
// schema: the json form uses its own field names and numeric enums. Long
// and short names are left out on this path, which garbles non-ASCII.
func jsonNodeInfo(body map[string]any) (*NodeInfoPayload, error) {
	id := stringField(body, "id")
	if id == "" {
		return nil, fmt.Errorf("%w: nodeinfo without id", ErrBadJSON)
	}
	var u meshtastic.User
	u.Id = id
	if v, ok := body["hardware"]; ok {
		hw := int32(int64Value(v))
		if _, known := meshtastic.HardwareModel_name[hw]; !known {
			return nil, fmt.Errorf("%w: unknown hardware model %d", ErrBadJSON, hw)
		}
		u.HwModel = meshtastic.HardwareModel(hw)
	}
	if v, ok := body["role"]; ok {
		role := int32(int64Value(v))
		if _, known := meshtastic.Config_DeviceConfig_Role_name[role]; !known {
			return nil, fmt.Errorf("%w: unknown role %d", ErrBadJSON, role)
		}
		u.Role = meshtastic.Config_DeviceConfig_Role(role)
	}
	return userPayload(&u), nil
}

func jsonPosition(body map[string]any) *PositionPayload {
	return &PositionPayload{
		LatitudeI:     i32Field(body, "latitude_i"),
		LongitudeI:    i32Field(body, "longitude_i"),
		Altitude:      i32Field(body, "altitude"),
		PrecisionBits: i32Field(body, "precision_bits"),
		SatsInView:    i32Field(body, "sats_in_view"),
	}
}

func jsonNeighborInfo(body map[string]any) *NeighborInfoPayload {
	p := &NeighborInfoPayload{
		NodeID:                    u32Field(body, "node_id"),
		LastSentByID:              u32Field(body, "last_sent_by_id"),
		NodeBroadcastIntervalSecs: i32Field(body, "node_broadcast_interval_secs"),
	}
	arr, _ := body["neighbors"].([]any)
	for _, item := range arr {
		edge, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id := u32Field(edge, "node_id")
		if id == nil {
			continue
		}
		p.Neighbors = append(p.Neighbors, NeighborEdgePayload{
			NodeID: *id,
			SNR:    numField(edge, "snr"),
		})
	}
	return p
}

func jsonTelemetry(body map[string]any) *TelemetryPayload {
	p := &TelemetryPayload{Time: u32Field(body, "time")}
	if m, ok := body["device_metrics"].(map[string]any); ok {
		p.Device = &DeviceMetricsPayload{
			BatteryLevel:       i32Field(m, "battery_level"),
			Voltage:            numField(m, "voltage"),
			ChannelUtilization: numField(m, "channel_utilization"),
			AirUtilTx:          numField(m, "air_util_tx"),
			UptimeSeconds:      i64Field(m, "uptime_seconds"),
		}
	}
	if m, ok := body["environment_metrics"].(map[string]any); ok {
		p.Environment = &EnvironmentMetricsPayload{
			Temperature:        numField(m, "temperature"),
			RelativeHumidity:   numField(m, "relative_humidity"),
			BarometricPressure: numField(m, "barometric_pressure"),
			GasResistance:      numField(m, "gas_resistance"),
			Voltage:            numField(m, "voltage"),
			Current:            numField(m, "current"),
			IAQ:                i32Field(m, "iaq"),
			Distance:           numField(m, "distance"),
			Lux:                numField(m, "lux"),
			WhiteLux:           numField(m, "white_lux"),
			IRLux:              numField(m, "ir_lux"),
			UVLux:              numField(m, "uv_lux"),
			WindDirection:      i32Field(m, "wind_direction"),
			WindSpeed:          numField(m, "wind_speed"),
			Weight:             numField(m, "weight"),
			WindGust:           numField(m, "wind_gust"),
			WindLull:           numField(m, "wind_lull"),
		}
	}
	if m, ok := body["air_quality_metrics"].(map[string]any); ok {
		p.AirQuality = &AirQualityMetricsPayload{
			PM10Standard:       i32Field(m, "pm10_standard"),
			PM25Standard:       i32Field(m, "pm25_standard"),
			PM100Standard:      i32Field(m, "pm100_standard"),
			PM10Environmental:  i32Field(m, "pm10_environmental"),
			PM25Environmental:  i32Field(m, "pm25_environmental"),
			PM100Environmental: i32Field(m, "pm100_environmental"),
			Particles03Um:      i32Field(m, "particles_03um"),
			Particles05Um:      i32Field(m, "particles_05um"),
			Particles10Um:      i32Field(m, "particles_10um"),
			Particles25Um:      i32Field(m, "particles_25um"),
			Particles50Um:      i32Field(m, "particles_50um"),
			Particles100Um:     i32Field(m, "particles_100um"),
		}
	}
	if m, ok := body["power_metrics"].(map[string]any); ok {
		p.Power = &PowerMetricsPayload{
			Ch1Voltage: numField(m, "ch1_voltage"),
			Ch1Current: numField(m, "ch1_current"),
			Ch2Voltage: numField(m, "ch2_voltage"),
			Ch2Current: numField(m, "ch2_current"),
			Ch3Voltage: numField(m, "ch3_voltage"),
			Ch3Current: numField(m, "ch3_current"),
		}
	}
	return p
}

func jsonMapReport(body map[string]any) *MapReportPayload {
	return &MapReportPayload{
		LongName:            strField(body, "long_name"),
		ShortName:           strField(body, "short_name"),
		Role:                strField(body, "role"),
		HWModel:             strField(body, "hw_model"),
		FirmwareVersion:     strField(body, "firmware_version"),
		Region:              strField(body, "region"),
		ModemPreset:         strField(body, "modem_preset"),
		HasDefaultChannel:   boolField(body, "has_default_channel"),
		LatitudeI:           i32Field(body, "latitude_i"),
		LongitudeI:          i32Field(body, "longitude_i"),
		Altitude:            i32Field(body, "altitude"),
		PositionPrecision:   i32Field(body, "position_precision"),
		NumOnlineLocalNodes: i32Field(body, "num_online_local_nodes"),
	}
}

// Helper functions for safe field extraction from map[string]any.

func stringField(m map[string]any, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// strField is stringField with absent/empty collapsed to nil. Non-string
// values (numeric enums on the json path) also yield nil.
func strField(m map[string]any, key string) *string {
	s := stringField(m, key)
	if s == "" {
		return nil
	}
	return &s
}

func boolField(m map[string]any, key string) *bool {
	if v, ok := m[key]; ok {
		if b, ok := v.(bool); ok {
			return &b
		}
	}
	return nil
}

func int64Value(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	}
	return 0
}

// i32Field keys off presence: a key present as 0 yields a pointer to 0.
func i32Field(m map[string]any, key string) *int32 {
	v, ok := m[key]
	if !ok {
		return nil
	}
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) {
			return nil
		}
		i := int32(int64(n))
		return &i
	case string:
		parsed, err := strconv.ParseInt(n, 10, 32)
		if err != nil {
			return nil
		}
		i := int32(parsed)
		return &i
	}
	return nil
}

func i64Field(m map[string]any, key string) *int64 {
	v, ok := m[key]
	if !ok {
		return nil
	}
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) {
			return nil
		}
		i := int64(n)
		return &i
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return nil
		}
		return &parsed
	}
	return nil
}

// u32Field carries id-like fields, where zero means absent.
func u32Field(m map[string]any, key string) *uint32 {
	v, ok := m[key]
	if !ok {
		return nil
	}
	u := uint32(int64Value(v))
	if u == 0 {
		return nil
	}
	return &u
}

// numField extracts a float metric. NaN, whether the IEEE value or the
// protobuf json string form, collapses to nil.
func numField(m map[string]any, key string) *float64 {
	v, ok := m[key]
	if !ok {
		return nil
	}
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) {
			return nil
		}
		return &n
	case string:
		if n == "NaN" {
			return nil
		}
		f, err := strconv.ParseFloat(n, 64)
		if err != nil || math.IsNaN(f) {
			return nil
		}
		return &f
	}
	return nil
}
