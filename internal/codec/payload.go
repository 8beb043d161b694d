package codec

import (
	"fmt"
	"math"

	"github.com/rabarar/meshtastic"
	"google.golang.org/protobuf/proto"
)

// Payload structs are the flattened application payloads. Pointer fields
// carry wire presence: a plain protobuf field at its zero value stays nil,
// a proto3 optional field maps pointer to pointer, enums carry their name
// string, and NaN floats become nil. Downstream merges rely on nil meaning
// "not supplied".

// MapReportPayload is the MAP_REPORT_APP payload.
type MapReportPayload struct {
	LongName            *string `json:"long_name,omitempty"`
	ShortName           *string `json:"short_name,omitempty"`
	Role                *string `json:"role,omitempty"`
	HWModel             *string `json:"hw_model,omitempty"`
	FirmwareVersion     *string `json:"firmware_version,omitempty"`
	Region              *string `json:"region,omitempty"`
	ModemPreset         *string `json:"modem_preset,omitempty"`
	HasDefaultChannel   *bool   `json:"has_default_channel,omitempty"`
	LatitudeI           *int32  `json:"latitude_i,omitempty"`
	LongitudeI          *int32  `json:"longitude_i,omitempty"`
	Altitude            *int32  `json:"altitude,omitempty"`
	PositionPrecision   *int32  `json:"position_precision,omitempty"`
	NumOnlineLocalNodes *int32  `json:"num_online_local_nodes,omitempty"`
}

// NodeInfoPayload is the NODEINFO_APP payload (protobuf User).
type NodeInfoPayload struct {
	ID         *string `json:"id,omitempty"`
	LongName   *string `json:"long_name,omitempty"`
	ShortName  *string `json:"short_name,omitempty"`
	HWModel    *string `json:"hw_model,omitempty"`
	IsLicensed *bool   `json:"is_licensed,omitempty"`
	Role       *string `json:"role,omitempty"`
}

// PositionPayload is the POSITION_APP payload.
type PositionPayload struct {
	LatitudeI     *int32 `json:"latitude_i,omitempty"`
	LongitudeI    *int32 `json:"longitude_i,omitempty"`
	Altitude      *int32 `json:"altitude,omitempty"`
	PrecisionBits *int32 `json:"precision_bits,omitempty"`
	SatsInView    *int32 `json:"sats_in_view,omitempty"`
}

// NeighborInfoPayload is the NEIGHBORINFO_APP payload.
type NeighborInfoPayload struct {
	NodeID                    *uint32               `json:"node_id,omitempty"`
	LastSentByID              *uint32               `json:"last_sent_by_id,omitempty"`
	NodeBroadcastIntervalSecs *int32                `json:"node_broadcast_interval_secs,omitempty"`
	Neighbors                 []NeighborEdgePayload `json:"neighbors,omitempty"`
}

// NeighborEdgePayload is one reported neighbor.
type NeighborEdgePayload struct {
	NodeID uint32   `json:"node_id"`
	SNR    *float64 `json:"snr,omitempty"`
}

// TelemetryPayload is the TELEMETRY_APP payload. At most one metric group
// is set, matching the protobuf oneof.
type TelemetryPayload struct {
	Time        *uint32                    `json:"time,omitempty"`
	Device      *DeviceMetricsPayload      `json:"device_metrics,omitempty"`
	Environment *EnvironmentMetricsPayload `json:"environment_metrics,omitempty"`
	AirQuality  *AirQualityMetricsPayload  `json:"air_quality_metrics,omitempty"`
	Power       *PowerMetricsPayload       `json:"power_metrics,omitempty"`
}

type DeviceMetricsPayload struct {
	BatteryLevel       *int32   `json:"battery_level,omitempty"`
	Voltage            *float64 `json:"voltage,omitempty"`
	ChannelUtilization *float64 `json:"channel_utilization,omitempty"`
	AirUtilTx          *float64 `json:"air_util_tx,omitempty"`
	UptimeSeconds      *int64   `json:"uptime_seconds,omitempty"`
}

type EnvironmentMetricsPayload struct {
	Temperature        *float64 `json:"temperature,omitempty"`
	RelativeHumidity   *float64 `json:"relative_humidity,omitempty"`
	BarometricPressure *float64 `json:"barometric_pressure,omitempty"`
	GasResistance      *float64 `json:"gas_resistance,omitempty"`
	Voltage            *float64 `json:"voltage,omitempty"`
	Current            *float64 `json:"current,omitempty"`
	IAQ                *int32   `json:"iaq,omitempty"`
	Distance           *float64 `json:"distance,omitempty"`
	Lux                *float64 `json:"lux,omitempty"`
	WhiteLux           *float64 `json:"white_lux,omitempty"`
	IRLux              *float64 `json:"ir_lux,omitempty"`
	UVLux              *float64 `json:"uv_lux,omitempty"`
	WindDirection      *int32   `json:"wind_direction,omitempty"`
	WindSpeed          *float64 `json:"wind_speed,omitempty"`
	Weight             *float64 `json:"weight,omitempty"`
	WindGust           *float64 `json:"wind_gust,omitempty"`
	WindLull           *float64 `json:"wind_lull,omitempty"`
}

type AirQualityMetricsPayload struct {
	PM10Standard       *int32 `json:"pm10_standard,omitempty"`
	PM25Standard       *int32 `json:"pm25_standard,omitempty"`
	PM100Standard      *int32 `json:"pm100_standard,omitempty"`
	PM10Environmental  *int32 `json:"pm10_environmental,omitempty"`
	PM25Environmental  *int32 `json:"pm25_environmental,omitempty"`
	PM100Environmental *int32 `json:"pm100_environmental,omitempty"`
	Particles03Um      *int32 `json:"particles_03um,omitempty"`
	Particles05Um      *int32 `json:"particles_05um,omitempty"`
	Particles10Um      *int32 `json:"particles_10um,omitempty"`
	Particles25Um      *int32 `json:"particles_25um,omitempty"`
	Particles50Um      *int32 `json:"particles_50um,omitempty"`
	Particles100Um     *int32 `json:"particles_100um,omitempty"`
}

type PowerMetricsPayload struct {
	Ch1Voltage *float64 `json:"ch1_voltage,omitempty"`
	Ch1Current *float64 `json:"ch1_current,omitempty"`
	Ch2Voltage *float64 `json:"ch2_voltage,omitempty"`
	Ch2Current *float64 `json:"ch2_current,omitempty"`
	Ch3Voltage *float64 `json:"ch3_voltage,omitempty"`
	Ch3Current *float64 `json:"ch3_current,omitempty"`
}

func decodeMapReport(raw []byte) (*MapReportPayload, error) {
	var mr meshtastic.MapReport
	if err := proto.Unmarshal(raw, &mr); err != nil {
		return nil, fmt.Errorf("mapreport: %w", err)
	}
	return &MapReportPayload{
		LongName:            strPtr(mr.GetLongName()),
		ShortName:           strPtr(mr.GetShortName()),
		Role:                enumName(mr.GetRole()),
		HWModel:             enumName(mr.GetHwModel()),
		FirmwareVersion:     strPtr(mr.GetFirmwareVersion()),
		Region:              enumName(mr.GetRegion()),
		ModemPreset:         enumName(mr.GetModemPreset()),
		HasDefaultChannel:   boolPtr(mr.GetHasDefaultChannel()),
		LatitudeI:           i32Ptr(mr.GetLatitudeI()),
		LongitudeI:          i32Ptr(mr.GetLongitudeI()),
		Altitude:            i32Ptr(mr.GetAltitude()),
		PositionPrecision:   u32ToIntPtr(mr.GetPositionPrecision()),
		NumOnlineLocalNodes: u32ToIntPtr(mr.GetNumOnlineLocalNodes()),
	}, nil
}

func decodeUser(raw []byte) (*NodeInfoPayload, error) {
	var u meshtastic.User
	if err := proto.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("nodeinfo: %w", err)
	}
	return userPayload(&u), nil
}

// userPayload is shared with the json-topic nodeinfo rewrite.
func userPayload(u *meshtastic.User) *NodeInfoPayload {
	return &NodeInfoPayload{
		ID:         strPtr(u.GetId()),
		LongName:   strPtr(u.GetLongName()),
		ShortName:  strPtr(u.GetShortName()),
		HWModel:    enumName(u.GetHwModel()),
		IsLicensed: boolPtr(u.GetIsLicensed()),
		Role:       enumName(u.GetRole()),
	}
}

func decodePosition(raw []byte) (*PositionPayload, error) {
	var pos meshtastic.Position
	if err := proto.Unmarshal(raw, &pos); err != nil {
		return nil, fmt.Errorf("position: %w", err)
	}
	return &PositionPayload{
		LatitudeI:     i32Copy(pos.LatitudeI),
		LongitudeI:    i32Copy(pos.LongitudeI),
		Altitude:      i32Copy(pos.Altitude),
		PrecisionBits: u32ToIntPtr(pos.GetPrecisionBits()),
		SatsInView:    u32ToIntPtr(pos.GetSatsInView()),
	}, nil
}

func decodeNeighborInfo(raw []byte) (*NeighborInfoPayload, error) {
	var ni meshtastic.NeighborInfo
	if err := proto.Unmarshal(raw, &ni); err != nil {
		return nil, fmt.Errorf("neighborinfo: %w", err)
	}
	p := &NeighborInfoPayload{
		NodeID:                    u32Ptr(ni.GetNodeId()),
		LastSentByID:              u32Ptr(ni.GetLastSentById()),
		NodeBroadcastIntervalSecs: u32ToIntPtr(ni.GetNodeBroadcastIntervalSecs()),
	}
	for _, n := range ni.GetNeighbors() {
		if n.GetNodeId() == 0 {
			// A zero neighbor id cannot reference a node.
			continue
		}
		p.Neighbors = append(p.Neighbors, NeighborEdgePayload{
			NodeID: n.GetNodeId(),
			SNR:    f32ValPtr(n.GetSnr()),
		})
	}
	return p, nil
}

func decodeTelemetry(raw []byte) (*TelemetryPayload, error) {
	var t meshtastic.Telemetry
	if err := proto.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	p := &TelemetryPayload{Time: u32Ptr(t.GetTime())}
	if m := t.GetDeviceMetrics(); m != nil {
		p.Device = deviceMetricsPayload(m)
	}
	if m := t.GetEnvironmentMetrics(); m != nil {
		p.Environment = environmentMetricsPayload(m)
	}
	if m := t.GetAirQualityMetrics(); m != nil {
		p.AirQuality = airQualityMetricsPayload(m)
	}
	if m := t.GetPowerMetrics(); m != nil {
		p.Power = powerMetricsPayload(m)
	}
	return p, nil
}

func deviceMetricsPayload(m *meshtastic.DeviceMetrics) *DeviceMetricsPayload {
	return &DeviceMetricsPayload{
		BatteryLevel:       u32PtrToIntPtr(m.BatteryLevel),
		Voltage:            f32Ptr(m.Voltage),
		ChannelUtilization: f32Ptr(m.ChannelUtilization),
		AirUtilTx:          f32Ptr(m.AirUtilTx),
		UptimeSeconds:      u32PtrToInt64Ptr(m.UptimeSeconds),
	}
}

func environmentMetricsPayload(m *meshtastic.EnvironmentMetrics) *EnvironmentMetricsPayload {
	return &EnvironmentMetricsPayload{
		Temperature:        f32Ptr(m.Temperature),
		RelativeHumidity:   f32Ptr(m.RelativeHumidity),
		BarometricPressure: f32Ptr(m.BarometricPressure),
		GasResistance:      f32Ptr(m.GasResistance),
		Voltage:            f32Ptr(m.Voltage),
		Current:            f32Ptr(m.Current),
		IAQ:                u32PtrToIntPtr(m.Iaq),
		Distance:           f32Ptr(m.Distance),
		Lux:                f32Ptr(m.Lux),
		WhiteLux:           f32Ptr(m.WhiteLux),
		IRLux:              f32Ptr(m.IrLux),
		UVLux:              f32Ptr(m.UvLux),
		WindDirection:      u32PtrToIntPtr(m.WindDirection),
		WindSpeed:          f32Ptr(m.WindSpeed),
		Weight:             f32Ptr(m.Weight),
		WindGust:           f32Ptr(m.WindGust),
		WindLull:           f32Ptr(m.WindLull),
	}
}

func airQualityMetricsPayload(m *meshtastic.AirQualityMetrics) *AirQualityMetricsPayload {
	return &AirQualityMetricsPayload{
		PM10Standard:       u32PtrToIntPtr(m.Pm10Standard),
		PM25Standard:       u32PtrToIntPtr(m.Pm25Standard),
		PM100Standard:      u32PtrToIntPtr(m.Pm100Standard),
		PM10Environmental:  u32PtrToIntPtr(m.Pm10Environmental),
		PM25Environmental:  u32PtrToIntPtr(m.Pm25Environmental),
		PM100Environmental: u32PtrToIntPtr(m.Pm100Environmental),
		Particles03Um:      u32PtrToIntPtr(m.Particles_03Um),
		Particles05Um:      u32PtrToIntPtr(m.Particles_05Um),
		Particles10Um:      u32PtrToIntPtr(m.Particles_10Um),
		Particles25Um:      u32PtrToIntPtr(m.Particles_25Um),
		Particles50Um:      u32PtrToIntPtr(m.Particles_50Um),
		Particles100Um:     u32PtrToIntPtr(m.Particles_100Um),
	}
}

func powerMetricsPayload(m *meshtastic.PowerMetrics) *PowerMetricsPayload {
	return &PowerMetricsPayload{
		Ch1Voltage: f32Ptr(m.Ch1Voltage),
		Ch1Current: f32Ptr(m.Ch1Current),
		Ch2Voltage: f32Ptr(m.Ch2Voltage),
		Ch2Current: f32Ptr(m.Ch2Current),
		Ch3Voltage: f32Ptr(m.Ch3Voltage),
		Ch3Current: f32Ptr(m.Ch3Current),
	}
}

// Nil-mapping helpers.

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func boolPtr(b bool) *bool {
	if !b {
		return nil
	}
	return &b
}

func u32Ptr(v uint32) *uint32 {
	if v == 0 {
		return nil
	}
	return &v
}

func i32Ptr(v int32) *int32 {
	if v == 0 {
		return nil
	}
	return &v
}

func i32Copy(p *int32) *int32 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func u32ToIntPtr(v uint32) *int32 {
	if v == 0 {
		return nil
	}
	i := int32(v)
	return &i
}

func u32PtrToIntPtr(p *uint32) *int32 {
	if p == nil {
		return nil
	}
	v := int32(*p)
	return &v
}

func u32PtrToInt64Ptr(p *uint32) *int64 {
	if p == nil {
		return nil
	}
	v := int64(*p)
	return &v
}

func f32Ptr(p *float32) *float64 {
	if p == nil {
		return nil
	}
	f := float64(*p)
	if math.IsNaN(f) {
		return nil
	}
	return &f
}

func f32ValPtr(v float32) *float64 {
	f := float64(v)
	if f == 0 || math.IsNaN(f) {
		return nil
	}
	return &f
}

// enumName renders a nonzero protobuf enum as its name string.
func enumName[E interface {
	~int32
	fmt.Stringer
}](v E) *string {
	if v == 0 {
		return nil
	}
	s := v.String()
	return &s
}
