// Package store persists decoded mesh events in Postgres and serves the
// read queries behind the map derivation, the node endpoints, and the
// retention jobs. Writes are merge-upserts: a null field never overwrites
// a stored value and a stale row (older update_at) changes nothing.
package store

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Params bound what reads may see and how precisely positions are stored.
type Params struct {
	// MaxPrecisionBits caps stored position precision. Reports above the
	// cap are blurred down to it before they hit the database.
	MaxPrecisionBits int
	// PositionMaxQueryPeriod is the oldest position age reads may touch.
	// The prune job deletes rows beyond it.
	PositionMaxQueryPeriod time.Duration
	// NeighborMaxQueryPeriod is the same bound for neighbor reports.
	NeighborMaxQueryPeriod time.Duration
}

// Repo is the single handle for all gateway database access.
type Repo struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	params Params
}

func NewRepo(pool *pgxpool.Pool, params Params, logger *zap.Logger) *Repo {
	return &Repo{pool: pool, logger: logger, params: params}
}

// NodeInfo is a node's descriptive state, both as written by the ingest
// path and as read back for the API. Nil fields were never reported.
type NodeInfo struct {
	NodeID              uint32
	LongName            *string
	ShortName           *string
	HWModel             *string
	Role                *string
	FirmwareVersion     *string
	LoRaRegion          *string
	LoRaModemPreset     *string
	IsLicensed          *bool
	HasDefaultChannel   *bool
	NumOnlineLocalNodes *int32
	UpdateAt            time.Time
	Topic               string
}

// NodePosition is one position observation as it arrives from the codec,
// with wire-scaled integer coordinates. CreateAt is the observation time
// truncated to the hour, forming the dedup key together with the topic.
type NodePosition struct {
	NodeID        uint32
	CreateAt      time.Time
	Topic         string
	LatitudeI     int32
	LongitudeI    int32
	Altitude      *int32
	PrecisionBits *int32
	SatsInView    *int32
	UpdateAt      time.Time
}

// NodeNeighborInfo is the aggregate row of a neighbor report.
type NodeNeighborInfo struct {
	NodeID                    uint32
	LastSentByID              uint32
	NodeBroadcastIntervalSecs *int32
	UpdateAt                  time.Time
	Topic                     string
}

// NodeNeighborEdge is one neighbor heard over RF by the reporting node.
type NodeNeighborEdge struct {
	EdgeNodeID uint32
	SNR        *float64
}

// TelemetryDevice is one device-metrics sample keyed by (node, hour).
type TelemetryDevice struct {
	NodeID             uint32
	CreateAt           time.Time
	BatteryLevel       *int32
	Voltage            *float64
	ChannelUtilization *float64
	AirUtilTx          *float64
	UptimeSeconds      *int64
	UpdateAt           time.Time
	Topic              string
}

type TelemetryEnvironment struct {
	NodeID             uint32
	CreateAt           time.Time
	Temperature        *float64
	RelativeHumidity   *float64
	BarometricPressure *float64
	GasResistance      *float64
	Voltage            *float64
	Current            *float64
	IAQ                *int32
	Distance           *float64
	Lux                *float64
	WhiteLux           *float64
	IRLux              *float64
	UVLux              *float64
	WindDirection      *int32
	WindSpeed          *float64
	Weight             *float64
	WindGust           *float64
	WindLull           *float64
	UpdateAt           time.Time
	Topic              string
}

type TelemetryAirQuality struct {
	NodeID             uint32
	CreateAt           time.Time
	PM10Standard       *int32
	PM25Standard       *int32
	PM100Standard      *int32
	PM10Environmental  *int32
	PM25Environmental  *int32
	PM100Environmental *int32
	Particles03Um      *int32
	Particles05Um      *int32
	Particles10Um      *int32
	Particles25Um      *int32
	Particles50Um      *int32
	Particles100Um     *int32
	UpdateAt           time.Time
	Topic              string
}

type TelemetryPower struct {
	NodeID     uint32
	CreateAt   time.Time
	Ch1Voltage *float64
	Ch1Current *float64
	Ch2Voltage *float64
	Ch2Current *float64
	Ch3Voltage *float64
	Ch3Current *float64
	UpdateAt   time.Time
	Topic      string
}

// NodePositionRow is a stored position read back with coordinates in
// decimal degrees.
type NodePositionRow struct {
	NodeID        uint32
	Latitude      float64
	Longitude     float64
	Altitude      *int32
	PrecisionBits *int32
	SatsInView    *int32
	CreateAt      time.Time
	UpdateAt      time.Time
	Topic         string
}

// NeighborPairRow is one directed RF edge inside the query window.
type NeighborPairRow struct {
	NodeID     uint32
	EdgeNodeID uint32
	SNR        *float64
}

// TelemetryDeviceRow is a stored device-metrics sample. battery_level is
// a double in the schema, so it reads back as a float.
type TelemetryDeviceRow struct {
	NodeID             uint32
	BatteryLevel       *float64
	Voltage            *float64
	ChannelUtilization *float64
	AirUtilTx          *float64
	UptimeSeconds      *int64
	CreateAt           time.Time
	UpdateAt           time.Time
	Topic              string
}

// ActiveHourlyRow is one hour of the device-activity rollup.
type ActiveHourlyRow struct {
	Hourly       time.Time
	KnownCount   int
	UnknownCount int
}

// DistributionRow is one bucket of a 24 hour attribute distribution.
type DistributionRow struct {
	Name  string
	Count int
}
