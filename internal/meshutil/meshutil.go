// Package meshutil holds small helpers shared across the gateway: node ID
// formatting, MQTT topic dissection, position math, and the timestamp
// forms the read API accepts.
package meshutil

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"
)

// BroadcastNodeNum is the all-ones destination used for mesh broadcasts.
const BroadcastNodeNum = ^uint32(0)

// coordScale converts the 1e-7 scaled integer coordinates used on the wire
// to decimal degrees.
const coordScale = 1e-7

const earthRadiusMeters = 6371000.0

// metersPerDegreeLat is the approximate ground distance of one degree of
// latitude, used for small-offset position jitter.
const metersPerDegreeLat = 111320.0

// FormatNodeID renders a numeric node ID in the canonical !hex form, e.g.
// 0x0a0b0c0d -> "!0a0b0c0d".
func FormatNodeID(num uint32) string {
	return fmt.Sprintf("!%08x", num)
}

// ParseNodeID accepts the forms a node ID appears in across the mesh:
// "!0a0b0c0d", "0x0a0b0c0d", bare hex, or a decimal number.
func ParseNodeID(raw string) (uint32, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("node id is empty")
	}
	if strings.HasPrefix(raw, "!") {
		v, err := strconv.ParseUint(strings.TrimPrefix(raw, "!"), 16, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid node id %q: %w", raw, err)
		}
		return uint32(v), nil
	}
	if strings.HasPrefix(strings.ToLower(raw), "0x") {
		v, err := strconv.ParseUint(raw, 0, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid node id %q: %w", raw, err)
		}
		return uint32(v), nil
	}
	// A bare string containing hex letters is treated as hex.
	if strings.IndexFunc(raw, func(r rune) bool {
		return (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
	}) >= 0 {
		v, err := strconv.ParseUint(raw, 16, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid node id %q: %w", raw, err)
		}
		return uint32(v), nil
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid node id %q: %w", raw, err)
	}
	return uint32(v), nil
}

// CoordFromI converts a 1e-7 scaled integer coordinate to decimal degrees.
func CoordFromI(i int32) float64 {
	return float64(i) * coordScale
}

// ChannelFromTopic returns the channel segment of an uplink topic, which is
// always the second-to-last segment: msh/TW/2/e/LongFast/!1a2b3c4d -> "LongFast".
func ChannelFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[len(parts)-2]
}

// ReporterFromTopic returns the gateway node segment at the end of an uplink
// topic: msh/TW/2/e/LongFast/!1a2b3c4d -> "!1a2b3c4d".
func ReporterFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

// RootTopicFromTopic returns the first two segments of a topic,
// e.g. msh/TW/2/e/LongFast/!1a2b3c4d -> "msh/TW".
func RootTopicFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 {
		return topic
	}
	return parts[0] + "/" + parts[1]
}

// ChannelLabel derives the display channel for a stored topic. MapReport
// uplinks arrive on .../map/... and JSON uplinks on .../json/<channel>/...;
// both are tagged so the origin stays visible.
func ChannelLabel(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 {
		return ""
	}
	ch := parts[len(parts)-2]
	if ch == "map" {
		return "map(MapReport)"
	}
	if len(parts) >= 3 && parts[len(parts)-3] == "json" {
		return ch + "(json)"
	}
	return ch
}

// PrecisionToMeters converts a position precision bit count to the radius of
// uncertainty in meters. Each additional bit halves the radius; 10 bits is
// roughly 23.3 km.
func PrecisionToMeters(bits uint32) float64 {
	return 23345.484 * math.Pow(2, float64(10)-float64(bits))
}

// BlurPosition offsets a coordinate by a uniformly random bearing and a
// uniformly random distance in [0, radiusMeters). Used to keep low-precision
// reports from stacking on the exact same point.
func BlurPosition(lat, lon, radiusMeters float64) (float64, float64) {
	if radiusMeters <= 0 {
		return lat, lon
	}
	bearing := rand.Float64() * 2 * math.Pi
	distance := rand.Float64() * radiusMeters

	dLat := distance * math.Cos(bearing) / metersPerDegreeLat
	dLon := distance * math.Sin(bearing) / (metersPerDegreeLat * math.Cos(lat*math.Pi/180))
	return lat + dLat, lon + dLon
}

// HaversineMeters returns the great-circle distance between two coordinates.
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	phi1 := lat1 * rad
	phi2 := lat2 * rad
	dPhi := (lat2 - lat1) * rad
	dLambda := (lon2 - lon1) * rad

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return 2 * earthRadiusMeters * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// displayTimeLayouts are the timestamp forms the read API accepts.
var displayTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseDisplayTime parses a query timestamp, truncates it to the minute
// and returns it in UTC. Offset-less forms are taken in loc.
func ParseDisplayTime(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range displayTimeLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t.UTC().Truncate(time.Minute), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}
