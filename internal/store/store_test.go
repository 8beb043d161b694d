package store

import (
	"testing"

	"github.com/meshsight/mesh-gateway/internal/meshutil"
)

func TestFuzzedCoordinates_WithinCap(t *testing.T) {
	bits := int32(12)
	lat, lon, outBits := fuzzedCoordinates(250330000, 1215654000, &bits, 16)

	if lat != 25.033 {
		t.Errorf("lat = %v, want 25.033", lat)
	}
	if lon != 121.5654 {
		t.Errorf("lon = %v, want 121.5654", lon)
	}
	if outBits == nil || *outBits != 12 {
		t.Errorf("bits = %v, want 12", outBits)
	}
}

func TestFuzzedCoordinates_NilBits(t *testing.T) {
	// Unknown precision is treated like excessive precision: blurred and
	// stored at the cap.
	limit := meshutil.PrecisionToMeters(16) * 1.05

	lat, lon, outBits := fuzzedCoordinates(250330000, 1215654000, nil, 16)

	if outBits == nil || *outBits != 16 {
		t.Errorf("bits = %v, want 16", outBits)
	}
	if d := meshutil.HaversineMeters(25.033, 121.5654, lat, lon); d > limit {
		t.Errorf("blurred %.1f m away, limit %.1f m", d, limit)
	}
}

func TestFuzzedCoordinates_AboveCap(t *testing.T) {
	const maxBits = 16
	origLat, origLon := 25.033, 121.5654
	// The planar offset and the haversine check disagree by well under a
	// percent at this radius.
	limit := meshutil.PrecisionToMeters(maxBits) * 1.05

	for i := 0; i < 25; i++ {
		bits := int32(32)
		lat, lon, outBits := fuzzedCoordinates(250330000, 1215654000, &bits, maxBits)

		if outBits == nil || *outBits != maxBits {
			t.Fatalf("bits = %v, want %d", outBits, maxBits)
		}
		if bits != 32 {
			t.Fatalf("caller's bits mutated to %d", bits)
		}
		if d := meshutil.HaversineMeters(origLat, origLon, lat, lon); d > limit {
			t.Fatalf("blurred %.1f m away, limit %.1f m", d, limit)
		}
	}
}

func TestReportersFromTopics(t *testing.T) {
	topics := []string{
		"msh/TW/2/e/LongFast/!1a2b3c4d",
		"msh/TW/2/e/MediumSlow/!1a2b3c4d",
		"msh/US/2/e/LongFast/!00000007",
		"msh/TW/2/map/",
		"msh/TW/2/e/LongFast/gateway-one",
	}

	got := reportersFromTopics(topics)

	want := []uint32{0x1a2b3c4d, 7}
	if len(got) != len(want) {
		t.Fatalf("reporters = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("reporters[%d] = %#x, want %#x", i, got[i], want[i])
		}
	}
}

func TestReportersFromTopics_Empty(t *testing.T) {
	if got := reportersFromTopics(nil); got != nil {
		t.Errorf("reporters = %v, want nil", got)
	}
}

func TestDistributionColumns(t *testing.T) {
	for kind, col := range map[string]string{
		"hardware": "hw_model",
		"firmware": "firmware_version",
		"role":     "role",
	} {
		if got := distributionColumns[kind]; got != col {
			t.Errorf("distributionColumns[%q] = %q, want %q", kind, got, col)
		}
	}
	if _, ok := distributionColumns["nodes"]; ok {
		t.Error("unexpected distribution kind accepted")
	}
}
