package mapview

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/meshsight/mesh-gateway/internal/store"
)

var displayZone = time.FixedZone("CST", 8*3600)

func TestNewInfoItem(t *testing.T) {
	long, short := "Taipei 101 Rooftop", "T101"
	hw, role, fw := "HELTEC_V3", "ROUTER", "2.5.6.abc123"
	region, preset := "TW", "LONG_FAST"
	licensed, defaultCh := true, true
	online := int32(17)
	rec := &store.NodeInfo{
		NodeID:              0xc0de,
		LongName:            &long,
		ShortName:           &short,
		HWModel:             &hw,
		Role:                &role,
		FirmwareVersion:     &fw,
		LoRaRegion:          &region,
		LoRaModemPreset:     &preset,
		IsLicensed:          &licensed,
		HasDefaultChannel:   &defaultCh,
		NumOnlineLocalNodes: &online,
		UpdateAt:            time.Date(2024, 8, 12, 2, 53, 20, 0, time.UTC),
		Topic:               "msh/TW/2/e/LongFast/!00000002",
	}

	item, err := NewInfoItem(rec, displayZone)
	if err != nil {
		t.Fatalf("NewInfoItem: %v", err)
	}
	if item.LongName != long || item.ShortName != short {
		t.Errorf("expected names %q/%q, got %q/%q", long, short, item.LongName, item.ShortName)
	}
	if item.Role != "ROUTER" || !item.IsLicensed || !item.HasDefaultChannel {
		t.Errorf("expected stored role and flags, got %+v", item)
	}
	if item.NumOnlineLocalNodes != 17 {
		t.Errorf("expected 17 online nodes, got %d", item.NumOnlineLocalNodes)
	}
	if item.UpdateAt != "2024-08-12T10:53:20+08:00" {
		t.Errorf("expected display-zone timestamp, got %q", item.UpdateAt)
	}
	if item.Channel != "LongFast" || item.RootTopic != "msh/TW" {
		t.Errorf("expected channel LongFast under msh/TW, got %q under %q", item.Channel, item.RootTopic)
	}
}

func TestNewInfoItem_Defaults(t *testing.T) {
	long, short := "Bare Node", "BN"
	rec := &store.NodeInfo{
		NodeID:    1,
		LongName:  &long,
		ShortName: &short,
		UpdateAt:  testStamp,
		Topic:     "msh/TW/2/map/",
	}

	item, err := NewInfoItem(rec, time.UTC)
	if err != nil {
		t.Fatalf("NewInfoItem: %v", err)
	}
	if item.Role != "CLIENT" {
		t.Errorf("expected default role CLIENT, got %q", item.Role)
	}
	if item.IsLicensed || item.HasDefaultChannel || item.NumOnlineLocalNodes != 0 {
		t.Errorf("expected zero-valued flags, got %+v", item)
	}
	if item.Hardware != nil || item.Firmware != nil || item.LoRaRegion != nil || item.LoRaModemPreset != nil {
		t.Errorf("expected nil optional fields, got %+v", item)
	}
	if item.Channel != "map(MapReport)" {
		t.Errorf("expected map channel label, got %q", item.Channel)
	}
}

func TestNewInfoItem_MissingNames(t *testing.T) {
	long := "Half Named"
	rec := &store.NodeInfo{NodeID: 1, LongName: &long, UpdateAt: testStamp, Topic: "msh/TW/2/map/"}
	if _, err := NewInfoItem(rec, time.UTC); err == nil {
		t.Error("expected error for info row without both names")
	}
}

func TestNewPositionItem(t *testing.T) {
	alt := int32(42)
	bits := int32(16)
	sats := int32(7)
	row := store.NodePositionRow{
		NodeID:        0xc0de,
		Latitude:      25.0330,
		Longitude:     121.5654,
		Altitude:      &alt,
		PrecisionBits: &bits,
		SatsInView:    &sats,
		CreateAt:      testStamp.Truncate(time.Hour),
		UpdateAt:      time.Date(2024, 8, 12, 2, 53, 20, 0, time.UTC),
		Topic:         "msh/TW/2/e/LongFast/!00000002",
	}

	item, err := NewPositionItem(row, displayZone)
	if err != nil {
		t.Fatalf("NewPositionItem: %v", err)
	}
	if item.Latitude != 25.0330 || item.Longitude != 121.5654 {
		t.Errorf("expected coordinates to pass through, got %v %v", item.Latitude, item.Longitude)
	}
	if item.ViaID != 2 || item.ViaIDHex != "!00000002" {
		t.Errorf("expected reporter 2, got %d %q", item.ViaID, item.ViaIDHex)
	}
	if item.PrecisionInMeters == nil || *item.PrecisionInMeters != 364 {
		t.Errorf("expected 16 bits to resolve to 364 m, got %v", item.PrecisionInMeters)
	}
	if item.UpdateAt != "2024-08-12T10:53:20+08:00" {
		t.Errorf("expected display-zone timestamp, got %q", item.UpdateAt)
	}
	if item.ResolvedAddress != nil {
		t.Errorf("expected no resolved address on the map view, got %+v", item.ResolvedAddress)
	}
}

func TestNewPositionItem_MapTopicFallsBackToSelf(t *testing.T) {
	row := posRow(0xdeadbeef, 25.0, 121.5, "msh/TW/2/map/")
	item, err := NewPositionItem(row, time.UTC)
	if err != nil {
		t.Fatalf("NewPositionItem: %v", err)
	}
	if item.ViaID != 0xdeadbeef || item.ViaIDHex != "!deadbeef" {
		t.Errorf("expected the node itself as reporter, got %d %q", item.ViaID, item.ViaIDHex)
	}
	if item.PrecisionInMeters != nil {
		t.Errorf("expected nil precision without bits, got %v", item.PrecisionInMeters)
	}
}

func TestNewPositionItem_UnparsableReporter(t *testing.T) {
	row := posRow(1, 25.0, 121.5, "msh/TW/2/e/LongFast/gateway-one")
	if _, err := NewPositionItem(row, time.UTC); err == nil {
		t.Error("expected error for non-node reporter tail")
	}
}

func TestCoordinatesResponseJSON(t *testing.T) {
	resp := &CoordinatesResponse{
		Items:            []*CoordinatesItem{},
		NodeLine:         []NodePair{{1, 2}},
		NodeCoverage:     []NodeTriple{},
		NodeLineNeighbor: []NodePair{},
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got := string(raw)
	// Empty collections must render as [], never null.
	for _, want := range []string{`"items":[]`, `"nodeLine":[[1,2]]`, `"nodeCoverage":[]`, `"nodeLineNeighbor":[]`} {
		if !strings.Contains(got, want) {
			t.Errorf("expected %s in %s", want, got)
		}
	}
}

func TestInfoItemJSONNulls(t *testing.T) {
	long, short := "N", "N"
	rec := &store.NodeInfo{NodeID: 1, LongName: &long, ShortName: &short, UpdateAt: testStamp, Topic: "msh/TW/2/map/"}
	item, err := NewInfoItem(rec, time.UTC)
	if err != nil {
		t.Fatalf("NewInfoItem: %v", err)
	}
	raw, err := json.Marshal(item)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got := string(raw)
	// Absent optionals serialize as explicit null.
	for _, want := range []string{`"hardware":null`, `"firmware":null`, `"loraRegion":null`, `"loraModemPreset":null`} {
		if !strings.Contains(got, want) {
			t.Errorf("expected %s in %s", want, got)
		}
	}
}
