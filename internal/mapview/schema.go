package mapview

import (
	"fmt"
	"time"

	"github.com/meshsight/mesh-gateway/internal/geo"
	"github.com/meshsight/mesh-gateway/internal/meshutil"
	"github.com/meshsight/mesh-gateway/internal/store"
)

// View structs serialize with explicit nulls; the frontend distinguishes
// "absent" from "empty".

// InfoItem is the display form of a node_info snapshot.
type InfoItem struct {
	LongName            string  `json:"longName"`
	ShortName           string  `json:"shortName"`
	Hardware            *string `json:"hardware"`
	IsLicensed          bool    `json:"isLicensed"`
	Role                string  `json:"role"`
	Firmware            *string `json:"firmware"`
	LoRaRegion          *string `json:"loraRegion"`
	LoRaModemPreset     *string `json:"loraModemPreset"`
	HasDefaultChannel   bool    `json:"hasDefaultChannel"`
	NumOnlineLocalNodes int     `json:"numOnlineLocalNodes"`
	UpdateAt            string  `json:"updateAt"`
	Channel             string  `json:"channel"`
	RootTopic           string  `json:"rootTopic"`
}

// PositionItem is the display form of one node_position row.
type PositionItem struct {
	Latitude          float64              `json:"latitude"`
	Longitude         float64              `json:"longitude"`
	Altitude          *int32               `json:"altitude"`
	PrecisionBit      *int32               `json:"precisionBit"`
	PrecisionInMeters *int                 `json:"precisionInMeters"`
	SatsInView        *int32               `json:"satsInView"`
	UpdateAt          string               `json:"updateAt"`
	ViaID             uint32               `json:"viaId"`
	ViaIDHex          string               `json:"viaIdHex"`
	Channel           string               `json:"channel"`
	RootTopic         string               `json:"rootTopic"`
	ResolvedAddress   *geo.ResolvedAddress `json:"resolvedAddress"`
}

// CoordinatesItem is one node on the map.
type CoordinatesItem struct {
	ID           uint32          `json:"id"`
	IDHex        string          `json:"idHex"`
	Info         *InfoItem       `json:"info"`
	Positions    []*PositionItem `json:"positions"`
	ReportNodeID []uint32        `json:"reportNodeId"`
}

// NodePair is an undirected link, smaller id first.
type NodePair [2]uint32

// NodeTriple is a coverage triangle, ids ascending.
type NodeTriple [3]uint32

// CoordinatesResponse is the full map payload.
type CoordinatesResponse struct {
	Items            []*CoordinatesItem `json:"items"`
	NodeLine         []NodePair         `json:"nodeLine"`
	NodeCoverage     []NodeTriple       `json:"nodeCoverage"`
	NodeLineNeighbor []NodePair         `json:"nodeLineNeighbor"`
}

// NewInfoItem renders a stored snapshot for display. Name fields are
// mandatory; a row carrying only map-report fragments without them is
// unrenderable. Absent role and flag fields render as their firmware
// defaults.
func NewInfoItem(rec *store.NodeInfo, loc *time.Location) (*InfoItem, error) {
	if rec.LongName == nil || rec.ShortName == nil {
		return nil, fmt.Errorf("node %s info has no names", meshutil.FormatNodeID(rec.NodeID))
	}
	item := &InfoItem{
		LongName:          *rec.LongName,
		ShortName:         *rec.ShortName,
		Hardware:          rec.HWModel,
		IsLicensed:        rec.IsLicensed != nil && *rec.IsLicensed,
		Role:              "CLIENT",
		Firmware:          rec.FirmwareVersion,
		LoRaRegion:        rec.LoRaRegion,
		LoRaModemPreset:   rec.LoRaModemPreset,
		HasDefaultChannel: rec.HasDefaultChannel != nil && *rec.HasDefaultChannel,
		UpdateAt:          rec.UpdateAt.In(loc).Format(time.RFC3339),
		Channel:           meshutil.ChannelLabel(rec.Topic),
		RootTopic:         meshutil.RootTopicFromTopic(rec.Topic),
	}
	if rec.Role != nil {
		item.Role = *rec.Role
	}
	if rec.NumOnlineLocalNodes != nil {
		item.NumOnlineLocalNodes = int(*rec.NumOnlineLocalNodes)
	}
	return item, nil
}

// NewPositionItem renders one position row. The reporting gateway comes
// from the topic tail; the map uplink has an empty tail and falls back to
// the node itself.
func NewPositionItem(row store.NodePositionRow, loc *time.Location) (*PositionItem, error) {
	viaHex := meshutil.ReporterFromTopic(row.Topic)
	if viaHex == "" {
		viaHex = meshutil.FormatNodeID(row.NodeID)
	}
	viaID, err := meshutil.ParseNodeID(viaHex)
	if err != nil {
		return nil, fmt.Errorf("position topic %q: %w", row.Topic, err)
	}

	item := &PositionItem{
		Latitude:     row.Latitude,
		Longitude:    row.Longitude,
		Altitude:     row.Altitude,
		PrecisionBit: row.PrecisionBits,
		SatsInView:   row.SatsInView,
		UpdateAt:     row.UpdateAt.In(loc).Format(time.RFC3339),
		ViaID:        viaID,
		ViaIDHex:     viaHex,
		Channel:      meshutil.ChannelLabel(row.Topic),
		RootTopic:    meshutil.RootTopicFromTopic(row.Topic),
	}
	if row.PrecisionBits != nil {
		m := int(meshutil.PrecisionToMeters(uint32(*row.PrecisionBits)))
		item.PrecisionInMeters = &m
	}
	return item, nil
}
