// Package codec turns raw MQTT uplinks into normalized gateway events:
// topic classification, AES-CTR decryption and protobuf or JSON decoding
// of the Meshtastic application payloads.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/meshsight/mesh-gateway/internal/meshutil"
	"github.com/rabarar/meshtastic"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

// DefaultChannelKey is the published key of the default Meshtastic channel,
// used when no channel-specific key is configured.
const DefaultChannelKey = "1PG7OiApB1nwvP+rz05pAQ=="

// Drop reasons returned by Decode. Callers match with errors.Is and count
// the label from DropReason.
var (
	ErrWildcardTopic = errors.New("wildcard in topic")
	ErrStatTopic     = errors.New("deprecated stat topic")
	ErrUnknownTopic  = errors.New("unrecognized topic family")
	ErrBadJSON       = errors.New("undecodable json message")
	ErrBadEnvelope   = errors.New("undecodable service envelope")
	ErrBadPayload    = errors.New("undecodable app payload")
	ErrDecrypt       = errors.New("decrypt failed")
	ErrNoSender      = errors.New("missing sender id")
)

// EventType tags the application payload carried by an Event.
type EventType string

const (
	EventMapReport    EventType = "mapreport"
	EventNeighborInfo EventType = "neighborinfo"
	EventNodeInfo     EventType = "nodeinfo"
	EventPosition     EventType = "position"
	EventTelemetry    EventType = "telemetry"
	EventUnknown      EventType = "unknown"
)

// Event is a decoded MQTT uplink. Exactly one payload pointer is set for
// the five known types; EventUnknown carries none but still identifies the
// sender so the node registry hears it.
type Event struct {
	Type      EventType `json:"type"`
	PacketID  uint32    `json:"id,omitempty"`
	From      uint32    `json:"from"`
	To        uint32    `json:"to,omitempty"`
	Channel   uint32    `json:"channel,omitempty"`
	PortNum   int32     `json:"portnum,omitempty"`
	SenderHex string    `json:"sender"`
	Timestamp time.Time `json:"timestamp"` // zero when the packet carried none
	Topic     string    `json:"topic"`

	MapReport    *MapReportPayload    `json:"map_report,omitempty"`
	NeighborInfo *NeighborInfoPayload `json:"neighbor_info,omitempty"`
	NodeInfo     *NodeInfoPayload     `json:"node_info,omitempty"`
	Position     *PositionPayload     `json:"position,omitempty"`
	Telemetry    *TelemetryPayload    `json:"telemetry,omitempty"`
}

// Decoder decodes raw MQTT payloads into Events. Channel keys are resolved
// by the second-to-last topic segment, falling back to the default key.
type Decoder struct {
	keys       map[string][]byte
	defaultKey []byte
	logger     *zap.Logger
}

// NewDecoder builds a Decoder from base64 channel keys keyed by channel
// name. Keys that do not decode are skipped with a warning.
func NewDecoder(channelKeys map[string]string, logger *zap.Logger) *Decoder {
	keys := make(map[string][]byte, len(channelKeys))
	for name, b64 := range channelKeys {
		kb, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			logger.Warn("skipping undecodable channel key",
				zap.String("channel", name),
				zap.Error(err))
			continue
		}
		keys[name] = kb
	}
	defaultKey, _ := base64.StdEncoding.DecodeString(DefaultChannelKey)
	return &Decoder{keys: keys, defaultKey: defaultKey, logger: logger}
}

// Decode classifies the topic and decodes the payload into an Event.
// A nil Event with a non-nil error is a drop decision, not a fault.
func (d *Decoder) Decode(topic string, payload []byte) (*Event, error) {
	switch {
	case strings.Contains(topic, "#"):
		return nil, ErrWildcardTopic
	case strings.Contains(topic, "/2/stat/"):
		// Unused since firmware 2.4.1; nothing to ingest.
		return nil, ErrStatTopic
	case strings.Contains(topic, "/2/json/"):
		return d.decodeJSON(topic, payload)
	case strings.Contains(topic, "/2/e/"), strings.Contains(topic, "/2/map"):
		return d.decodeEnvelope(topic, payload)
	}
	return nil, ErrUnknownTopic
}

// decodeEnvelope handles the protobuf topic families: ServiceEnvelope →
// MeshPacket → (optionally decrypted) Data → per-portnum payload.
func (d *Decoder) decodeEnvelope(topic string, payload []byte) (*Event, error) {
	var env meshtastic.ServiceEnvelope
	if err := proto.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	pkt := env.GetPacket()
	if pkt == nil {
		return nil, fmt.Errorf("%w: envelope carries no packet", ErrBadEnvelope)
	}
	if pkt.GetFrom() == 0 {
		return nil, ErrNoSender
	}

	data := pkt.GetDecoded()
	if data == nil && pkt.GetEncrypted() != nil {
		var err error
		data, err = d.decrypt(topic, pkt)
		if err != nil {
			d.logger.Debug("packet decryption failed",
				zap.String("topic", topic),
				zap.Uint32("from", pkt.GetFrom()),
				zap.Error(err))
			return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
		}
	}

	ev := &Event{
		Type:      EventUnknown,
		PacketID:  pkt.GetId(),
		From:      pkt.GetFrom(),
		To:        pkt.GetTo(),
		Channel:   pkt.GetChannel(),
		SenderHex: meshutil.FormatNodeID(pkt.GetFrom()),
		Topic:     topic,
	}
	if rx := pkt.GetRxTime(); rx != 0 {
		ev.Timestamp = time.Unix(int64(rx), 0).UTC()
	}
	if data == nil {
		// Neither decoded nor encrypted: nothing to dispatch, but the
		// sender is still real.
		return ev, nil
	}
	ev.PortNum = int32(data.GetPortnum())

	var err error
	switch data.GetPortnum() {
	case meshtastic.PortNum_MAP_REPORT_APP:
		ev.Type = EventMapReport
		ev.MapReport, err = decodeMapReport(data.GetPayload())
	case meshtastic.PortNum_NEIGHBORINFO_APP:
		ev.Type = EventNeighborInfo
		ev.NeighborInfo, err = decodeNeighborInfo(data.GetPayload())
	case meshtastic.PortNum_NODEINFO_APP:
		ev.Type = EventNodeInfo
		ev.NodeInfo, err = decodeUser(data.GetPayload())
	case meshtastic.PortNum_POSITION_APP:
		ev.Type = EventPosition
		ev.Position, err = decodePosition(data.GetPayload())
	case meshtastic.PortNum_TELEMETRY_APP:
		ev.Type = EventTelemetry
		ev.Telemetry, err = decodeTelemetry(data.GetPayload())
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return ev, nil
}

// decrypt runs AES-128-CTR over the packet's encrypted bytes and parses
// the result as a Data message. The nonce is the little-endian packet id
// followed by the little-endian sender id, 8 bytes each.
func (d *Decoder) decrypt(topic string, pkt *meshtastic.MeshPacket) (*meshtastic.Data, error) {
	channel := meshutil.ChannelFromTopic(topic)
	key, ok := d.keys[channel]
	if !ok {
		d.logger.Debug("no key for channel, trying default key",
			zap.String("channel", channel))
		key = d.defaultKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}

	nonce := make([]byte, aes.BlockSize)
	binary.LittleEndian.PutUint64(nonce[:8], uint64(pkt.GetId()))
	binary.LittleEndian.PutUint64(nonce[8:], uint64(pkt.GetFrom()))

	plain := make([]byte, len(pkt.GetEncrypted()))
	cipher.NewCTR(block, nonce).XORKeyStream(plain, pkt.GetEncrypted())

	var data meshtastic.Data
	if err := proto.Unmarshal(plain, &data); err != nil {
		return nil, fmt.Errorf("decrypted bytes: %w", err)
	}
	return &data, nil
}

// DropReason maps a Decode error to its metrics label.
func DropReason(err error) string {
	switch {
	case errors.Is(err, ErrWildcardTopic):
		return "wildcard_topic"
	case errors.Is(err, ErrStatTopic):
		return "stat_topic"
	case errors.Is(err, ErrUnknownTopic):
		return "unknown_topic"
	case errors.Is(err, ErrBadJSON):
		return "bad_json"
	case errors.Is(err, ErrBadEnvelope):
		return "bad_envelope"
	case errors.Is(err, ErrBadPayload):
		return "bad_payload"
	case errors.Is(err, ErrDecrypt):
		return "decrypt_failed"
	case errors.Is(err, ErrNoSender):
		return "no_sender"
	}
	return "other"
}
