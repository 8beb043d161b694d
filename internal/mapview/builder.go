// Package mapview derives the map payload: node markers plus the link and
// coverage overlays computed from who-reported-whom and RF neighbor data.
package mapview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/meshsight/mesh-gateway/internal/meshutil"
	"github.com/meshsight/mesh-gateway/internal/metrics"
	"github.com/meshsight/mesh-gateway/internal/store"
)

// ErrBadTimeRange marks an unparseable start or end timestamp.
var ErrBadTimeRange = errors.New("bad time range")

// positionLimit caps how many recent positions each marker carries.
const positionLimit = 5

// presetUnknown admits nodes without a stored modem preset through the
// preset filter.
const presetUnknown = "UNKNOWN"

// Snapshot is the read surface the builder draws from.
type Snapshot interface {
	ActiveNodeIDs(ctx context.Context, start, end time.Time) ([]uint32, error)
	NodeInfoByID(ctx context.Context, id uint32) (*store.NodeInfo, error)
	RecentPositions(ctx context.Context, id uint32, limit int) ([]store.NodePositionRow, error)
	PositionReporters(ctx context.Context, id uint32, window time.Duration) ([]uint32, error)
	NeighborPairs(ctx context.Context, start, end time.Time) ([]store.NeighborPairRow, error)
}

type Builder struct {
	snap        Snapshot
	cache       *Cache
	maxDistance float64
	loc         *time.Location
	logger      *zap.Logger
}

func NewBuilder(snap Snapshot, cache *Cache, maxDistance float64, loc *time.Location, logger *zap.Logger) *Builder {
	return &Builder{snap: snap, cache: cache, maxDistance: maxDistance, loc: loc, logger: logger}
}

// Coordinates returns the serialized map payload for the given window.
// Start and end are ISO timestamps, truncated to the minute; identical
// requests inside the same minute hit the cache.
func (b *Builder) Coordinates(ctx context.Context, startRaw, endRaw string, reportNodeHours int, presets []string) (json.RawMessage, error) {
	start, err := meshutil.ParseDisplayTime(startRaw, b.loc)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrBadTimeRange, startRaw)
	}
	end, err := meshutil.ParseDisplayTime(endRaw, b.loc)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrBadTimeRange, endRaw)
	}

	sorted := append([]string(nil), presets...)
	slices.Sort(sorted)

	key := cacheKey(start, end, reportNodeHours, sorted)
	if raw, ok := b.cache.Get(key); ok {
		metrics.MapCacheHits.Inc()
		return raw, nil
	}
	metrics.MapCacheMisses.Inc()

	buildStart := time.Now()
	resp, err := b.build(ctx, start, end, reportNodeHours, sorted)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("marshal coordinates: %w", err)
	}
	metrics.MapBuildDuration.Observe(time.Since(buildStart).Seconds())

	b.cache.Set(key, raw)
	return raw, nil
}

func (b *Builder) build(ctx context.Context, start, end time.Time, reportNodeHours int, presets []string) (*CoordinatesResponse, error) {
	ids, err := b.snap.ActiveNodeIDs(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("active nodes: %w", err)
	}

	window := time.Duration(reportNodeHours) * time.Hour
	items := make([]*CoordinatesItem, 0, len(ids))
	byID := make(map[uint32]*CoordinatesItem, len(ids))
	for _, id := range ids {
		item, err := b.buildItem(ctx, id, presets, window)
		if err != nil {
			b.logger.Error("coordinates item failed",
				zap.String("node", meshutil.FormatNodeID(id)), zap.Error(err))
			continue
		}
		if item == nil {
			continue
		}
		items = append(items, item)
		byID[id] = item
	}

	nodeLine, nodeCoverage := b.deriveLines(items, byID)
	nodeLineNeighbor, err := b.deriveNeighborLines(ctx, start, end, byID)
	if err != nil {
		return nil, err
	}

	return &CoordinatesResponse{
		Items:            items,
		NodeLine:         nodeLine,
		NodeCoverage:     nodeCoverage,
		NodeLineNeighbor: nodeLineNeighbor,
	}, nil
}

// buildItem assembles one marker. A nil, nil return means the node was
// filtered out (wrong preset, or nothing to place on the map).
func (b *Builder) buildItem(ctx context.Context, id uint32, presets []string, window time.Duration) (*CoordinatesItem, error) {
	rec, err := b.snap.NodeInfoByID(ctx, id)
	if err != nil {
		return nil, err
	}
	var info *InfoItem
	preset := presetUnknown
	if rec != nil {
		info, err = NewInfoItem(rec, b.loc)
		if err != nil {
			return nil, err
		}
		if rec.LoRaModemPreset != nil {
			preset = *rec.LoRaModemPreset
		}
	}
	// An empty filter admits everything.
	if len(presets) > 0 && !slices.Contains(presets, preset) {
		return nil, nil
	}

	rows, err := b.snap.RecentPositions(ctx, id, positionLimit)
	if err != nil {
		return nil, err
	}
	positions := b.positionItems(rows)
	if len(positions) == 0 {
		return nil, nil
	}

	reporters, err := b.snap.PositionReporters(ctx, id, window)
	if err != nil {
		return nil, err
	}
	if reporters == nil {
		reporters = []uint32{}
	}

	return &CoordinatesItem{
		ID:           id,
		IDHex:        meshutil.FormatNodeID(id),
		Info:         info,
		Positions:    positions,
		ReportNodeID: reporters,
	}, nil
}

func (b *Builder) positionItems(rows []store.NodePositionRow) []*PositionItem {
	items := make([]*PositionItem, 0, len(rows))
	for _, row := range rows {
		item, err := NewPositionItem(row, b.loc)
		if err != nil {
			b.logger.Debug("skipping position row", zap.Error(err))
			continue
		}
		items = append(items, item)
	}
	return items
}

// deriveLines walks reporter chains. A node's reporters give first-hop
// links; each reporter's own reporters give second-hop links, and a
// closed A-B-C chain within distance becomes a coverage triangle.
func (b *Builder) deriveLines(items []*CoordinatesItem, byID map[uint32]*CoordinatesItem) ([]NodePair, []NodeTriple) {
	lines := make([]NodePair, 0)
	lineSeen := make(map[NodePair]bool)
	triples := make([]NodeTriple, 0)
	tripleSeen := make(map[NodeTriple]bool)

	addLine := func(x, y uint32) {
		p := orderedPair(x, y)
		if !lineSeen[p] {
			lineSeen[p] = true
			lines = append(lines, p)
		}
	}

	for _, na := range items {
		if len(na.ReportNodeID) == 0 {
			continue
		}
		posA := na.Positions[0]

		for _, bID := range na.ReportNodeID {
			nb := byID[bID]
			if nb == nil || bID == na.ID {
				continue
			}
			posB := nb.Positions[0]
			if meshutil.HaversineMeters(posA.Latitude, posA.Longitude, posB.Latitude, posB.Longitude) > b.maxDistance {
				continue
			}
			addLine(na.ID, bID)

			for _, cID := range nb.ReportNodeID {
				nc := byID[cID]
				if nc == nil || cID == bID {
					continue
				}
				posC := nc.Positions[0]
				if meshutil.HaversineMeters(posB.Latitude, posB.Longitude, posC.Latitude, posC.Longitude) > b.maxDistance {
					continue
				}
				addLine(bID, cID)

				// The triangle needs three distinct nodes and a closing
				// report in either direction.
				if cID == na.ID {
					continue
				}
				if !slices.Contains(nc.ReportNodeID, na.ID) && !slices.Contains(na.ReportNodeID, cID) {
					continue
				}
				if meshutil.HaversineMeters(posA.Latitude, posA.Longitude, posC.Latitude, posC.Longitude) > b.maxDistance {
					continue
				}
				tr := orderedTriple(na.ID, bID, cID)
				if !tripleSeen[tr] {
					tripleSeen[tr] = true
					triples = append(triples, tr)
				}
			}
		}
	}
	return lines, triples
}

// deriveNeighborLines maps stored RF edges onto the marker set.
func (b *Builder) deriveNeighborLines(ctx context.Context, start, end time.Time, byID map[uint32]*CoordinatesItem) ([]NodePair, error) {
	pairs, err := b.snap.NeighborPairs(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("neighbor pairs: %w", err)
	}

	out := make([]NodePair, 0)
	seen := make(map[NodePair]bool)
	for _, e := range pairs {
		if e.NodeID == e.EdgeNodeID {
			continue
		}
		na, nb := byID[e.NodeID], byID[e.EdgeNodeID]
		if na == nil || nb == nil {
			continue
		}
		posA, posB := na.Positions[0], nb.Positions[0]
		if meshutil.HaversineMeters(posA.Latitude, posA.Longitude, posB.Latitude, posB.Longitude) > b.maxDistance {
			continue
		}
		p := orderedPair(e.NodeID, e.EdgeNodeID)
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out, nil
}

func orderedPair(a, b uint32) NodePair {
	if a > b {
		a, b = b, a
	}
	return NodePair{a, b}
}

func orderedTriple(a, b, c uint32) NodeTriple {
	ids := []uint32{a, b, c}
	slices.Sort(ids)
	return NodeTriple{ids[0], ids[1], ids[2]}
}

func cacheKey(start, end time.Time, reportNodeHours int, sortedPresets []string) string {
	const stamp = "20060102150405"
	return fmt.Sprintf("%s_%s_%d_%s",
		start.UTC().Format(stamp), end.UTC().Format(stamp),
		reportNodeHours, strings.Join(sortedPresets, ","))
}
