package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/meshsight/mesh-gateway/internal/geo"
	"github.com/meshsight/mesh-gateway/internal/mapview"
	"github.com/meshsight/mesh-gateway/internal/meshutil"
	"github.com/meshsight/mesh-gateway/internal/store"
)

// User-facing envelope messages. The frontend surfaces these verbatim.
const (
	msgSuccess         = "success"
	msgBadTimeRange    = "查詢日期格式錯誤"
	msgBadNodeID       = "節點編號格式錯誤"
	msgBadParam        = "參數格式錯誤"
	msgBadDistribution = "不支援的分布類型"
	msgInternal        = "內部伺服器錯誤，請稍後再試"
)

// Errors detected at the API boundary.
var (
	errBadTime   = errors.New("bad time parameter")
	errBadNodeID = errors.New("bad node id")
	errBadParam  = errors.New("bad parameter")
)

// defaultPresetList admits every modem preset when the client sends none.
const defaultPresetList = "UNKNOWN,LONG_SLOW,LONG_MOD,LONG_FAST,MEDIUM_SLOW,MEDIUM_FAST,SHORT_SLOW,SHORT_FAST,SHORT_TURBO"

// Repo is the read surface the v1 endpoints serve from.
type Repo interface {
	NodeInfoByID(ctx context.Context, id uint32) (*store.NodeInfo, error)
	RecentPositions(ctx context.Context, id uint32, limit int) ([]store.NodePositionRow, error)
	TelemetryDeviceRange(ctx context.Context, id uint32, start, end time.Time) ([]store.TelemetryDeviceRow, error)
	ActiveHourlyRange(ctx context.Context, start, end time.Time) ([]store.ActiveHourlyRow, error)
	Distribution(ctx context.Context, kind string) ([]store.DistributionRow, error)
}

// MapSource produces the serialized coordinates payload.
type MapSource interface {
	Coordinates(ctx context.Context, start, end string, reportNodeHours int, presets []string) (json.RawMessage, error)
}

// Settings are the query limits published to the frontend.
type Settings struct {
	PositionMaxQueryPeriod     int
	NeighborInfoMaxQueryPeriod int
}

type API struct {
	repo     Repo
	maps     MapSource
	resolver geo.Resolver
	settings Settings
	loc      *time.Location
	logger   *zap.Logger
	now      func() time.Time
}

func NewAPI(repo Repo, maps MapSource, resolver geo.Resolver, settings Settings, loc *time.Location, logger *zap.Logger) *API {
	return &API{
		repo:     repo,
		maps:     maps,
		resolver: resolver,
		settings: settings,
		loc:      loc,
		logger:   logger,
		now:      time.Now,
	}
}

// Register mounts the v1 routes. The map is consumed by a browser
// frontend on another origin, so the routes answer any origin.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/map/coordinates", withCORS(a.handleMapCoordinates))
	mux.HandleFunc("GET /v1/node/info/{nodeId}", withCORS(a.handleNodeInfo))
	mux.HandleFunc("GET /v1/node/position/{nodeId}", withCORS(a.handleNodePosition))
	mux.HandleFunc("GET /v1/node/telemetry/device/{nodeId}", withCORS(a.handleTelemetryDevice))
	mux.HandleFunc("GET /v1/analysis/active-hourly-records", withCORS(a.handleActiveHourlyRecords))
	mux.HandleFunc("GET /v1/analysis/distribution/{type}", withCORS(a.handleDistribution))
	mux.HandleFunc("GET /v1/app/setting-data", withCORS(a.handleSettingData))
	mux.HandleFunc("OPTIONS /v1/", handlePreflight)
}

func withCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next(w, r)
	}
}

func handlePreflight(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "*")
	w.WriteHeader(http.StatusNoContent)
}

// BaseResponse is the envelope every v1 endpoint returns. The transport
// status is always 200; the outcome lives in the envelope.
type BaseResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// NodeInfoResponse answers /v1/node/info/{nodeId}.
type NodeInfoResponse struct {
	ID    uint32            `json:"id"`
	IDHex string            `json:"idHex"`
	Item  *mapview.InfoItem `json:"item"`
}

// NodePositionResponse answers /v1/node/position/{nodeId}.
type NodePositionResponse struct {
	ID       uint32                `json:"id"`
	IDHex    string                `json:"idHex"`
	Position *mapview.PositionItem `json:"position"`
}

// TelemetryDeviceItem is one device-metrics sample in display form.
type TelemetryDeviceItem struct {
	BatteryLevel       *float64 `json:"batteryLevel"`
	Voltage            *float64 `json:"voltage"`
	ChannelUtilization *float64 `json:"channelUtilization"`
	AirUtilTx          *float64 `json:"airUtilTx"`
	CreateAt           string   `json:"createAt"`
	UpdateAt           string   `json:"updateAt"`
	ViaID              uint32   `json:"viaId"`
	ViaIDHex           string   `json:"viaIdHex"`
	Channel            string   `json:"channel"`
	RootTopic          string   `json:"rootTopic"`
}

// NodeTelemetryDeviceResponse answers /v1/node/telemetry/device/{nodeId}.
type NodeTelemetryDeviceResponse struct {
	ID    uint32                `json:"id"`
	IDHex string                `json:"idHex"`
	Items []TelemetryDeviceItem `json:"items"`
}

// ActiveHourlyRecordItem is one hour of the device-activity rollup.
type ActiveHourlyRecordItem struct {
	Timestamp    string `json:"timestamp"`
	KnownCount   int    `json:"knownCount"`
	UnknownCount int    `json:"unknownCount"`
}

// ActiveHourlyRecordsResponse answers /v1/analysis/active-hourly-records.
type ActiveHourlyRecordsResponse struct {
	Items []ActiveHourlyRecordItem `json:"items"`
}

// DistributionItem is one bucket of an attribute distribution.
type DistributionItem struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// DistributionResponse answers /v1/analysis/distribution/{type}.
type DistributionResponse struct {
	Type  string             `json:"type"`
	Items []DistributionItem `json:"items"`
}

// SettingDataResponse answers /v1/app/setting-data.
type SettingDataResponse struct {
	MeshtasticPositionMaxQueryPeriod     int `json:"meshtasticPositionMaxQueryPeriod"`
	MeshtasticNeighborinfoMaxQueryPeriod int `json:"meshtasticNeighborinfoMaxQueryPeriod"`
}

func (a *API) handleMapCoordinates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	now := a.now().In(a.loc)

	start := q.Get("start")
	if start == "" {
		start = now.Add(-24 * time.Hour).Format(time.RFC3339)
	}
	end := q.Get("end")
	if end == "" {
		end = now.Format(time.RFC3339)
	}

	hours := 1
	if raw := q.Get("reportNodeHours"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			a.fail(w, "map coordinates", fmt.Errorf("%w: reportNodeHours %q", errBadParam, raw))
			return
		}
		hours = v
	}

	presetList := q.Get("loraModemPresetList")
	if presetList == "" {
		presetList = defaultPresetList
	}

	raw, err := a.maps.Coordinates(r.Context(), start, end, hours, strings.Split(presetList, ","))
	if err != nil {
		a.fail(w, "map coordinates", err)
		return
	}
	a.respond(w, raw)
}

func (a *API) handleNodeInfo(w http.ResponseWriter, r *http.Request) {
	id, err := nodeIDParam(r)
	if err != nil {
		a.fail(w, "node info", err)
		return
	}

	rec, err := a.repo.NodeInfoByID(r.Context(), id)
	if err != nil {
		a.fail(w, "node info", err)
		return
	}
	var item *mapview.InfoItem
	if rec != nil {
		if item, err = mapview.NewInfoItem(rec, a.loc); err != nil {
			a.fail(w, "node info", err)
			return
		}
	}

	a.respond(w, NodeInfoResponse{ID: id, IDHex: meshutil.FormatNodeID(id), Item: item})
}

func (a *API) handleNodePosition(w http.ResponseWriter, r *http.Request) {
	id, err := nodeIDParam(r)
	if err != nil {
		a.fail(w, "node position", err)
		return
	}

	rows, err := a.repo.RecentPositions(r.Context(), id, 1)
	if err != nil {
		a.fail(w, "node position", err)
		return
	}
	var position *mapview.PositionItem
	if len(rows) > 0 {
		position, err = mapview.NewPositionItem(rows[0], a.loc)
		if err != nil {
			a.logger.Debug("skipping position row", zap.Error(err))
			position = nil
		}
	}
	if position != nil && a.resolver != nil {
		position.ResolvedAddress = a.resolver.Reverse(r.Context(), position.Latitude, position.Longitude)
	}

	a.respond(w, NodePositionResponse{ID: id, IDHex: meshutil.FormatNodeID(id), Position: position})
}

func (a *API) handleTelemetryDevice(w http.ResponseWriter, r *http.Request) {
	id, err := nodeIDParam(r)
	if err != nil {
		a.fail(w, "telemetry device", err)
		return
	}

	now := a.now().In(a.loc)
	start, err := a.timeParam(r, "start", now.Add(-24*time.Hour))
	if err != nil {
		a.fail(w, "telemetry device", err)
		return
	}
	end, err := a.timeParam(r, "end", now)
	if err != nil {
		a.fail(w, "telemetry device", err)
		return
	}

	rows, err := a.repo.TelemetryDeviceRange(r.Context(), id, start, end)
	if err != nil {
		a.fail(w, "telemetry device", err)
		return
	}

	items := make([]TelemetryDeviceItem, 0, len(rows))
	for _, row := range rows {
		item, err := a.telemetryItem(row)
		if err != nil {
			a.logger.Debug("skipping telemetry row", zap.Error(err))
			continue
		}
		items = append(items, item)
	}

	a.respond(w, NodeTelemetryDeviceResponse{ID: id, IDHex: meshutil.FormatNodeID(id), Items: items})
}

func (a *API) telemetryItem(row store.TelemetryDeviceRow) (TelemetryDeviceItem, error) {
	viaHex := meshutil.ReporterFromTopic(row.Topic)
	if viaHex == "" {
		viaHex = meshutil.FormatNodeID(row.NodeID)
	}
	viaID, err := meshutil.ParseNodeID(viaHex)
	if err != nil {
		return TelemetryDeviceItem{}, fmt.Errorf("telemetry topic %q: %w", row.Topic, err)
	}
	return TelemetryDeviceItem{
		BatteryLevel:       row.BatteryLevel,
		Voltage:            row.Voltage,
		ChannelUtilization: row.ChannelUtilization,
		AirUtilTx:          row.AirUtilTx,
		CreateAt:           row.CreateAt.In(a.loc).Format(time.RFC3339),
		UpdateAt:           row.UpdateAt.In(a.loc).Format(time.RFC3339),
		ViaID:              viaID,
		ViaIDHex:           viaHex,
		Channel:            meshutil.ChannelLabel(row.Topic),
		RootTopic:          meshutil.RootTopicFromTopic(row.Topic),
	}, nil
}

func (a *API) handleActiveHourlyRecords(w http.ResponseWriter, r *http.Request) {
	now := a.now().In(a.loc)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, a.loc)

	start, err := a.timeParam(r, "start", dayStart)
	if err != nil {
		a.fail(w, "active hourly records", err)
		return
	}
	end, err := a.timeParam(r, "end", dayStart.Add(24*time.Hour-time.Second))
	if err != nil {
		a.fail(w, "active hourly records", err)
		return
	}

	rows, err := a.repo.ActiveHourlyRange(r.Context(), start, end)
	if err != nil {
		a.fail(w, "active hourly records", err)
		return
	}

	items := make([]ActiveHourlyRecordItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, ActiveHourlyRecordItem{
			Timestamp:    row.Hourly.In(a.loc).Format(time.RFC3339),
			KnownCount:   row.KnownCount,
			UnknownCount: row.UnknownCount,
		})
	}

	a.respond(w, ActiveHourlyRecordsResponse{Items: items})
}

func (a *API) handleDistribution(w http.ResponseWriter, r *http.Request) {
	kind := r.PathValue("type")
	rows, err := a.repo.Distribution(r.Context(), kind)
	if err != nil {
		a.fail(w, "distribution", err)
		return
	}

	items := make([]DistributionItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, DistributionItem{Name: row.Name, Count: row.Count})
	}

	a.respond(w, DistributionResponse{Type: kind, Items: items})
}

func (a *API) handleSettingData(w http.ResponseWriter, _ *http.Request) {
	a.respond(w, SettingDataResponse{
		MeshtasticPositionMaxQueryPeriod:     a.settings.PositionMaxQueryPeriod,
		MeshtasticNeighborinfoMaxQueryPeriod: a.settings.NeighborInfoMaxQueryPeriod,
	})
}

func (a *API) respond(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(BaseResponse{Status: "success", Message: msgSuccess, Data: data}); err != nil {
		a.logger.Error("encoding response", zap.Error(err))
	}
}

// fail writes the error envelope. Domain errors carry their own client
// message; anything else is masked and logged.
func (a *API) fail(w http.ResponseWriter, op string, err error) {
	msg := userMessage(err)
	if msg == msgInternal {
		a.logger.Error(op, zap.Error(err))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(BaseResponse{Status: "error", Message: msg, Data: nil}); err != nil {
		a.logger.Error("encoding response", zap.Error(err))
	}
}

func userMessage(err error) string {
	switch {
	case errors.Is(err, mapview.ErrBadTimeRange), errors.Is(err, errBadTime):
		return msgBadTimeRange
	case errors.Is(err, errBadNodeID):
		return msgBadNodeID
	case errors.Is(err, errBadParam):
		return msgBadParam
	case errors.Is(err, store.ErrUnknownDistribution):
		return msgBadDistribution
	default:
		return msgInternal
	}
}

// timeParam reads a query timestamp, falling back when absent. Both paths
// truncate to the minute.
func (a *API) timeParam(r *http.Request, name string, fallback time.Time) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback.UTC().Truncate(time.Minute), nil
	}
	t, err := meshutil.ParseDisplayTime(raw, a.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", errBadTime, raw)
	}
	return t, nil
}

func nodeIDParam(r *http.Request) (uint32, error) {
	raw := r.PathValue("nodeId")
	id, err := meshutil.ParseNodeID(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", errBadNodeID, raw)
	}
	return id, nil
}
