// Package geo resolves coordinates to street addresses through the
// Nominatim reverse geocoding API. Lookups are best-effort: any failure
// yields a nil address, never an error.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/meshsight/mesh-gateway/internal/metrics"
)

const (
	defaultBaseURL = "https://nominatim.openstreetmap.org"
	userAgent      = "meshsight-gateway"
	requestTimeout = 10 * time.Second
)

// ResolvedAddress is the display form of a reverse lookup.
type ResolvedAddress struct {
	FullAddress   *string           `json:"fullAddress"`
	HouseNumber   *string           `json:"houseNumber"`
	Road          *string           `json:"road"`
	Neighbourhood *string           `json:"neighbourhood"`
	District      *string           `json:"district"`
	City          *string           `json:"city"`
	County        *string           `json:"county"`
	State         *string           `json:"state"`
	Postcode      *string           `json:"postcode"`
	Country       *string           `json:"country"`
	CountryCode   *string           `json:"countryCode"`
	Raw           map[string]string `json:"raw"`
}

// Resolver turns a coordinate into an address, or nil when it cannot.
type Resolver interface {
	Reverse(ctx context.Context, lat, lon float64) *ResolvedAddress
}

// NominatimResolver queries a Nominatim endpoint.
type NominatimResolver struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewNominatim builds a resolver against baseURL, or the public OSM
// instance when empty.
func NewNominatim(baseURL string, logger *zap.Logger) *NominatimResolver {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &NominatimResolver{
		baseURL: baseURL,
		client:  &http.Client{Timeout: requestTimeout},
		logger:  logger,
	}
}

type nominatimResponse struct {
	DisplayName string            `json:"display_name"`
	Address     map[string]string `json:"address"`
}

func (r *NominatimResolver) Reverse(ctx context.Context, lat, lon float64) *ResolvedAddress {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	q.Set("format", "jsonv2")
	q.Set("accept-language", "zh-TW")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/reverse?"+q.Encode(), nil)
	if err != nil {
		return r.fail("build request", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return r.fail("request", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return r.fail("request", fmt.Errorf("status %d", resp.StatusCode))
	}

	var body nominatimResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return r.fail("decode response", err)
	}

	metrics.GeocodeRequestsTotal.WithLabelValues("ok").Inc()
	// Nominatim reports unresolvable coordinates (open sea) as an error
	// object without a display name.
	if body.DisplayName == "" {
		return nil
	}

	addr := body.Address
	return &ResolvedAddress{
		FullAddress:   &body.DisplayName,
		HouseNumber:   addrField(addr, "house_number"),
		Road:          addrField(addr, "road"),
		Neighbourhood: addrField(addr, "neighbourhood"),
		District:      addrField(addr, "city_district", "district", "suburb", "town", "village", "hamlet"),
		City:          addrField(addr, "city"),
		County:        addrField(addr, "county"),
		State:         addrField(addr, "state"),
		Postcode:      addrField(addr, "postcode"),
		Country:       addrField(addr, "country"),
		CountryCode:   addrField(addr, "country_code"),
		Raw:           addr,
	}
}

func (r *NominatimResolver) fail(stage string, err error) *ResolvedAddress {
	metrics.GeocodeRequestsTotal.WithLabelValues("error").Inc()
	r.logger.Debug("reverse geocode failed", zap.String("stage", stage), zap.Error(err))
	return nil
}

// addrField returns the first non-empty value among keys.
func addrField(addr map[string]string, keys ...string) *string {
	for _, k := range keys {
		if v := addr[k]; v != "" {
			return &v
		}
	}
	return nil
}
