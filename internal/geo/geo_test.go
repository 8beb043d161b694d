package geo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func TestReverse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/reverse" {
			t.Errorf("expected path /reverse, got %q", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("lat") != "25.033" || q.Get("lon") != "121.5654" {
			t.Errorf("unexpected coordinates lat=%q lon=%q", q.Get("lat"), q.Get("lon"))
		}
		if q.Get("format") != "jsonv2" {
			t.Errorf("expected format jsonv2, got %q", q.Get("format"))
		}
		if q.Get("accept-language") != "zh-TW" {
			t.Errorf("expected accept-language zh-TW, got %q", q.Get("accept-language"))
		}
		if ua := r.Header.Get("User-Agent"); ua != "meshsight-gateway" {
			t.Errorf("expected user agent meshsight-gateway, got %q", ua)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"display_name": "台北101, 信義路五段, 西村里, 信義區, 臺北市, 110, 臺灣",
			"address": {
				"road": "信義路五段",
				"suburb": "信義區",
				"city": "臺北市",
				"postcode": "110",
				"country": "臺灣",
				"country_code": "tw"
			}
		}`))
	}))
	defer srv.Close()

	addr := NewNominatim(srv.URL, zap.NewNop()).Reverse(context.Background(), 25.033, 121.5654)
	if addr == nil {
		t.Fatal("expected resolved address")
	}
	if addr.FullAddress == nil || *addr.FullAddress != "台北101, 信義路五段, 西村里, 信義區, 臺北市, 110, 臺灣" {
		t.Errorf("unexpected full address %v", addr.FullAddress)
	}
	if addr.Road == nil || *addr.Road != "信義路五段" {
		t.Errorf("expected road 信義路五段, got %v", addr.Road)
	}
	// No city_district key: the district falls back to suburb.
	if addr.District == nil || *addr.District != "信義區" {
		t.Errorf("expected district 信義區, got %v", addr.District)
	}
	if addr.City == nil || *addr.City != "臺北市" {
		t.Errorf("expected city 臺北市, got %v", addr.City)
	}
	if addr.CountryCode == nil || *addr.CountryCode != "tw" {
		t.Errorf("expected country code tw, got %v", addr.CountryCode)
	}
	if addr.HouseNumber != nil {
		t.Errorf("expected nil house number, got %v", *addr.HouseNumber)
	}
	if addr.Raw["road"] != "信義路五段" {
		t.Errorf("expected raw address kept, got %v", addr.Raw)
	}
}

func TestReverse_Unresolvable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"error": "Unable to geocode"}`))
	}))
	defer srv.Close()

	if addr := NewNominatim(srv.URL, zap.NewNop()).Reverse(context.Background(), 0, -160); addr != nil {
		t.Errorf("expected nil for unresolvable coordinates, got %+v", addr)
	}
}

func TestReverse_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	if addr := NewNominatim(srv.URL, zap.NewNop()).Reverse(context.Background(), 25.033, 121.5654); addr != nil {
		t.Errorf("expected nil on server error, got %+v", addr)
	}
}

func TestReverse_BadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	if addr := NewNominatim(srv.URL, zap.NewNop()).Reverse(context.Background(), 25.033, 121.5654); addr != nil {
		t.Errorf("expected nil on undecodable body, got %+v", addr)
	}
}

func TestAddrField(t *testing.T) {
	addr := map[string]string{"district": "大安區", "town": "ignored"}
	got := addrField(addr, "city_district", "district", "suburb", "town")
	if got == nil || *got != "大安區" {
		t.Errorf("expected first present key to win, got %v", got)
	}
	if addrField(addr, "road") != nil {
		t.Error("expected nil for absent keys")
	}
}
