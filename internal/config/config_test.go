package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Config {
	return &Config{
		Timezone: "UTC",
		Log:      LogConfig{Level: "info"},
		Postgres: PostgresConfig{
			DSN:      "postgres://localhost/test",
			MaxConns: 10,
			MinConns: 2,
		},
		HTTP: HTTPConfig{Listen: ":8080"},
		Map:  MapConfig{CacheEntries: 64},
		Meshtastic: MeshtasticConfig{
			Position:     PositionConfig{MaxQueryPeriod: 72, MaxPrecisionBits: 16},
			NeighborInfo: NeighborInfoConfig{MaxQueryPeriod: 24, MaxDistance: 80000},
			Channels: []ChannelConfig{
				{Name: "LongFast", Key: "1PG7OiApB1nwvP+rz05pAQ=="},
			},
		},
		MQTT: MQTTConfig{
			Client: []MQTTClientConfig{
				{
					Hosts:     []string{"mqtt.example.org"},
					Port:      1883,
					Topics:    []string{"msh/TW/#"},
					RetryTime: 30,
				},
			},
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestValidate_NoDSN(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.DSN = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestValidate_NoListen(t *testing.T) {
	cfg := validConfig()
	cfg.HTTP.Listen = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty http.listen")
	}
}

func TestValidate_InvalidTimezone(t *testing.T) {
	cfg := validConfig()
	cfg.Timezone = "Not/A/Real/Zone"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid timezone")
	}
}

func TestValidate_ValidTimezone(t *testing.T) {
	cfg := validConfig()
	cfg.Timezone = "Asia/Taipei"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := validConfig()
	cfg.Log.Level = "loud"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}

func TestValidate_CacheEntriesZero(t *testing.T) {
	cfg := validConfig()
	cfg.Map.CacheEntries = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for map.cacheEntries = 0")
	}
}

func TestValidate_PositionQueryPeriodZero(t *testing.T) {
	cfg := validConfig()
	cfg.Meshtastic.Position.MaxQueryPeriod = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for position maxQueryPeriod = 0")
	}
}

func TestValidate_PrecisionBitsOutOfRange(t *testing.T) {
	for _, bits := range []int{0, 33, -5} {
		cfg := validConfig()
		cfg.Meshtastic.Position.MaxPrecisionBits = bits
		if err := cfg.Validate(); err == nil {
			t.Errorf("expected error for maxPrecisionBits = %d", bits)
		}
	}
}

func TestValidate_NeighborDistanceZero(t *testing.T) {
	cfg := validConfig()
	cfg.Meshtastic.NeighborInfo.MaxDistance = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for neighborinfo maxDistance = 0")
	}
}

func TestValidate_ChannelWithoutName(t *testing.T) {
	cfg := validConfig()
	cfg.Meshtastic.Channels = append(cfg.Meshtastic.Channels, ChannelConfig{Key: "AAAAAAAAAAAAAAAAAAAAAA=="})
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for channel without name")
	}
}

func TestValidate_ChannelWithoutKey(t *testing.T) {
	cfg := validConfig()
	cfg.Meshtastic.Channels = append(cfg.Meshtastic.Channels, ChannelConfig{Name: "Private"})
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for channel without key")
	}
}

func TestValidate_NoMQTTClients(t *testing.T) {
	cfg := validConfig()
	cfg.MQTT.Client = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty mqtt.client list")
	}
}

func TestValidate_ClientWithoutHosts(t *testing.T) {
	cfg := validConfig()
	cfg.MQTT.Client[0].Hosts = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for client without hosts")
	}
}

func TestValidate_ClientWithoutTopics(t *testing.T) {
	cfg := validConfig()
	cfg.MQTT.Client[0].Topics = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for client without topics")
	}
}

func TestValidate_ClientBadPort(t *testing.T) {
	cfg := validConfig()
	cfg.MQTT.Client[0].Port = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}

func TestValidate_ClientRetryTimeZero(t *testing.T) {
	cfg := validConfig()
	cfg.MQTT.Client[0].RetryTime = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for retryTime = 0")
	}
}

func writeMinimalYAML(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	data := `
timezone: "UTC"
postgres:
  dsn: "postgres://localhost/test"
mqtt:
  client:
    - hosts:
        - "mqtt.example.org"
      topics:
        - "msh/TW/#"
`
	if err := os.WriteFile(p, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_Defaults(t *testing.T) {
	p := writeMinimalYAML(t)

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Listen != ":8080" {
		t.Errorf("expected default listen ':8080', got %q", cfg.HTTP.Listen)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected default log level 'info', got %q", cfg.Log.Level)
	}
	if cfg.Map.CacheEntries != 512 {
		t.Errorf("expected default cacheEntries 512, got %d", cfg.Map.CacheEntries)
	}
	if cfg.Meshtastic.Position.MaxPrecisionBits != 16 {
		t.Errorf("expected default maxPrecisionBits 16, got %d", cfg.Meshtastic.Position.MaxPrecisionBits)
	}
	if cfg.MQTT.Client[0].Port != 1883 {
		t.Errorf("expected default port 1883, got %d", cfg.MQTT.Client[0].Port)
	}
	if cfg.MQTT.Client[0].RetryTime != 30 {
		t.Errorf("expected default retryTime 30, got %d", cfg.MQTT.Client[0].RetryTime)
	}
}

func TestLoad_EnvOverrideDSN(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("MESHGW_POSTGRES__DSN", "postgres://envhost/envdb")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Postgres.DSN != "postgres://envhost/envdb" {
		t.Errorf("expected DSN from env, got %q", cfg.Postgres.DSN)
	}
}

func TestLoad_EnvOverrideLogLevel(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("MESHGW_LOG__LEVEL", "debug")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected log level 'debug' from env, got %q", cfg.Log.Level)
	}
}

func TestLoad_EnvEmptyDSNFailsValidation(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("MESHGW_POSTGRES__DSN", "")

	if _, err := Load(p); err == nil {
		t.Fatal("expected validation error for empty dsn via env")
	}
}

func TestChannelKeys(t *testing.T) {
	cfg := validConfig()
	keys := cfg.ChannelKeys()
	if got := keys["LongFast"]; got != "1PG7OiApB1nwvP+rz05pAQ==" {
		t.Errorf("expected LongFast key, got %q", got)
	}
	if len(keys) != 1 {
		t.Errorf("expected 1 key, got %d", len(keys))
	}
}
