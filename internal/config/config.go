package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Timezone   string           `koanf:"timezone"`
	Log        LogConfig        `koanf:"log"`
	Postgres   PostgresConfig   `koanf:"postgres"`
	HTTP       HTTPConfig       `koanf:"http"`
	Map        MapConfig        `koanf:"map"`
	Meshtastic MeshtasticConfig `koanf:"meshtastic"`
	MQTT       MQTTConfig       `koanf:"mqtt"`
}

type LogConfig struct {
	Level string `koanf:"level"`
}

type PostgresConfig struct {
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"maxConns"`
	MinConns int32  `koanf:"minConns"`
}

type HTTPConfig struct {
	Listen string `koanf:"listen"`
}

type MapConfig struct {
	// CacheEntries bounds the coordinates response cache.
	CacheEntries int `koanf:"cacheEntries"`
}

type MeshtasticConfig struct {
	Position     PositionConfig     `koanf:"position"`
	NeighborInfo NeighborInfoConfig `koanf:"neighborinfo"`
	Channels     []ChannelConfig    `koanf:"channels"`
}

type PositionConfig struct {
	MaxQueryPeriod   int `koanf:"maxQueryPeriod"`   // hours
	MaxPrecisionBits int `koanf:"maxPrecisionBits"` // stored positions are blurred past this
}

type NeighborInfoConfig struct {
	MaxQueryPeriod int     `koanf:"maxQueryPeriod"` // hours
	MaxDistance    float64 `koanf:"maxDistance"`    // meters; longer map links are discarded
}

// ChannelConfig names a mesh channel and its base64 AES key.
type ChannelConfig struct {
	Name string `koanf:"name"`
	Key  string `koanf:"key"`
}

type MQTTConfig struct {
	Client []MQTTClientConfig `koanf:"client"`
}

// MQTTClientConfig describes one upstream broker set. A worker is spawned
// per host in Hosts, all sharing the same credentials and subscriptions.
type MQTTClientConfig struct {
	Hosts        []string `koanf:"hosts"`
	Port         int      `koanf:"port"`
	Identifier   string   `koanf:"identifier"`
	Username     string   `koanf:"username"`
	Password     string   `koanf:"password"`
	Topics       []string `koanf:"topics"`
	RetryTime    int      `koanf:"retryTime"` // seconds between reconnect attempts
	ShowErrorLog bool     `koanf:"showErrorLog"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: MESHGW_POSTGRES__DSN → postgres.dsn
	if err := k.Load(env.Provider("MESHGW_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "MESHGW_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Timezone: "Asia/Taipei",
		Log: LogConfig{
			Level: "info",
		},
		Postgres: PostgresConfig{
			MaxConns: 20,
			MinConns: 2,
		},
		HTTP: HTTPConfig{
			Listen: ":8080",
		},
		Map: MapConfig{
			CacheEntries: 512,
		},
		Meshtastic: MeshtasticConfig{
			Position: PositionConfig{
				MaxQueryPeriod:   72,
				MaxPrecisionBits: 16,
			},
			NeighborInfo: NeighborInfoConfig{
				MaxQueryPeriod: 24,
				MaxDistance:    80000,
			},
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Per-entry defaults for the broker list.
	for i := range cfg.MQTT.Client {
		if cfg.MQTT.Client[i].Port == 0 {
			cfg.MQTT.Client[i].Port = 1883
		}
		if cfg.MQTT.Client[i].RetryTime == 0 {
			cfg.MQTT.Client[i].RetryTime = 30
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Postgres.DSN == "" {
		return fmt.Errorf("config: postgres.dsn is required")
	}
	if c.HTTP.Listen == "" {
		return fmt.Errorf("config: http.listen is required")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("config: timezone is invalid: %w", err)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: log.level is invalid: %w", err)
	}
	if c.Postgres.MaxConns <= 0 {
		return fmt.Errorf("config: postgres.maxConns must be > 0 (got %d)", c.Postgres.MaxConns)
	}
	if c.Postgres.MinConns < 0 {
		return fmt.Errorf("config: postgres.minConns must be >= 0 (got %d)", c.Postgres.MinConns)
	}
	if c.Map.CacheEntries <= 0 {
		return fmt.Errorf("config: map.cacheEntries must be > 0 (got %d)", c.Map.CacheEntries)
	}
	if c.Meshtastic.Position.MaxQueryPeriod <= 0 {
		return fmt.Errorf("config: meshtastic.position.maxQueryPeriod must be > 0 (got %d)", c.Meshtastic.Position.MaxQueryPeriod)
	}
	if b := c.Meshtastic.Position.MaxPrecisionBits; b < 1 || b > 32 {
		return fmt.Errorf("config: meshtastic.position.maxPrecisionBits must be in [1,32] (got %d)", b)
	}
	if c.Meshtastic.NeighborInfo.MaxQueryPeriod <= 0 {
		return fmt.Errorf("config: meshtastic.neighborinfo.maxQueryPeriod must be > 0 (got %d)", c.Meshtastic.NeighborInfo.MaxQueryPeriod)
	}
	if c.Meshtastic.NeighborInfo.MaxDistance <= 0 {
		return fmt.Errorf("config: meshtastic.neighborinfo.maxDistance must be > 0 (got %g)", c.Meshtastic.NeighborInfo.MaxDistance)
	}
	for i, ch := range c.Meshtastic.Channels {
		if ch.Name == "" {
			return fmt.Errorf("config: meshtastic.channels[%d].name is required", i)
		}
		if ch.Key == "" {
			return fmt.Errorf("config: meshtastic.channels[%d].key is required", i)
		}
	}
	if len(c.MQTT.Client) == 0 {
		return fmt.Errorf("config: mqtt.client requires at least one entry")
	}
	for i, cl := range c.MQTT.Client {
		if len(cl.Hosts) == 0 {
			return fmt.Errorf("config: mqtt.client[%d].hosts requires at least one host", i)
		}
		if len(cl.Topics) == 0 {
			return fmt.Errorf("config: mqtt.client[%d].topics requires at least one topic", i)
		}
		if cl.Port <= 0 || cl.Port > 65535 {
			return fmt.Errorf("config: mqtt.client[%d].port must be in [1,65535] (got %d)", i, cl.Port)
		}
		if cl.RetryTime <= 0 {
			return fmt.Errorf("config: mqtt.client[%d].retryTime must be > 0 (got %d)", i, cl.RetryTime)
		}
	}
	return nil
}

// ChannelKeys maps channel names to their base64 keys for the decoder.
func (c *Config) ChannelKeys() map[string]string {
	keys := make(map[string]string, len(c.Meshtastic.Channels))
	for _, ch := range c.Meshtastic.Channels {
		keys[ch.Name] = ch.Key
	}
	return keys
}

// Location resolves the display timezone. Validate guarantees it parses;
// UTC is the fallback for an unvalidated Config.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
