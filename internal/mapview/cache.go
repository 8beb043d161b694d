package mapview

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/maypok86/otter"
	"go.uber.org/zap"
)

// Cache holds serialized coordinates responses, zstd-compressed. Map
// payloads repeat topic strings heavily and compress an order of
// magnitude; the capacity bound is on entry count, not bytes.
type Cache struct {
	entries otter.Cache[string, []byte]
	enc     *zstd.Encoder
	dec     *zstd.Decoder
	logger  *zap.Logger
}

func NewCache(capacity int, logger *zap.Logger) (*Cache, error) {
	entries, err := otter.MustBuilder[string, []byte](capacity).Build()
	if err != nil {
		return nil, fmt.Errorf("build map cache: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &Cache{entries: entries, enc: enc, dec: dec, logger: logger}, nil
}

func (c *Cache) Get(key string) (json.RawMessage, bool) {
	blob, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}
	raw, err := c.dec.DecodeAll(blob, nil)
	if err != nil {
		c.logger.Warn("dropping corrupt cache entry", zap.String("key", key), zap.Error(err))
		c.entries.Delete(key)
		return nil, false
	}
	return raw, true
}

func (c *Cache) Set(key string, raw []byte) {
	c.entries.Set(key, c.enc.EncodeAll(raw, nil))
}

// Purge discards every entry. The scheduler calls this daily.
func (c *Cache) Purge() {
	c.entries.Clear()
}

func (c *Cache) Len() int {
	return c.entries.Size()
}
