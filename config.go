package store

import (
	"fmt"
	"strconv"
)

// Default values for the properties table in spec §6.
const (
	DefaultHeaderSize        = 128
	DefaultDataSize          = 128 * 1024 * 1024
	DefaultCachedFileCore    = 0
	DefaultCachedFileMax     = 2
	DefaultMaxDirtySize      = 0
	propFileHeaderSize       = "file_header_size"
	propFileDataSize         = "file_data_size"
	propCachedFileCoreCount  = "cached_file_core_count"
	propCachedFileMaxCount   = "cached_file_max_count"
	propMaxDirtySize         = "max_dirty_size"
)

// Config holds the tunables of §6. Zero value is invalid; use NewConfig or
// ParseProperties which apply the documented defaults.
type Config struct {
	// HeaderSize is the number of bytes reserved at the start of every
	// segment file, opaque to the core.
	HeaderSize int64
	// DataSize is the number of data bytes a segment can hold.
	DataSize int64
	// CachedFileCoreCount is the number of idle pages eagerly preloaded
	// per store in the shared buffer cache.
	CachedFileCoreCount int
	// CachedFileMaxCount is the maximum number of idle pages cached per
	// store in the shared buffer cache.
	CachedFileMaxCount int
	// MaxDirtySize is the number of bytes by which max-flushed may exceed
	// before Append applies back-pressure; 0 disables back-pressure.
	MaxDirtySize int64
	// DurableWatermark enables the bbolt-backed durable watermark
	// companion described in SPEC_FULL.md §4 / DESIGN.md OQ1. Default
	// off preserves the spec's documented recover() behavior.
	DurableWatermark bool
}

// Option mutates a Config during construction, mirroring the functional
// option style the teacher WAL uses for walOpt.
type Option func(*Config)

// WithHeaderSize overrides the per-segment header reservation.
func WithHeaderSize(n int64) Option { return func(c *Config) { c.HeaderSize = n } }

// WithDataSize overrides the per-segment data capacity.
func WithDataSize(n int64) Option { return func(c *Config) { c.DataSize = n } }

// WithCachedFileCounts overrides the buffer cache preload core/max counts.
func WithCachedFileCounts(core, max int) Option {
	return func(c *Config) {
		c.CachedFileCoreCount = core
		c.CachedFileMaxCount = max
	}
}

// WithMaxDirtySize overrides the back-pressure threshold.
func WithMaxDirtySize(n int64) Option { return func(c *Config) { c.MaxDirtySize = n } }

// WithDurableWatermark turns on the bbolt-backed durable watermark
// companion file.
func WithDurableWatermark(enabled bool) Option {
	return func(c *Config) { c.DurableWatermark = enabled }
}

// NewConfig builds a Config from the documented defaults and opts, then
// validates it.
func NewConfig(opts ...Option) (Config, error) {
	c := Config{
		HeaderSize:          DefaultHeaderSize,
		DataSize:            DefaultDataSize,
		CachedFileCoreCount: DefaultCachedFileCore,
		CachedFileMaxCount:  DefaultCachedFileMax,
		MaxDirtySize:        DefaultMaxDirtySize,
	}
	for _, opt := range opts {
		opt(&c)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// ParseProperties builds a Config from the string-keyed properties table
// in spec §6, applying documented defaults for absent keys.
func ParseProperties(props map[string]string) (Config, error) {
	c := Config{
		HeaderSize:          DefaultHeaderSize,
		DataSize:            DefaultDataSize,
		CachedFileCoreCount: DefaultCachedFileCore,
		CachedFileMaxCount:  DefaultCachedFileMax,
		MaxDirtySize:        DefaultMaxDirtySize,
	}
	var err error
	if c.HeaderSize, err = parseInt64Prop(props, propFileHeaderSize, c.HeaderSize); err != nil {
		return Config{}, err
	}
	if c.DataSize, err = parseInt64Prop(props, propFileDataSize, c.DataSize); err != nil {
		return Config{}, err
	}
	if c.MaxDirtySize, err = parseInt64Prop(props, propMaxDirtySize, c.MaxDirtySize); err != nil {
		return Config{}, err
	}
	core, err := parseInt64Prop(props, propCachedFileCoreCount, int64(c.CachedFileCoreCount))
	if err != nil {
		return Config{}, err
	}
	c.CachedFileCoreCount = int(core)
	max, err := parseInt64Prop(props, propCachedFileMaxCount, int64(c.CachedFileMaxCount))
	if err != nil {
		return Config{}, err
	}
	c.CachedFileMaxCount = int(max)
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func parseInt64Prop(props map[string]string, key string, def int64) (int64, error) {
	v, ok := props[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: property %q: %v", ErrIllegalArgument, key, err)
	}
	return n, nil
}

// Validate rejects nonsensical configuration up front rather than at first
// append (SPEC_FULL.md §9 supplement).
func (c Config) Validate() error {
	if c.DataSize <= 0 {
		return fmt.Errorf("%w: file_data_size must be positive, got %d", ErrIllegalArgument, c.DataSize)
	}
	if c.HeaderSize < 0 {
		return fmt.Errorf("%w: file_header_size must be non-negative, got %d", ErrIllegalArgument, c.HeaderSize)
	}
	if c.CachedFileCoreCount < 0 || c.CachedFileMaxCount < 0 {
		return fmt.Errorf("%w: cached file counts must be non-negative", ErrIllegalArgument)
	}
	if c.CachedFileMaxCount < c.CachedFileCoreCount {
		return fmt.Errorf("%w: cached_file_max_count (%d) must be >= cached_file_core_count (%d)",
			ErrIllegalArgument, c.CachedFileMaxCount, c.CachedFileCoreCount)
	}
	if c.MaxDirtySize < 0 {
		return fmt.Errorf("%w: max_dirty_size must be non-negative", ErrIllegalArgument)
	}
	return nil
}
