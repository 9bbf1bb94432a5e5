package cacheblend

import (
	"math"
	"os"
	"strconv"
)

// DriftMetric selects which projections the CHECK layer compares
type DriftMetric int

const (
	// DriftValue compares value vectors only
	DriftValue DriftMetric = iota
	// DriftKey compares key vectors only
	DriftKey
	// DriftKeyValue sums key and value drift
	DriftKeyValue
)

func (m DriftMetric) String() string {
	switch m {
	case DriftValue:
		return "value"
	case DriftKey:
		return "key"
	case DriftKeyValue:
		return "key+value"
	default:
		return "unknown"
	}
}

// ParseDriftMetric parses the String form of a DriftMetric
func ParseDriftMetric(s string) (DriftMetric, error) {
	switch s {
	case "value", "v":
		return DriftValue, nil
	case "key", "k":
		return DriftKey, nil
	case "key+value", "kv":
		return DriftKeyValue, nil
	}
	return 0, configErr("drift_metric", "unknown metric %q", s)
}

// StorePrecision selects how ChunkStore keeps precomputed chunk KV
type StorePrecision int

const (
	PrecisionF32 StorePrecision = iota
	PrecisionF16
)

// Framing describes the boilerplate the standalone pass wraps around chunks.
//
// The template prefix chunk is run as BOS+tokens and every row is kept.
// Document and query chunks are run as BOS+ChunkLead+tokens and the leading
// len(BOS)+len(ChunkLead) rows are dropped.
type Framing struct {
	BOS       []int
	ChunkLead []int
}

// Config holds the configuration for the blending engine
type Config struct {
	NumLayers  int
	NumHeads   int
	NumKVHeads int
	HeadDim    int

	RecompRatio   float64
	CheckLayer    int
	DriftMetric   DriftMetric
	BiasAlignment int

	KVCacheBlockSize int
	NumKVCacheBlocks int

	AssembleParallelism int
	Framing             Framing
	ChunkStorePrecision StorePrecision

	EOS int
}

// ConfigOption is a functional option for Config
type ConfigOption func(*Config)

// NewConfig creates a new Config with default values and validates it
func NewConfig(opts ...ConfigOption) (*Config, error) {
	c := &Config{
		NumLayers:           4,
		NumHeads:            4,
		NumKVHeads:          2,
		HeadDim:             8,
		RecompRatio:         0.18,
		CheckLayer:          0,
		DriftMetric:         DriftValue,
		BiasAlignment:       8,
		KVCacheBlockSize:    16,
		NumKVCacheBlocks:    256,
		AssembleParallelism: 1,
		Framing:             Framing{BOS: []int{1}},
		ChunkStorePrecision: PrecisionF32,
		EOS:                 -1,
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.NumLayers <= 0 {
		return configErr("num_layers", "must be positive, got %d", c.NumLayers)
	}
	if c.NumHeads <= 0 || c.NumKVHeads <= 0 || c.HeadDim <= 0 {
		return configErr("heads", "heads=%d kv_heads=%d head_dim=%d must be positive", c.NumHeads, c.NumKVHeads, c.HeadDim)
	}
	if c.NumHeads%c.NumKVHeads != 0 {
		return configErr("num_kv_heads", "%d query heads not divisible by %d kv heads", c.NumHeads, c.NumKVHeads)
	}
	if err := validateRatio(c.RecompRatio); err != nil {
		return err
	}
	if c.CheckLayer < 0 || c.CheckLayer >= c.NumLayers {
		return configErr("check_layer", "%d outside [0, %d)", c.CheckLayer, c.NumLayers)
	}
	if c.DriftMetric < DriftValue || c.DriftMetric > DriftKeyValue {
		return configErr("drift_metric", "unknown metric %d", c.DriftMetric)
	}
	if c.BiasAlignment <= 0 {
		return configErr("bias_alignment", "must be positive, got %d", c.BiasAlignment)
	}
	if c.KVCacheBlockSize <= 0 {
		return configErr("kvcache_block_size", "must be positive, got %d", c.KVCacheBlockSize)
	}
	if c.NumKVCacheBlocks <= 0 {
		return configErr("num_kvcache_blocks", "must be positive, got %d", c.NumKVCacheBlocks)
	}
	if c.AssembleParallelism <= 0 {
		return configErr("assemble_parallelism", "must be positive, got %d", c.AssembleParallelism)
	}
	return nil
}

func validateRatio(ratio float64) error {
	if math.IsNaN(ratio) || ratio < 0 || ratio > 1 {
		return configErr("recomp_ratio", "%v outside [0, 1]", ratio)
	}
	return nil
}

// QueriesPerKV returns how many query heads share one KV head
func (c *Config) QueriesPerKV() int {
	return c.NumHeads / c.NumKVHeads
}

// KVDim returns num_kv_heads * head_dim
func (c *Config) KVDim() int {
	return c.NumKVHeads * c.HeadDim
}

// ConfigFromEnv overlays CACHEBLEND_* environment variables onto base
// and re-validates the result
func ConfigFromEnv(base Config) (*Config, error) {
	c := base
	if v := os.Getenv("CACHEBLEND_RECOMP_RATIO"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, configErr("CACHEBLEND_RECOMP_RATIO", "%v", err)
		}
		c.RecompRatio = f
	}
	if v := os.Getenv("CACHEBLEND_CHECK_LAYER"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, configErr("CACHEBLEND_CHECK_LAYER", "%v", err)
		}
		c.CheckLayer = n
	}
	if v := os.Getenv("CACHEBLEND_BLOCK_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, configErr("CACHEBLEND_BLOCK_SIZE", "%v", err)
		}
		c.KVCacheBlockSize = n
	}
	if v := os.Getenv("CACHEBLEND_PARALLELISM"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, configErr("CACHEBLEND_PARALLELISM", "%v", err)
		}
		c.AssembleParallelism = n
	}
	if v := os.Getenv("CACHEBLEND_DRIFT_METRIC"); v != "" {
		m, err := ParseDriftMetric(v)
		if err != nil {
			return nil, err
		}
		c.DriftMetric = m
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// WithGeometry sets the model layer and head geometry
func WithGeometry(numLayers, numHeads, numKVHeads, headDim int) ConfigOption {
	return func(c *Config) {
		c.NumLayers = numLayers
		c.NumHeads = numHeads
		c.NumKVHeads = numKVHeads
		c.HeadDim = headDim
	}
}

// WithRecompRatio sets the fraction of non-suffix tokens recomputed
func WithRecompRatio(r float64) ConfigOption {
	return func(c *Config) {
		c.RecompRatio = r
	}
}

// WithCheckLayer sets the layer that measures drift and selects tokens
func WithCheckLayer(n int) ConfigOption {
	return func(c *Config) {
		c.CheckLayer = n
	}
}

// WithDriftMetric sets the drift criterion
func WithDriftMetric(m DriftMetric) ConfigOption {
	return func(c *Config) {
		c.DriftMetric = m
	}
}

// WithBiasAlignment sets the padding multiple used while building the partial bias
func WithBiasAlignment(n int) ConfigOption {
	return func(c *Config) {
		c.BiasAlignment = n
	}
}

// WithKVCacheBlockSize sets the paged KV cache block size
func WithKVCacheBlockSize(n int) ConfigOption {
	return func(c *Config) {
		c.KVCacheBlockSize = n
	}
}

// WithNumKVCacheBlocks sets the number of paged KV cache blocks
func WithNumKVCacheBlocks(n int) ConfigOption {
	return func(c *Config) {
		c.NumKVCacheBlocks = n
	}
}

// WithAssembleParallelism sets how many standalone chunk passes run at once
func WithAssembleParallelism(n int) ConfigOption {
	return func(c *Config) {
		c.AssembleParallelism = n
	}
}

// WithFraming sets the chunk framing tokens
func WithFraming(f Framing) ConfigOption {
	return func(c *Config) {
		c.Framing = f
	}
}

// WithChunkStorePrecision sets the chunk store storage precision
func WithChunkStorePrecision(p StorePrecision) ConfigOption {
	return func(c *Config) {
		c.ChunkStorePrecision = p
	}
}

// WithEOS sets the EOS token ID
func WithEOS(id int) ConfigOption {
	return func(c *Config) {
		c.EOS = id
	}
}
