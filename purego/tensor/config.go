package tensor

import "fmt"

// ModelConfig describes the geometry of the reference transformer
type ModelConfig struct {
	VocabSize  int
	Hidden     int
	NumLayers  int
	NumHeads   int // Number of query heads
	NumKVHeads int // Number of KV heads (divides NumHeads)
	HeadDim    int
	FFNDim     int
	Eps        float32

	// Seed drives the deterministic weight initialization
	Seed uint64

	// PositionScale weights the sinusoidal absolute position signal added
	// to token embeddings. Zero disables it.
	PositionScale float32
}

// NewTinyConfig returns a small GQA configuration suitable for tests and demos
func NewTinyConfig() *ModelConfig {
	return &ModelConfig{
		VocabSize:     512,
		Hidden:        32,
		NumLayers:     4,
		NumHeads:      4,
		NumKVHeads:    2,
		HeadDim:       8,
		FFNDim:        64,
		Eps:           1e-5,
		Seed:          7,
		PositionScale: 0.5,
	}
}

// QueriesPerKV returns how many query heads share one KV head
func (c *ModelConfig) QueriesPerKV() int {
	return c.NumHeads / c.NumKVHeads
}

// KVDim returns num_kv_heads * head_dim
func (c *ModelConfig) KVDim() int {
	return c.NumKVHeads * c.HeadDim
}

// Validate checks the geometry is usable
func (c *ModelConfig) Validate() error {
	switch {
	case c.VocabSize <= 0:
		return fmt.Errorf("invalid vocab_size: %d", c.VocabSize)
	case c.Hidden <= 0:
		return fmt.Errorf("invalid hidden: %d", c.Hidden)
	case c.NumLayers <= 0:
		return fmt.Errorf("invalid num_layers: %d", c.NumLayers)
	case c.NumHeads <= 0 || c.NumKVHeads <= 0:
		return fmt.Errorf("invalid heads: %d/%d", c.NumHeads, c.NumKVHeads)
	case c.NumHeads%c.NumKVHeads != 0:
		return fmt.Errorf("num_heads %d not divisible by num_kv_heads %d", c.NumHeads, c.NumKVHeads)
	case c.HeadDim <= 0:
		return fmt.Errorf("invalid head_dim: %d", c.HeadDim)
	case c.FFNDim <= 0:
		return fmt.Errorf("invalid ffn_dim: %d", c.FFNDim)
	}
	return nil
}
