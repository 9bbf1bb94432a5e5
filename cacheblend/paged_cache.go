package cacheblend

import (
	"fmt"
	"sync"

	"cacheblend-go/purego/tensor"
)

// KVStore is the write/read surface of the paged KV cache manager
type KVStore interface {
	// Write persists key/value rows [n, num_kv_heads, head_dim] at slots
	Write(layer int, key, value *tensor.Tensor, slots []int) error

	// Read gathers rows at slots into [n, num_kv_heads, head_dim] tensors
	Read(layer int, slots []int) (*tensor.Tensor, *tensor.Tensor, error)
}

// PagedKVCache stores per-layer keys and values in physical slots.
// Slot s lives in block s / block_size; block assignment is owned by the
// BlockManager.
type PagedKVCache struct {
	mu         sync.RWMutex
	numKVHeads int
	headDim    int
	numSlots   int
	keys       []*tensor.Tensor // Per-layer [num_slots, num_kv_heads, head_dim]
	values     []*tensor.Tensor
}

// NewPagedKVCache allocates storage for numBlocks*blockSize slots per layer
func NewPagedKVCache(numLayers, numBlocks, blockSize, numKVHeads, headDim int) *PagedKVCache {
	numSlots := numBlocks * blockSize
	c := &PagedKVCache{
		numKVHeads: numKVHeads,
		headDim:    headDim,
		numSlots:   numSlots,
		keys:       make([]*tensor.Tensor, numLayers),
		values:     make([]*tensor.Tensor, numLayers),
	}
	for l := 0; l < numLayers; l++ {
		c.keys[l] = tensor.NewTensor(numSlots, numKVHeads, headDim)
		c.values[l] = tensor.NewTensor(numSlots, numKVHeads, headDim)
	}
	return c
}

// NewPagedKVCacheFromConfig sizes the cache from the blending config
func NewPagedKVCacheFromConfig(cfg *Config) *PagedKVCache {
	return NewPagedKVCache(cfg.NumLayers, cfg.NumKVCacheBlocks, cfg.KVCacheBlockSize, cfg.NumKVHeads, cfg.HeadDim)
}

// NumSlots returns the number of physical slots per layer
func (c *PagedKVCache) NumSlots() int {
	return c.numSlots
}

func (c *PagedKVCache) check(layer int, slots []int) error {
	if layer < 0 || layer >= len(c.keys) {
		return fmt.Errorf("layer %d outside [0, %d)", layer, len(c.keys))
	}
	for _, s := range slots {
		if s < 0 || s >= c.numSlots {
			return fmt.Errorf("slot %d outside [0, %d)", s, c.numSlots)
		}
	}
	return nil
}

// Write implements KVStore
func (c *PagedKVCache) Write(layer int, key, value *tensor.Tensor, slots []int) error {
	if err := c.check(layer, slots); err != nil {
		return err
	}
	rowSize := c.numKVHeads * c.headDim
	if key.Rows() != len(slots) || value.Rows() != len(slots) {
		return shapeErr(-1, layer, len(slots), key.Rows(), "kv cache write of %d key and %d value rows", key.Rows(), value.Rows())
	}
	if key.RowSize() != rowSize || value.RowSize() != rowSize {
		return shapeErr(-1, layer, rowSize, key.RowSize(), "kv cache row size")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[layer].ScatterRows(slots, key)
	c.values[layer].ScatterRows(slots, value)
	return nil
}

// Read implements KVStore
func (c *PagedKVCache) Read(layer int, slots []int) (*tensor.Tensor, *tensor.Tensor, error) {
	if err := c.check(layer, slots); err != nil {
		return nil, nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keys[layer].GatherRows(slots), c.values[layer].GatherRows(slots), nil
}

// Clear zeroes every slot of every layer
func (c *PagedKVCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for l := range c.keys {
		clear(c.keys[l].Data)
		clear(c.values[l].Data)
	}
}
