package cacheblend

import (
	"fmt"

	"cacheblend-go/purego/tensor"
)

// BaselineCache holds the per-layer keys and values assembled from
// independently processed chunks, indexed by final prompt position.
// It is owned by a single request and is spliced in place while blending.
type BaselineCache struct {
	Keys   []*tensor.Tensor // Per-layer [total, num_kv_heads, head_dim]
	Values []*tensor.Tensor
}

// NewBaselineCache allocates a zeroed baseline
func NewBaselineCache(numLayers, total, numKVHeads, headDim int) *BaselineCache {
	b := &BaselineCache{
		Keys:   make([]*tensor.Tensor, numLayers),
		Values: make([]*tensor.Tensor, numLayers),
	}
	for l := 0; l < numLayers; l++ {
		b.Keys[l] = tensor.NewTensor(total, numKVHeads, headDim)
		b.Values[l] = tensor.NewTensor(total, numKVHeads, headDim)
	}
	return b
}

// NumLayers returns the number of layers covered
func (b *BaselineCache) NumLayers() int {
	return len(b.Keys)
}

// Len returns total_tokens
func (b *BaselineCache) Len() int {
	if len(b.Keys) == 0 {
		return 0
	}
	return b.Keys[0].Rows()
}

// Layer returns the key and value tensors for a layer
func (b *BaselineCache) Layer(layer int) (*tensor.Tensor, *tensor.Tensor, error) {
	if layer < 0 || layer >= len(b.Keys) {
		return nil, nil, fmt.Errorf("baseline has no layer %d", layer)
	}
	return b.Keys[layer], b.Values[layer], nil
}

// Splice overwrites the rows at positions with fresh key/value rows
func (b *BaselineCache) Splice(layer int, positions []int, key, value *tensor.Tensor) error {
	k, v, err := b.Layer(layer)
	if err != nil {
		return err
	}
	if key.Rows() != len(positions) || value.Rows() != len(positions) {
		return shapeErr(-1, layer, len(positions), key.Rows(), "splice rows")
	}
	if key.RowSize() != k.RowSize() || value.RowSize() != v.RowSize() {
		return shapeErr(-1, layer, k.RowSize(), key.RowSize(), "splice row size")
	}
	for _, p := range positions {
		if p < 0 || p >= k.Rows() {
			return shapeErr(-1, layer, k.Rows(), p, "splice position out of range")
		}
	}
	k.ScatterRows(positions, key)
	v.ScatterRows(positions, value)
	return nil
}

// Clone returns a deep copy
func (b *BaselineCache) Clone() *BaselineCache {
	c := &BaselineCache{
		Keys:   make([]*tensor.Tensor, len(b.Keys)),
		Values: make([]*tensor.Tensor, len(b.Values)),
	}
	for l := range b.Keys {
		c.Keys[l] = b.Keys[l].Clone()
		c.Values[l] = b.Values[l].Clone()
	}
	return c
}
