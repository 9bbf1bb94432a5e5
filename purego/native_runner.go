package purego

import (
	"context"
	"fmt"

	"cacheblend-go/cacheblend"
	"cacheblend-go/purego/tensor"
)

// NativeModelRunner implements cacheblend.Runner using the pure Go transformer
type NativeModelRunner struct {
	model       *tensor.Model
	kernel      tensor.DenseKernel
	initialized bool
}

// NewNativeModelRunner builds the reference transformer from config
func NewNativeModelRunner(config *tensor.ModelConfig) (*NativeModelRunner, error) {
	model, err := tensor.NewModel(config)
	if err != nil {
		return nil, fmt.Errorf("failed to build model: %w", err)
	}
	return &NativeModelRunner{model: model, initialized: true}, nil
}

// Model returns the underlying transformer
func (m *NativeModelRunner) Model() *tensor.Model {
	return m.model
}

// NumLayers implements cacheblend.Runner
func (m *NativeModelRunner) NumLayers() int {
	return m.model.Config.NumLayers
}

// Prefill implements cacheblend.Runner. It runs dense causal attention over
// tokenIDs alone and captures every layer's key and value rows.
func (m *NativeModelRunner) Prefill(ctx context.Context, tokenIDs []int) (*cacheblend.ChunkKV, error) {
	if !m.initialized {
		return nil, fmt.Errorf("model runner not initialized")
	}
	cfg := m.model.Config
	kv := &cacheblend.ChunkKV{
		Keys:   make([]*tensor.Tensor, cfg.NumLayers),
		Values: make([]*tensor.Tensor, cfg.NumLayers),
	}

	positions := make([]int, len(tokenIDs))
	for i := range positions {
		positions[i] = i
	}
	mask := tensor.CausalMask(positions, positions)

	attend := func(layer int, q, k, v *tensor.Tensor, pos []int) (*tensor.Tensor, []int, error) {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		n := len(pos)
		k3 := k.Reshape(n, cfg.NumKVHeads, cfg.HeadDim)
		v3 := v.Reshape(n, cfg.NumKVHeads, cfg.HeadDim)
		kv.Keys[layer] = k3.Clone()
		kv.Values[layer] = v3.Clone()
		out, err := m.kernel.Attention(q.Reshape(n, cfg.NumHeads, cfg.HeadDim), k3, v3, mask)
		if err != nil {
			return nil, nil, err
		}
		return out, pos, nil
	}

	if _, _, err := m.model.Forward(tokenIDs, positions, attend); err != nil {
		return nil, err
	}
	return kv, nil
}

// Forward implements cacheblend.Runner
func (m *NativeModelRunner) Forward(ctx context.Context, tokenIDs, positions []int, attend tensor.AttendFunc) (*tensor.Tensor, []int, error) {
	if !m.initialized {
		return nil, nil, fmt.Errorf("model runner not initialized")
	}
	checked := func(layer int, q, k, v *tensor.Tensor, pos []int) (*tensor.Tensor, []int, error) {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		return attend(layer, q, k, v, pos)
	}

	return m.model.Forward(tokenIDs, positions, checked)
}

// Logits implements cacheblend.Runner
func (m *NativeModelRunner) Logits(hidden *tensor.Tensor) *tensor.Tensor {
	return m.model.Logits(hidden)
}

// Close cleans up resources
func (m *NativeModelRunner) Close() error {
	m.initialized = false
	return nil
}

// GetVocabSize returns the vocabulary size
func (m *NativeModelRunner) GetVocabSize() int {
	return m.model.Config.VocabSize
}
