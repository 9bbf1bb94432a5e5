package cacheblend

import (
	"context"

	"cacheblend-go/purego/tensor"
)

// Runner is the transformer execution engine.
// This can be implemented using various backends:
// - the pure Go transformer in purego
// - CGo bindings to an inference runtime
// - RPC calls to an inference server
type Runner interface {
	// NumLayers returns the number of transformer layers
	NumLayers() int

	// Prefill runs tokenIDs alone with causal attention within them and
	// returns every layer's key/value rows, one row per token
	Prefill(ctx context.Context, tokenIDs []int) (*ChunkKV, error)

	// Forward runs tokenIDs at their true positions, delegating each layer's
	// attention to attend. It returns hidden states [m, hidden] for the rows
	// that survived the last layer and their positions.
	Forward(ctx context.Context, tokenIDs, positions []int, attend tensor.AttendFunc) (*tensor.Tensor, []int, error)

	// Logits projects hidden states [m, hidden] to [m, vocab]
	Logits(hidden *tensor.Tensor) *tensor.Tensor

	// Close cleans up resources
	Close() error
}
