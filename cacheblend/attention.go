package cacheblend

import (
	"fmt"
	"time"

	"cacheblend-go/internal/logger"
	"cacheblend-go/internal/metrics"
	"cacheblend-go/purego/tensor"
)

// Kernel is the dense attention kernel.
// Query is [num_q, num_heads, head_dim], key and value are
// [num_kv, num_kv_heads, head_dim] and bias is an additive [num_q, num_kv]
// or [num_kv_heads, queries_per_kv, num_q, num_kv] tensor.
type Kernel interface {
	Attention(query, key, value, bias *tensor.Tensor) (*tensor.Tensor, error)
}

// LayerInput holds the fresh projections of one layer. Query is
// [n, num_heads*head_dim], key and value are [n, num_kv_heads*head_dim]
// (3D per-head views are accepted too) for the rows at Positions.
type LayerInput struct {
	Query     *tensor.Tensor
	Key       *tensor.Tensor
	Value     *tensor.Tensor
	Positions []int
}

// LayerOutput is the attention output [m, num_heads, head_dim] for the rows
// at Positions. GenerationRows indexes the rows whose logits are generation
// targets; the other rows are intermediate recompute.
type LayerOutput struct {
	Data           *tensor.Tensor
	Positions      []int
	GenerationRows []int
}

// Core is the selective attention core. It holds no request state; every
// call takes the request's Session.
type Core struct {
	cfg    *Config
	cache  KVStore
	kernel Kernel
}

// NewCore creates a core writing through cache and attending with kernel
func NewCore(cfg *Config, cache KVStore, kernel Kernel) *Core {
	return &Core{cfg: cfg, cache: cache, kernel: kernel}
}

// Mode returns the behavior of layer for the session
func (c *Core) Mode(layer int, s *Session) Mode {
	switch {
	case !s.Blend || s.Phase == PhaseDecode:
		return ModeNormal
	case layer < c.cfg.CheckLayer:
		return ModeNormal
	case layer == c.cfg.CheckLayer:
		return ModeCheck
	default:
		return ModeBlend
	}
}

// Attend runs one layer. Layers of a request must be called in increasing
// order; each BLEND layer reads the baseline as left by the previous one.
func (c *Core) Attend(layer int, in LayerInput, s *Session) (*LayerOutput, error) {
	start := time.Now()
	mode := c.Mode(layer, s)

	var out *LayerOutput
	var err error
	switch mode {
	case ModeNormal:
		out, err = c.normal(layer, in, s)
	case ModeCheck:
		out, err = c.check(layer, in, s)
	case ModeBlend:
		out, err = c.blend(layer, in, s)
	default:
		err = fmt.Errorf("unknown mode %d", mode)
	}
	if err != nil {
		metrics.RecordError(errorKind(err))
		return nil, err
	}

	metrics.RecordLayer(mode.String(), time.Since(start))
	logger.Log.Debug("layer attended",
		"request", s.ID.String(),
		"layer", layer,
		"mode", mode.String(),
		"rows_in", len(in.Positions),
		"rows_out", len(out.Positions),
	)
	return out, nil
}

type layerViews struct {
	q, k, v *tensor.Tensor
}

// views validates the input and returns per-head views sharing its data
func (c *Core) views(layer int, in LayerInput) (layerViews, error) {
	n := len(in.Positions)
	if n == 0 {
		return layerViews{}, shapeErr(-1, layer, 1, 0, "no rows")
	}
	if in.Query == nil || in.Key == nil || in.Value == nil {
		return layerViews{}, shapeErr(-1, layer, n, 0, "missing projection")
	}
	qSize := n * c.cfg.NumHeads * c.cfg.HeadDim
	kvSize := n * c.cfg.KVDim()
	if in.Query.Size() != qSize {
		return layerViews{}, shapeErr(-1, layer, qSize, in.Query.Size(), "query size for %d rows", n)
	}
	if in.Key.Size() != kvSize || in.Value.Size() != kvSize {
		return layerViews{}, shapeErr(-1, layer, kvSize, in.Key.Size(), "key/value size for %d rows", n)
	}
	return layerViews{
		q: in.Query.Reshape(n, c.cfg.NumHeads, c.cfg.HeadDim),
		k: in.Key.Reshape(n, c.cfg.NumKVHeads, c.cfg.HeadDim),
		v: in.Value.Reshape(n, c.cfg.NumKVHeads, c.cfg.HeadDim),
	}, nil
}

func (c *Core) attention(layer int, q, k, v, bias *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := c.kernel.Attention(q, k, v, bias)
	if err != nil {
		return nil, &KernelError{Layer: layer, Err: err}
	}
	return out, nil
}

// normal writes the fresh rows to the paged cache and attends causally,
// against the in-batch rows for prefill or the cached history for decode
func (c *Core) normal(layer int, in LayerInput, s *Session) (*LayerOutput, error) {
	v, err := c.views(layer, in)
	if err != nil {
		return nil, err
	}
	slots, err := s.slotsFor(in.Positions)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Write(layer, v.k, v.v, slots); err != nil {
		return nil, fmt.Errorf("layer %d: %w", layer, err)
	}

	var out *tensor.Tensor
	if s.Phase == PhaseDecode {
		last := 0
		for _, p := range in.Positions {
			last = max(last, p)
		}
		history := make([]int, last+1)
		for i := range history {
			history[i] = i
		}
		histSlots, err := s.slotsFor(history)
		if err != nil {
			return nil, err
		}
		keys, values, err := c.cache.Read(layer, histSlots)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", layer, err)
		}
		out, err = c.attention(layer, v.q, keys, values, tensor.CausalMask(in.Positions, history))
		if err != nil {
			return nil, err
		}
	} else {
		out, err = c.attention(layer, v.q, v.k, v.v, tensor.CausalMask(in.Positions, in.Positions))
		if err != nil {
			return nil, err
		}
	}

	rows := make([]int, len(in.Positions))
	for i := range rows {
		rows[i] = i
	}
	return &LayerOutput{
		Data:           out,
		Positions:      append([]int(nil), in.Positions...),
		GenerationRows: rows,
	}, nil
}

// check measures drift against the baseline, selects the important
// positions and attends them against the spliced baseline
func (c *Core) check(layer int, in LayerInput, s *Session) (*LayerOutput, error) {
	if s.Baseline == nil {
		return nil, configErr("baseline", "blending enabled without a baseline cache")
	}
	total := s.OrgSeqLen
	if err := c.requireFullPrompt(layer, in.Positions, total); err != nil {
		return nil, err
	}
	v, err := c.views(layer, in)
	if err != nil {
		return nil, err
	}
	baseK, baseV, err := s.Baseline.Layer(layer)
	if err != nil {
		return nil, err
	}

	drift, err := c.drift(v, baseK, baseV)
	if err != nil {
		return nil, err
	}
	sel, err := SelectByDrift(drift, s.SuffixLen, s.RecompRatio)
	if err != nil {
		return nil, err
	}
	bias, err := BuildPartialBias(total, sel, c.cfg.NumKVHeads, c.cfg.QueriesPerKV(), c.cfg.BiasAlignment)
	if err != nil {
		return nil, err
	}
	s.setSelection(sel, bias)

	metrics.RecordSelection(sel.Len(), total)
	logger.Log.Info("importance selection",
		"request", s.ID.String(),
		"layer", layer,
		"metric", c.cfg.DriftMetric.String(),
		"selected", sel.Len(),
		"suffix", s.SuffixLen,
		"total", total,
	)

	rows := sel.positions
	return c.spliceAndAttend(layer, s, sel, v.q.GatherRows(rows), v.k.GatherRows(rows), v.v.GatherRows(rows))
}

// blend applies the stored selection to this layer's fresh rows
func (c *Core) blend(layer int, in LayerInput, s *Session) (*LayerOutput, error) {
	sel, ok := s.Selection()
	if !ok {
		return nil, fmt.Errorf("%w: blend layer %d before check layer %d", ErrMissingSelection, layer, c.cfg.CheckLayer)
	}
	v, err := c.views(layer, in)
	if err != nil {
		return nil, err
	}

	rows := sel.positions
	switch len(in.Positions) {
	case len(rows):
		for i, p := range in.Positions {
			if p != rows[i] {
				return nil, shapeErr(-1, layer, rows[i], p, "blend row %d is not the selected position", i)
			}
		}
		return c.spliceAndAttend(layer, s, sel, v.q, v.k, v.v)
	case s.OrgSeqLen:
		if err := c.requireFullPrompt(layer, in.Positions, s.OrgSeqLen); err != nil {
			return nil, err
		}
		return c.spliceAndAttend(layer, s, sel, v.q.GatherRows(rows), v.k.GatherRows(rows), v.v.GatherRows(rows))
	default:
		return nil, shapeErr(-1, layer, len(rows), len(in.Positions), "blend input rows")
	}
}

// spliceAndAttend overwrites the selected baseline rows with fresh k/v,
// attends the selected queries against the whole spliced baseline and
// writes the spliced layer back to the paged cache
func (c *Core) spliceAndAttend(layer int, s *Session, sel Selection, q, k, v *tensor.Tensor) (*LayerOutput, error) {
	rows := sel.positions
	baseK, baseV, err := s.workingLayer(layer)
	if err != nil {
		return nil, err
	}
	if err := s.working.Splice(layer, rows, k, v); err != nil {
		return nil, err
	}

	out, err := c.attention(layer, q, baseK, baseV, s.bias.Tensor())
	if err != nil {
		return nil, err
	}

	if err := c.cache.Write(layer, baseK, baseV, s.Slots[:s.OrgSeqLen]); err != nil {
		return nil, fmt.Errorf("layer %d: %w", layer, err)
	}

	return &LayerOutput{
		Data:           out,
		Positions:      sel.Positions(),
		GenerationRows: sel.GenerationRows(),
	}, nil
}

func (c *Core) drift(v layerViews, baseK, baseV *tensor.Tensor) ([]float64, error) {
	switch c.cfg.DriftMetric {
	case DriftKey:
		return RowDrift(v.k, baseK)
	case DriftKeyValue:
		dk, err := RowDrift(v.k, baseK)
		if err != nil {
			return nil, err
		}
		dv, err := RowDrift(v.v, baseV)
		if err != nil {
			return nil, err
		}
		for i := range dk {
			dk[i] += dv[i]
		}
		return dk, nil
	default:
		return RowDrift(v.v, baseV)
	}
}

func (c *Core) requireFullPrompt(layer int, positions []int, total int) error {
	if len(positions) != total {
		return shapeErr(-1, layer, total, len(positions), "layer needs every prompt position")
	}
	for i, p := range positions {
		if p != i {
			return shapeErr(-1, layer, i, p, "prompt positions out of order")
		}
	}
	return nil
}
