package cacheblend

import (
	"cacheblend-go/purego/tensor"
)

// MaskValue is the additive bias of a masked score
const MaskValue = tensor.MaskValue

// PartialBias is the causal bias of the selected queries against every true
// key position.
//
// One [rows, padded] block is kept and shared by every (kv head, query in
// group) pair. Columns at or past SeqLen are padding and always masked.
type PartialBias struct {
	SeqLen       int
	Padded       int
	NumKVHeads   int
	QueriesPerKV int
	positions    []int
	block        []float32
	stripped     *tensor.Tensor
}

// BuildPartialBias builds the bias for sel over a sequence of seqLen true
// positions. Row i allows key k iff k <= sel.Positions()[i].
func BuildPartialBias(seqLen int, sel Selection, numKVHeads, queriesPerKV, align int) (*PartialBias, error) {
	if seqLen <= 0 {
		return nil, configErr("seq_len", "must be positive, got %d", seqLen)
	}
	if numKVHeads <= 0 || queriesPerKV <= 0 {
		return nil, configErr("heads", "kv_heads=%d queries_per_kv=%d must be positive", numKVHeads, queriesPerKV)
	}
	if align <= 0 {
		return nil, configErr("bias_alignment", "must be positive, got %d", align)
	}

	padded := (seqLen + align - 1) / align * align
	rows := sel.Len()
	block := make([]float32, rows*padded)

	for i, p := range sel.positions {
		if p < 0 || p >= seqLen {
			return nil, shapeErr(-1, -1, seqLen, p, "selected position outside sequence")
		}
		row := block[i*padded : (i+1)*padded]
		for k := p + 1; k < padded; k++ {
			row[k] = MaskValue
		}
	}

	return &PartialBias{
		SeqLen:       seqLen,
		Padded:       padded,
		NumKVHeads:   numKVHeads,
		QueriesPerKV: queriesPerKV,
		positions:    sel.Positions(),
		block:        block,
	}, nil
}

// Rows returns the number of selected query rows
func (b *PartialBias) Rows() int {
	return len(b.positions)
}

// At returns the bias for (kv head, query in group, selected row, key position).
// Every head reads the same block.
func (b *PartialBias) At(_, _, i, k int) float32 {
	return b.block[i*b.Padded+k]
}

// Tensor returns the [rows, seq_len] bias with padding stripped. The kernel
// broadcasts a 2D bias across heads. The result is built once and must not
// be modified.
func (b *PartialBias) Tensor() *tensor.Tensor {
	if b.stripped != nil {
		return b.stripped
	}
	out := tensor.NewTensor(b.Rows(), b.SeqLen)
	for i := 0; i < b.Rows(); i++ {
		copy(out.Data[i*b.SeqLen:(i+1)*b.SeqLen], b.block[i*b.Padded:i*b.Padded+b.SeqLen])
	}
	b.stripped = out
	return out
}

// Materialize4D returns the [kv_heads, queries_per_kv, rows, seq_len] bias
// with one copy per head, for kernels that cannot broadcast
func (b *PartialBias) Materialize4D() *tensor.Tensor {
	flat := b.Tensor()
	heads := b.NumKVHeads * b.QueriesPerKV
	out := tensor.NewTensor(b.NumKVHeads, b.QueriesPerKV, b.Rows(), b.SeqLen)
	for h := 0; h < heads; h++ {
		copy(out.Data[h*len(flat.Data):(h+1)*len(flat.Data)], flat.Data)
	}
	return out
}
