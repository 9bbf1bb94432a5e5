package tensor

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// AttendFunc computes attention for one layer.
//
// q is [n, num_heads*head_dim], k and v are [n, num_kv_heads*head_dim] for
// the n rows at the given true positions. It returns the attention output
// [m, num_heads*head_dim] and the positions of those m rows, which must be a
// subset of the input positions in the same order.
type AttendFunc func(layer int, q, k, v *Tensor, positions []int) (*Tensor, []int, error)

// TransformerBlock implements a single pre-norm transformer layer
type TransformerBlock struct {
	AttnNorm []float32
	WQ       *Tensor // [hidden, num_heads*head_dim]
	WK       *Tensor // [hidden, num_kv_heads*head_dim]
	WV       *Tensor // [hidden, num_kv_heads*head_dim]
	WO       *Tensor // [num_heads*head_dim, hidden]
	FFNNorm  []float32
	FFN      *FeedForward
}

// FeedForward implements the SwiGLU feed-forward network
type FeedForward struct {
	Gate *Tensor // [hidden, ffn_dim]
	Up   *Tensor // [hidden, ffn_dim]
	Down *Tensor // [ffn_dim, hidden]
}

// Forward applies the feed-forward network to [n, hidden]
func (ffn *FeedForward) Forward(x *Tensor) *Tensor {
	gate := SiLU(MatMul(x, ffn.Gate))
	up := MatMul(x, ffn.Up)
	for i := range gate.Data {
		gate.Data[i] *= up.Data[i]
	}
	return MatMul(gate, ffn.Down)
}

// Model is a deterministic, randomly initialized decoder-only transformer.
// It stands in for a real execution engine: it produces per-layer Q/K/V
// projections and delegates attention to the caller.
type Model struct {
	Config    *ModelConfig
	Embedding *Tensor // [vocab, hidden]
	Blocks    []*TransformerBlock
	FinalNorm []float32
	LMHead    *Tensor // [hidden, vocab]
}

// NewModel builds a model with weights drawn from the config seed
func NewModel(config *ModelConfig) (*Model, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewPCG(config.Seed, config.Seed^0x9e3779b97f4a7c15))
	qDim := config.NumHeads * config.HeadDim
	kvDim := config.KVDim()

	m := &Model{
		Config:    config,
		Embedding: randomTensor(rng, 1.0, config.VocabSize, config.Hidden),
		Blocks:    make([]*TransformerBlock, config.NumLayers),
		FinalNorm: ones(config.Hidden),
		LMHead:    randomTensor(rng, 1/math.Sqrt(float64(config.Hidden)), config.Hidden, config.VocabSize),
	}

	inScale := 1 / math.Sqrt(float64(config.Hidden))
	for l := range m.Blocks {
		m.Blocks[l] = &TransformerBlock{
			AttnNorm: ones(config.Hidden),
			WQ:       randomTensor(rng, inScale, config.Hidden, qDim),
			WK:       randomTensor(rng, inScale, config.Hidden, kvDim),
			WV:       randomTensor(rng, inScale, config.Hidden, kvDim),
			WO:       randomTensor(rng, 1/math.Sqrt(float64(qDim)), qDim, config.Hidden),
			FFNNorm:  ones(config.Hidden),
			FFN: &FeedForward{
				Gate: randomTensor(rng, inScale, config.Hidden, config.FFNDim),
				Up:   randomTensor(rng, inScale, config.Hidden, config.FFNDim),
				Down: randomTensor(rng, 1/math.Sqrt(float64(config.FFNDim)), config.FFNDim, config.Hidden),
			},
		}
	}

	return m, nil
}

// Forward runs tokens at their true positions through every layer.
// It returns the final hidden states of the rows that survived the last
// layer together with their positions.
func (m *Model) Forward(tokenIDs, positions []int, attend AttendFunc) (*Tensor, []int, error) {
	if len(tokenIDs) != len(positions) {
		return nil, nil, fmt.Errorf("got %d tokens but %d positions", len(tokenIDs), len(positions))
	}
	if len(tokenIDs) == 0 {
		return nil, nil, fmt.Errorf("no tokens to process")
	}

	x := m.embed(tokenIDs, positions)
	pos := positions

	for l, block := range m.Blocks {
		h := RMSNorm(x, block.AttnNorm, m.Config.Eps)
		q := MatMul(h, block.WQ)
		k := MatMul(h, block.WK)
		v := MatMul(h, block.WV)

		out, outPos, err := attend(l, q, k, v, pos)
		if err != nil {
			return nil, nil, fmt.Errorf("layer %d: %w", l, err)
		}

		if len(outPos) != len(pos) {
			rows, err := rowsOf(pos, outPos)
			if err != nil {
				return nil, nil, fmt.Errorf("layer %d: %w", l, err)
			}
			x = x.GatherRows(rows)
			pos = outPos
		}

		attnOut := MatMul(out.Reshape(len(pos), m.Config.NumHeads*m.Config.HeadDim), block.WO)
		x = Add(x, attnOut)
		x = Add(x, block.FFN.Forward(RMSNorm(x, block.FFNNorm, m.Config.Eps)))
	}

	return x, pos, nil
}

// Logits projects hidden states [n, hidden] to [n, vocab]
func (m *Model) Logits(hidden *Tensor) *Tensor {
	return MatMul(RMSNorm(hidden, m.FinalNorm, m.Config.Eps), m.LMHead)
}

func (m *Model) embed(tokenIDs, positions []int) *Tensor {
	hidden := m.Config.Hidden
	x := NewTensor(len(tokenIDs), hidden)
	for i, id := range tokenIDs {
		tok := ((id % m.Config.VocabSize) + m.Config.VocabSize) % m.Config.VocabSize
		row := x.Data[i*hidden : (i+1)*hidden]
		copy(row, m.Embedding.Row(tok))
		if m.Config.PositionScale == 0 {
			continue
		}
		for d := 0; d < hidden; d += 2 {
			freq := 1.0 / math.Pow(10000, float64(d)/float64(hidden))
			angle := float64(positions[i]) * freq
			row[d] += m.Config.PositionScale * float32(math.Sin(angle))
			if d+1 < hidden {
				row[d+1] += m.Config.PositionScale * float32(math.Cos(angle))
			}
		}
	}
	return x
}

// rowsOf maps each of sub's positions to its row in all
func rowsOf(all, sub []int) ([]int, error) {
	index := make(map[int]int, len(all))
	for i, p := range all {
		index[p] = i
	}
	rows := make([]int, len(sub))
	for i, p := range sub {
		r, ok := index[p]
		if !ok {
			return nil, fmt.Errorf("output position %d was not an input position", p)
		}
		rows[i] = r
	}
	return rows, nil
}

func randomTensor(rng *rand.Rand, scale float64, shape ...int) *Tensor {
	t := NewTensor(shape...)
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64() * scale)
	}
	return t
}

func ones(n int) []float32 {
	w := make([]float32, n)
	for i := range w {
		w[i] = 1
	}
	return w
}
