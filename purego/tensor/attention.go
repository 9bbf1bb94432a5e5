package tensor

import (
	"errors"
	"fmt"
	"math"
)

// ErrShape is returned by the attention kernel for inconsistent operand shapes
var ErrShape = errors.New("attention: shape mismatch")

// DenseKernel is the reference scaled dot-product attention kernel.
//
// Query is [num_q, num_heads, head_dim], key and value are
// [num_kv, num_kv_heads, head_dim]. Bias is additive and may be nil,
// [num_q, num_kv] (shared by every head) or
// [num_kv_heads, queries_per_kv, num_q, num_kv].
//
// Grouped-query heads are mapped onto their KV head by index
// (head h reads kv head h / queries_per_kv) instead of repeating K and V.
type DenseKernel struct{}

// Attention computes softmax(QK^T/sqrt(d) + bias) V
func (DenseKernel) Attention(query, key, value, bias *Tensor) (*Tensor, error) {
	return Attention(query, key, value, bias)
}

// Attention is DenseKernel.Attention as a plain function
func Attention(query, key, value, bias *Tensor) (*Tensor, error) {
	if len(query.Shape) != 3 || len(key.Shape) != 3 || len(value.Shape) != 3 {
		return nil, fmt.Errorf("%w: want 3D q/k/v, got %v %v %v", ErrShape, query.Shape, key.Shape, value.Shape)
	}
	if !SameShape(key, value) {
		return nil, fmt.Errorf("%w: key %v vs value %v", ErrShape, key.Shape, value.Shape)
	}

	numQ, numHeads, headDim := query.Shape[0], query.Shape[1], query.Shape[2]
	numKV, numKVHeads := key.Shape[0], key.Shape[1]
	if key.Shape[2] != headDim {
		return nil, fmt.Errorf("%w: head dim %d vs %d", ErrShape, headDim, key.Shape[2])
	}
	if numKVHeads == 0 || numHeads%numKVHeads != 0 {
		return nil, fmt.Errorf("%w: %d query heads not divisible by %d kv heads", ErrShape, numHeads, numKVHeads)
	}
	queriesPerKV := numHeads / numKVHeads

	biasAt, err := biasAccessor(bias, numKVHeads, queriesPerKV, numQ, numKV)
	if err != nil {
		return nil, err
	}

	scale := float32(1.0 / math.Sqrt(float64(headDim)))
	result := NewTensor(numQ, numHeads, headDim)
	scores := make([]float32, numKV)

	for h := 0; h < numHeads; h++ {
		kvHead := h / queriesPerKV
		r := h % queriesPerKV
		for i := 0; i < numQ; i++ {
			q := query.Data[(i*numHeads+h)*headDim : (i*numHeads+h+1)*headDim]
			for j := 0; j < numKV; j++ {
				k := key.Data[(j*numKVHeads+kvHead)*headDim : (j*numKVHeads+kvHead+1)*headDim]
				sum := float32(0)
				for d := range q {
					sum += q[d] * k[d]
				}
				scores[j] = sum*scale + biasAt(kvHead, r, i, j)
			}

			SoftmaxInPlace(scores)

			out := result.Data[(i*numHeads+h)*headDim : (i*numHeads+h+1)*headDim]
			for j := 0; j < numKV; j++ {
				w := scores[j]
				if w == 0 {
					continue
				}
				v := value.Data[(j*numKVHeads+kvHead)*headDim : (j*numKVHeads+kvHead+1)*headDim]
				for d := range out {
					out[d] += w * v[d]
				}
			}
		}
	}

	return result, nil
}

func biasAccessor(bias *Tensor, kvHeads, queriesPerKV, numQ, numKV int) (func(kvHead, r, i, j int) float32, error) {
	if bias == nil {
		return func(int, int, int, int) float32 { return 0 }, nil
	}

	switch len(bias.Shape) {
	case 2:
		if bias.Shape[0] != numQ || bias.Shape[1] != numKV {
			return nil, fmt.Errorf("%w: bias %v, want [%d %d]", ErrShape, bias.Shape, numQ, numKV)
		}
		return func(_, _, i, j int) float32 {
			return bias.Data[i*numKV+j]
		}, nil
	case 4:
		want := []int{kvHeads, queriesPerKV, numQ, numKV}
		for d := range want {
			if bias.Shape[d] != want[d] {
				return nil, fmt.Errorf("%w: bias %v, want %v", ErrShape, bias.Shape, want)
			}
		}
		return func(kvHead, r, i, j int) float32 {
			return bias.Data[((kvHead*queriesPerKV+r)*numQ+i)*numKV+j]
		}, nil
	default:
		return nil, fmt.Errorf("%w: bias must be 2D or 4D, got %v", ErrShape, bias.Shape)
	}
}

// MaskValue is the additive bias for a masked score. It is finite so a row
// with every score masked still normalizes without producing NaN.
const MaskValue = -math.MaxFloat32

// CausalMask returns a [len(qPos), len(kPos)] bias where query i may attend
// to key j only if kPos[j] <= qPos[i]
func CausalMask(qPos, kPos []int) *Tensor {
	mask := NewTensor(len(qPos), len(kPos))
	for i, qp := range qPos {
		row := mask.Data[i*len(kPos) : (i+1)*len(kPos)]
		for j, kp := range kPos {
			if kp > qp {
				row[j] = MaskValue
			}
		}
	}
	return mask
}
