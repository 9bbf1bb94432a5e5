package tensor

import (
	"fmt"
	"math"
)

// Tensor represents a multi-dimensional array stored row-major
type Tensor struct {
	Data  []float32
	Shape []int
}

// NewTensor creates a new zero-filled tensor with given shape
func NewTensor(shape ...int) *Tensor {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{
		Data:  make([]float32, size),
		Shape: s,
	}
}

// FromData wraps data in a tensor of the given shape without copying
func FromData(data []float32, shape ...int) *Tensor {
	t := &Tensor{Data: data, Shape: append([]int(nil), shape...)}
	if t.Size() != len(data) {
		panic(fmt.Sprintf("data length %d does not match shape %v", len(data), shape))
	}
	return t
}

// Size returns total number of elements
func (t *Tensor) Size() int {
	size := 1
	for _, dim := range t.Shape {
		size *= dim
	}
	return size
}

// Rows returns the size of the first dimension
func (t *Tensor) Rows() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

// RowSize returns the number of elements in one slice along the first dimension
func (t *Tensor) RowSize() int {
	stride := 1
	for i := 1; i < len(t.Shape); i++ {
		stride *= t.Shape[i]
	}
	return stride
}

// Row returns the backing slice of row i
func (t *Tensor) Row(i int) []float32 {
	stride := t.RowSize()
	return t.Data[i*stride : (i+1)*stride]
}

// At returns element at given indices
func (t *Tensor) At(indices ...int) float32 {
	idx := t.flatIndex(indices)
	return t.Data[idx]
}

// Set sets element at given indices
func (t *Tensor) Set(val float32, indices ...int) {
	idx := t.flatIndex(indices)
	t.Data[idx] = val
}

func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.Shape) {
		panic(fmt.Sprintf("wrong number of indices: got %d, want %d", len(indices), len(t.Shape)))
	}
	idx := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		idx += indices[i] * stride
		stride *= t.Shape[i]
	}
	return idx
}

// Clone returns a deep copy
func (t *Tensor) Clone() *Tensor {
	result := NewTensor(t.Shape...)
	copy(result.Data, t.Data)
	return result
}

// SameShape reports whether both tensors have identical shapes
func SameShape(a, b *Tensor) bool {
	if len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}

// Reshape returns a new tensor with different shape (same data)
func (t *Tensor) Reshape(shape ...int) *Tensor {
	newSize := 1
	for _, dim := range shape {
		newSize *= dim
	}
	if newSize != t.Size() {
		panic(fmt.Sprintf("cannot reshape: size mismatch %d vs %d", newSize, t.Size()))
	}
	return &Tensor{
		Data:  t.Data,
		Shape: append([]int(nil), shape...),
	}
}

// Slice extracts a slice along first dimension (shares data)
func (t *Tensor) Slice(start, end int) *Tensor {
	if len(t.Shape) < 1 {
		panic("cannot slice scalar")
	}
	if start < 0 || end > t.Shape[0] || start > end {
		panic(fmt.Sprintf("slice [%d:%d] out of range for %d rows", start, end, t.Shape[0]))
	}

	stride := t.RowSize()

	newShape := make([]int, len(t.Shape))
	newShape[0] = end - start
	copy(newShape[1:], t.Shape[1:])

	return &Tensor{
		Data:  t.Data[start*stride : end*stride],
		Shape: newShape,
	}
}

// GatherRows copies the given rows, in order, into a new tensor
func (t *Tensor) GatherRows(rows []int) *Tensor {
	stride := t.RowSize()
	shape := append([]int(nil), t.Shape...)
	shape[0] = len(rows)
	result := NewTensor(shape...)
	for i, r := range rows {
		copy(result.Data[i*stride:(i+1)*stride], t.Data[r*stride:(r+1)*stride])
	}
	return result
}

// ScatterRows overwrites row rows[i] of t with row i of src
func (t *Tensor) ScatterRows(rows []int, src *Tensor) {
	stride := t.RowSize()
	if src.RowSize() != stride {
		panic(fmt.Sprintf("row size mismatch: %d vs %d", src.RowSize(), stride))
	}
	if src.Rows() != len(rows) {
		panic(fmt.Sprintf("scatter of %d rows from tensor with %d rows", len(rows), src.Rows()))
	}
	for i, r := range rows {
		copy(t.Data[r*stride:(r+1)*stride], src.Data[i*stride:(i+1)*stride])
	}
}

// ConcatRows concatenates tensors along the first dimension
func ConcatRows(parts ...*Tensor) *Tensor {
	if len(parts) == 0 {
		return nil
	}
	stride := parts[0].RowSize()
	total := 0
	for _, p := range parts {
		if p.RowSize() != stride {
			panic(fmt.Sprintf("row size mismatch: %d vs %d", p.RowSize(), stride))
		}
		total += p.Rows()
	}
	shape := append([]int(nil), parts[0].Shape...)
	shape[0] = total
	result := NewTensor(shape...)
	offset := 0
	for _, p := range parts {
		copy(result.Data[offset:], p.Data)
		offset += len(p.Data)
	}
	return result
}

// MatMul performs matrix multiplication: [m,k] x [k,n] -> [m,n]
func MatMul(a, b *Tensor) *Tensor {
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		panic("MatMul requires 2D tensors")
	}
	if a.Shape[1] != b.Shape[0] {
		panic(fmt.Sprintf("incompatible shapes: [%d,%d] x [%d,%d]", a.Shape[0], a.Shape[1], b.Shape[0], b.Shape[1]))
	}

	m, k, n := a.Shape[0], a.Shape[1], b.Shape[1]
	result := NewTensor(m, n)

	for i := 0; i < m; i++ {
		row := result.Data[i*n : (i+1)*n]
		for p := 0; p < k; p++ {
			av := a.Data[i*k+p]
			if av == 0 {
				continue
			}
			bRow := b.Data[p*n : (p+1)*n]
			for j := range row {
				row[j] += av * bRow[j]
			}
		}
	}

	return result
}

// Add performs element-wise addition
func Add(a, b *Tensor) *Tensor {
	if len(a.Data) != len(b.Data) {
		panic("tensors must have same size")
	}
	result := NewTensor(a.Shape...)
	for i := range a.Data {
		result.Data[i] = a.Data[i] + b.Data[i]
	}
	return result
}

// SoftmaxInPlace normalizes a row of logits
func SoftmaxInPlace(row []float32) {
	if len(row) == 0 {
		return
	}
	maxVal := row[0]
	for _, v := range row[1:] {
		if v > maxVal {
			maxVal = v
		}
	}

	sum := float32(0)
	for i, v := range row {
		e := float32(math.Exp(float64(v - maxVal)))
		row[i] = e
		sum += e
	}
	for i := range row {
		row[i] /= sum
	}
}

// SiLU activation function
func SiLU(t *Tensor) *Tensor {
	result := NewTensor(t.Shape...)
	for i, x := range t.Data {
		result.Data[i] = x / (1 + float32(math.Exp(float64(-x))))
	}
	return result
}

// RMSNorm normalizes every row over its last dimension and scales by weight
func RMSNorm(t *Tensor, weight []float32, eps float32) *Tensor {
	result := NewTensor(t.Shape...)
	hidden := t.Shape[len(t.Shape)-1]
	rows := len(t.Data) / hidden

	for i := 0; i < rows; i++ {
		offset := i * hidden
		ss := float32(0)
		for j := 0; j < hidden; j++ {
			v := t.Data[offset+j]
			ss += v * v
		}
		rms := float32(math.Sqrt(float64(ss/float32(hidden) + eps)))
		for j := 0; j < hidden; j++ {
			result.Data[offset+j] = t.Data[offset+j] / rms * weight[j]
		}
	}

	return result
}

// Argmax returns the index of the largest value, lowest index on ties
func Argmax(row []float32) int {
	best := 0
	for i := 1; i < len(row); i++ {
		if row[i] > row[best] {
			best = i
		}
	}
	return best
}
