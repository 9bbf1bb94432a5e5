package cacheblend

import (
	"encoding/binary"
	"slices"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/x448/float16"

	"cacheblend-go/internal/metrics"
	"cacheblend-go/purego/tensor"
)

// ChunkKV holds per-layer key/value rows [n, num_kv_heads, head_dim] of one
// chunk's content tokens
type ChunkKV struct {
	Keys   []*tensor.Tensor
	Values []*tensor.Tensor
}

// Rows returns the number of token rows, or 0 if there are no layers
func (kv *ChunkKV) Rows() int {
	if len(kv.Keys) == 0 {
		return 0
	}
	return kv.Keys[0].Rows()
}

type storedKV struct {
	tokens []int
	shape  []int
	f32    [][2][]float32
	f16    [][2][]float16.Float16
}

// ChunkStore keeps precomputed chunk KV so a chunk reused by a later request
// skips its standalone pass. Entries are keyed by role and framed tokens and
// are copied on both Put and Get.
type ChunkStore struct {
	mu        sync.RWMutex
	precision StorePrecision
	entries   map[uint64]*storedKV
}

// NewChunkStore creates an empty store
func NewChunkStore(precision StorePrecision) *ChunkStore {
	return &ChunkStore{
		precision: precision,
		entries:   make(map[uint64]*storedKV),
	}
}

// ComputeHash hashes the role and framed token IDs
func ComputeHash(role Role, tokenIDs []int) uint64 {
	h := xxhash.New()
	buf := make([]byte, 4)

	binary.LittleEndian.PutUint32(buf, uint32(role))
	h.Write(buf)
	for _, tokenID := range tokenIDs {
		binary.LittleEndian.PutUint32(buf, uint32(tokenID))
		h.Write(buf)
	}

	return h.Sum64()
}

// Len returns the number of stored chunks
func (cs *ChunkStore) Len() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.entries)
}

// Get returns a copy of the stored KV for the chunk, if present
func (cs *ChunkStore) Get(role Role, framed []int) (*ChunkKV, bool) {
	cs.mu.RLock()
	e, ok := cs.entries[ComputeHash(role, framed)]
	cs.mu.RUnlock()

	// a hash hit must also match the tokens
	if !ok || !slices.Equal(e.tokens, framed) {
		metrics.RecordChunkStore(false)
		return nil, false
	}
	metrics.RecordChunkStore(true)

	numLayers := len(e.f32) + len(e.f16)
	kv := &ChunkKV{
		Keys:   make([]*tensor.Tensor, numLayers),
		Values: make([]*tensor.Tensor, numLayers),
	}
	for l := 0; l < numLayers; l++ {
		k := tensor.NewTensor(e.shape...)
		v := tensor.NewTensor(e.shape...)
		if e.f16 != nil {
			decodeF16(k.Data, e.f16[l][0])
			decodeF16(v.Data, e.f16[l][1])
		} else {
			copy(k.Data, e.f32[l][0])
			copy(v.Data, e.f32[l][1])
		}
		kv.Keys[l] = k
		kv.Values[l] = v
	}
	return kv, true
}

// Put stores a copy of kv for the chunk
func (cs *ChunkStore) Put(role Role, framed []int, kv *ChunkKV) {
	if len(kv.Keys) == 0 {
		return
	}
	e := &storedKV{
		tokens: slices.Clone(framed),
		shape:  slices.Clone(kv.Keys[0].Shape),
	}
	for l := range kv.Keys {
		if cs.precision == PrecisionF16 {
			e.f16 = append(e.f16, [2][]float16.Float16{encodeF16(kv.Keys[l].Data), encodeF16(kv.Values[l].Data)})
		} else {
			e.f32 = append(e.f32, [2][]float32{slices.Clone(kv.Keys[l].Data), slices.Clone(kv.Values[l].Data)})
		}
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.entries[ComputeHash(role, framed)] = e
}

// Clear drops every entry
func (cs *ChunkStore) Clear() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	clear(cs.entries)
}

func encodeF16(src []float32) []float16.Float16 {
	dst := make([]float16.Float16, len(src))
	for i, f := range src {
		dst[i] = float16.Fromfloat32(f)
	}
	return dst
}

func decodeF16(dst []float32, src []float16.Float16) {
	for i, h := range src {
		dst[i] = h.Float32()
	}
}
