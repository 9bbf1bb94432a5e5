package cacheblend

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"

	"cacheblend-go/purego/tensor"
)

// fakeRunner encodes token, standalone position and layer into every
// key/value element so assembled rows can be traced back
type fakeRunner struct {
	cfg      *Config
	prefills atomic.Int64
	short    map[int]bool // first content token -> drop one output row
	fail     map[int]error

	projected [][]int // positions passed to each Logits call
}

func newFakeRunner(cfg *Config) *fakeRunner {
	return &fakeRunner{cfg: cfg, short: map[int]bool{}, fail: map[int]error{}}
}

func fakeKey(token, pos, layer int) float32 {
	return float32(token*1000 + pos*10 + layer)
}

func (r *fakeRunner) NumLayers() int { return r.cfg.NumLayers }

func (r *fakeRunner) Prefill(_ context.Context, tokenIDs []int) (*ChunkKV, error) {
	r.prefills.Add(1)
	last := tokenIDs[len(tokenIDs)-1]
	if err := r.fail[last]; err != nil {
		return nil, err
	}
	n := len(tokenIDs)
	if r.short[last] {
		n--
	}
	kv := &ChunkKV{
		Keys:   make([]*tensor.Tensor, r.cfg.NumLayers),
		Values: make([]*tensor.Tensor, r.cfg.NumLayers),
	}
	for l := range kv.Keys {
		k := tensor.NewTensor(n, r.cfg.KVDim())
		v := tensor.NewTensor(n, r.cfg.KVDim())
		for pos := 0; pos < n; pos++ {
			x := fakeKey(tokenIDs[pos], pos, l)
			for d := 0; d < r.cfg.KVDim(); d++ {
				k.Row(pos)[d] = x
				v.Row(pos)[d] = -x
			}
		}
		kv.Keys[l] = k
		kv.Values[l] = v
	}
	return kv, nil
}

// Forward feeds position-derived projections to attend and returns one
// hidden element per surviving row holding its position
func (r *fakeRunner) Forward(_ context.Context, tokenIDs, positions []int, attend tensor.AttendFunc) (*tensor.Tensor, []int, error) {
	pos := positions
	for l := 0; l < r.cfg.NumLayers; l++ {
		m := len(pos)
		q := tensor.NewTensor(m, r.cfg.NumHeads*r.cfg.HeadDim)
		k := tensor.NewTensor(m, r.cfg.KVDim())
		v := tensor.NewTensor(m, r.cfg.KVDim())
		for i, p := range pos {
			for d := range q.Row(i) {
				q.Row(i)[d] = float32(math.Sin(float64(p*7 + l + d)))
			}
			for d := range k.Row(i) {
				k.Row(i)[d] = float32(math.Cos(float64(p*3 + l + d)))
				v.Row(i)[d] = float32(math.Sin(float64(p*5 + l - d)))
			}
		}
		_, outPos, err := attend(l, q, k, v, pos)
		if err != nil {
			return nil, nil, err
		}
		pos = outPos
	}
	hidden := tensor.NewTensor(len(pos), 1)
	for i, p := range pos {
		hidden.Row(i)[0] = float32(p)
	}
	return hidden, append([]int(nil), pos...), nil
}

// Logits records the positions it projects and returns zero logits
func (r *fakeRunner) Logits(hidden *tensor.Tensor) *tensor.Tensor {
	rows := make([]int, hidden.Rows())
	for i := range rows {
		rows[i] = int(hidden.Row(i)[0])
	}
	r.projected = append(r.projected, rows)
	return tensor.NewTensor(hidden.Rows(), 4)
}

func (r *fakeRunner) Close() error { return nil }

func testChunks() []Chunk {
	return []Chunk{
		NewChunk(RolePrefixTemplate, []int{10, 11}),
		NewChunk(RoleDocument, []int{20, 21, 22}),
		NewChunk(RoleDocument, []int{30}),
		NewChunk(RoleQuerySuffix, []int{40, 41}),
	}
}

func assemblerConfig(t *testing.T, opts ...ConfigOption) *Config {
	return testConfig(t, append([]ConfigOption{WithFraming(Framing{BOS: []int{1}, ChunkLead: []int{7}})}, opts...)...)
}

func TestAssembleOffsets(t *testing.T) {
	cfg := assemblerConfig(t)
	asm, err := NewAssembler(cfg, newFakeRunner(cfg), nil).Assemble(context.Background(), testChunks())
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	if diff := cmp.Diff([]int{1, 10, 11, 20, 21, 22, 30, 40, 41}, asm.TokenIDs); diff != "" {
		t.Errorf("tokens mismatch (-want +got):\n%s", diff)
	}
	wantSpans := []Span{
		{RolePrefixTemplate, 0, 3},
		{RoleDocument, 3, 6},
		{RoleDocument, 6, 7},
		{RoleQuerySuffix, 7, 9},
	}
	if diff := cmp.Diff(wantSpans, asm.Spans); diff != "" {
		t.Errorf("spans mismatch (-want +got):\n%s", diff)
	}
	if asm.SuffixLen != 2 {
		t.Errorf("Expected suffix length 2, got %d", asm.SuffixLen)
	}

	// each row keeps the position it had in its own framed pass
	standalone := []int{0, 1, 2, 2, 3, 4, 2, 2, 3}
	for l := 0; l < cfg.NumLayers; l++ {
		k, v, err := asm.Baseline.Layer(l)
		if err != nil {
			t.Fatalf("Layer %d failed: %v", l, err)
		}
		if diff := cmp.Diff([]int{9, cfg.NumKVHeads, cfg.HeadDim}, k.Shape); diff != "" {
			t.Errorf("baseline shape mismatch (-want +got):\n%s", diff)
		}
		for p, tok := range asm.TokenIDs {
			want := fakeKey(tok, standalone[p], l)
			if k.Row(p)[0] != want || v.Row(p)[0] != -want {
				t.Errorf("layer %d position %d: expected %v, got %v/%v", l, p, want, k.Row(p)[0], v.Row(p)[0])
			}
		}
	}
}

func TestAssembleShapeMismatch(t *testing.T) {
	cfg := assemblerConfig(t)
	runner := newFakeRunner(cfg)
	runner.short[30] = true

	_, err := NewAssembler(cfg, runner, nil).Assemble(context.Background(), testChunks())
	if !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("Expected ErrShapeMismatch, got %v", err)
	}
	var sm *ShapeMismatchError
	if !errors.As(err, &sm) || sm.Chunk != 2 {
		t.Errorf("Expected mismatch on chunk 2, got %v", err)
	}
}

func TestAssembleEmptyChunk(t *testing.T) {
	cfg := assemblerConfig(t)
	chunks := testChunks()
	chunks[1] = NewChunk(RoleDocument, nil)

	_, err := NewAssembler(cfg, newFakeRunner(cfg), nil).Assemble(context.Background(), chunks)
	var sm *ShapeMismatchError
	if !errors.As(err, &sm) || sm.Chunk != 1 {
		t.Errorf("Expected mismatch on chunk 1, got %v", err)
	}
}

func TestAssembleRunnerError(t *testing.T) {
	cfg := assemblerConfig(t)
	runner := newFakeRunner(cfg)
	boom := errors.New("engine down")
	runner.fail[41] = boom

	_, err := NewAssembler(cfg, runner, nil).Assemble(context.Background(), testChunks())
	if !errors.Is(err, boom) {
		t.Errorf("Expected runner error, got %v", err)
	}
}

func TestAssembleChunkOrder(t *testing.T) {
	cfg := assemblerConfig(t)
	doc := NewChunk(RoleDocument, []int{2})
	tmpl := NewChunk(RolePrefixTemplate, []int{3})
	query := NewChunk(RoleQuerySuffix, []int{4})

	tests := []struct {
		name   string
		chunks []Chunk
	}{
		{"no chunks", nil},
		{"query not last", []Chunk{query, doc}},
		{"two queries", []Chunk{query, query}},
		{"template after document", []Chunk{doc, tmpl, query}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAssembler(cfg, newFakeRunner(cfg), nil).Assemble(context.Background(), tt.chunks)
			if !errors.Is(err, ErrFatalConfig) {
				t.Errorf("Expected ErrFatalConfig, got %v", err)
			}
		})
	}

	if _, err := NewAssembler(cfg, newFakeRunner(cfg), nil).Assemble(context.Background(), []Chunk{query}); err != nil {
		t.Errorf("Expected a lone query to assemble, got %v", err)
	}
}

func TestAssembleParallelMatchesSequential(t *testing.T) {
	seqCfg := assemblerConfig(t)
	parCfg := assemblerConfig(t, WithAssembleParallelism(4))

	want, err := NewAssembler(seqCfg, newFakeRunner(seqCfg), nil).Assemble(context.Background(), testChunks())
	if err != nil {
		t.Fatalf("sequential Assemble failed: %v", err)
	}
	got, err := NewAssembler(parCfg, newFakeRunner(parCfg), nil).Assemble(context.Background(), testChunks())
	if err != nil {
		t.Fatalf("parallel Assemble failed: %v", err)
	}

	if diff := cmp.Diff(want.TokenIDs, got.TokenIDs); diff != "" {
		t.Errorf("tokens mismatch (-sequential +parallel):\n%s", diff)
	}
	for l := range want.Baseline.Keys {
		if diff := cmp.Diff(want.Baseline.Keys[l].Data, got.Baseline.Keys[l].Data); diff != "" {
			t.Errorf("layer %d keys mismatch (-sequential +parallel):\n%s", l, diff)
		}
	}
}

func TestAssembleReusesChunkStore(t *testing.T) {
	cfg := assemblerConfig(t)
	runner := newFakeRunner(cfg)
	store := NewChunkStore(PrecisionF32)
	a := NewAssembler(cfg, runner, store)

	first, err := a.Assemble(context.Background(), testChunks())
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if runner.prefills.Load() != 4 || store.Len() != 4 {
		t.Fatalf("Expected 4 passes and 4 stored chunks, got %d and %d", runner.prefills.Load(), store.Len())
	}

	// splicing the first baseline must not leak into the store
	first.Baseline.Keys[0].Data[0] = 12345

	// documents swapped: no new passes
	chunks := testChunks()
	chunks[1], chunks[2] = chunks[2], chunks[1]
	second, err := a.Assemble(context.Background(), chunks)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if runner.prefills.Load() != 4 {
		t.Errorf("Expected no new passes, got %d total", runner.prefills.Load())
	}
	if diff := cmp.Diff([]int{1, 10, 11, 30, 20, 21, 22, 40, 41}, second.TokenIDs); diff != "" {
		t.Errorf("tokens mismatch (-want +got):\n%s", diff)
	}
	if second.Baseline.Keys[0].Data[0] == 12345 {
		t.Errorf("Expected stored KV isolated from earlier baselines")
	}
}
