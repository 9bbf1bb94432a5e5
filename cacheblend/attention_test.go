package cacheblend

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"

	"cacheblend-go/purego/tensor"
)

func testConfig(t *testing.T, opts ...ConfigOption) *Config {
	t.Helper()
	base := []ConfigOption{
		WithGeometry(3, 4, 2, 2),
		WithKVCacheBlockSize(4),
		WithNumKVCacheBlocks(16),
	}
	cfg, err := NewConfig(append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewConfig failed: %v", err)
	}
	return cfg
}

func randTensor(rng *rand.Rand, shape ...int) *tensor.Tensor {
	t := tensor.NewTensor(shape...)
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64())
	}
	return t
}

func seqPositions(n int) []int {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return p
}

func freshInput(rng *rand.Rand, cfg *Config, positions []int) LayerInput {
	n := len(positions)
	return LayerInput{
		Query:     randTensor(rng, n, cfg.NumHeads*cfg.HeadDim),
		Key:       randTensor(rng, n, cfg.KVDim()),
		Value:     randTensor(rng, n, cfg.KVDim()),
		Positions: positions,
	}
}

func gatherInput(in LayerInput, rows []int) LayerInput {
	return LayerInput{
		Query:     in.Query.GatherRows(rows),
		Key:       in.Key.GatherRows(rows),
		Value:     in.Value.GatherRows(rows),
		Positions: append([]int(nil), rows...),
	}
}

func randomBaseline(rng *rand.Rand, cfg *Config, total int) *BaselineCache {
	b := NewBaselineCache(cfg.NumLayers, total, cfg.NumKVHeads, cfg.HeadDim)
	for l := range b.Keys {
		b.Keys[l] = randTensor(rng, total, cfg.NumKVHeads, cfg.HeadDim)
		b.Values[l] = randTensor(rng, total, cfg.NumKVHeads, cfg.HeadDim)
	}
	return b
}

// blendFixture wires a core over a fresh paged cache with slot i for position i
type blendFixture struct {
	cfg      *Config
	cache    *PagedKVCache
	core     *Core
	session  *Session
	original *BaselineCache
}

func newBlendFixture(t *testing.T, rng *rand.Rand, total, suffix int, opts ...ConfigOption) *blendFixture {
	t.Helper()
	cfg := testConfig(t, opts...)
	cache := NewPagedKVCacheFromConfig(cfg)
	baseline := randomBaseline(rng, cfg, total)
	s, err := NewSession(cfg, baseline, suffix, seqPositions(total))
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	return &blendFixture{
		cfg:      cfg,
		cache:    cache,
		core:     NewCore(cfg, cache, tensor.DenseKernel{}),
		session:  s,
		original: baseline.Clone(),
	}
}

// checkInput returns fresh projections whose value rows match the baseline
// except at drifted, which move far away
func (f *blendFixture) checkInput(rng *rand.Rand, layer int, drifted []int) LayerInput {
	total := f.session.OrgSeqLen
	in := freshInput(rng, f.cfg, seqPositions(total))
	copy(in.Value.Data, f.original.Values[layer].Data)
	for _, p := range drifted {
		row := in.Value.Row(p)
		for d := range row {
			row[d] += 10 + float32(p)
		}
	}
	return in
}

func TestModeStateMachine(t *testing.T) {
	cfg := testConfig(t, WithGeometry(4, 4, 2, 2), WithCheckLayer(1))
	core := NewCore(cfg, NewPagedKVCacheFromConfig(cfg), tensor.DenseKernel{})
	rng := rand.New(rand.NewPCG(1, 2))

	blend, err := NewSession(cfg, randomBaseline(rng, cfg, 6), 2, seqPositions(6))
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	full, err := NewSession(cfg, nil, 2, seqPositions(6))
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}

	want := []Mode{ModeNormal, ModeCheck, ModeBlend, ModeBlend}
	for l, m := range want {
		if got := core.Mode(l, blend); got != m {
			t.Errorf("layer %d: expected %v, got %v", l, m, got)
		}
		if got := core.Mode(l, full); got != ModeNormal {
			t.Errorf("layer %d without blending: expected normal, got %v", l, got)
		}
	}

	blend.BeginDecode(6)
	for l := range want {
		if got := core.Mode(l, blend); got != ModeNormal {
			t.Errorf("decode layer %d: expected normal, got %v", l, got)
		}
	}
}

func TestBlendWithoutCheckMissingSelection(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	f := newBlendFixture(t, rng, 10, 2)

	_, err := f.core.Attend(1, freshInput(rng, f.cfg, seqPositions(10)), f.session)
	if !errors.Is(err, ErrMissingSelection) {
		t.Errorf("Expected ErrMissingSelection, got %v", err)
	}
}

func TestCheckSelectsDriftedAndSplices(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	total, suffix := 12, 3
	f := newBlendFixture(t, rng, total, suffix, WithRecompRatio(0.34))

	in := f.checkInput(rng, 0, []int{2, 5, 6, 8})
	out, err := f.core.Attend(0, in, f.session)
	if err != nil {
		t.Fatalf("check layer failed: %v", err)
	}

	// ceil(9 * 0.34) = 4 drifted rows plus 3 suffix rows
	wantPos := []int{2, 5, 6, 8, 9, 10, 11}
	if diff := cmp.Diff(wantPos, out.Positions); diff != "" {
		t.Errorf("positions mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{4, 5, 6}, out.GenerationRows); diff != "" {
		t.Errorf("generation rows mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{7, 4, 2}, out.Data.Shape); diff != "" {
		t.Errorf("output shape mismatch (-want +got):\n%s", diff)
	}

	sel, ok := f.session.Selection()
	if !ok {
		t.Fatalf("Expected selection stored in session")
	}
	if diff := cmp.Diff(wantPos, sel.Positions()); diff != "" {
		t.Errorf("session selection mismatch (-want +got):\n%s", diff)
	}
	if f.session.Bias() == nil || f.session.Bias().Rows() != 7 {
		t.Errorf("Expected partial bias with 7 rows")
	}

	assertLayerSpliced(t, f, 0, in, sel)
}

// assertLayerSpliced checks the paged cache holds fresh rows at selected
// positions and the original baseline rows everywhere else
func assertLayerSpliced(t *testing.T, f *blendFixture, layer int, fullIn LayerInput, sel Selection) {
	t.Helper()
	total := f.session.OrgSeqLen
	keys, values, err := f.cache.Read(layer, f.session.Slots[:total])
	if err != nil {
		t.Fatalf("cache read failed: %v", err)
	}
	for p := 0; p < total; p++ {
		wantK, wantV := f.original.Keys[layer].Row(p), f.original.Values[layer].Row(p)
		if sel.Contains(p) {
			wantK, wantV = fullIn.Key.Row(p), fullIn.Value.Row(p)
		}
		if diff := cmp.Diff(wantK, keys.Row(p)); diff != "" {
			t.Errorf("layer %d position %d key mismatch (-want +got):\n%s", layer, p, diff)
		}
		if diff := cmp.Diff(wantV, values.Row(p)); diff != "" {
			t.Errorf("layer %d position %d value mismatch (-want +got):\n%s", layer, p, diff)
		}
	}
}

func TestBlendCacheConsistency(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 8))
	total, suffix := 16, 4
	f := newBlendFixture(t, rng, total, suffix, WithRecompRatio(0.25))

	if _, err := f.core.Attend(0, f.checkInput(rng, 0, []int{0, 7, 11}), f.session); err != nil {
		t.Fatalf("check layer failed: %v", err)
	}
	sel, _ := f.session.Selection()
	rows := sel.Positions()

	for layer := 1; layer < f.cfg.NumLayers; layer++ {
		full := freshInput(rng, f.cfg, seqPositions(total))
		out, err := f.core.Attend(layer, gatherInput(full, rows), f.session)
		if err != nil {
			t.Fatalf("blend layer %d failed: %v", layer, err)
		}
		if diff := cmp.Diff(rows, out.Positions); diff != "" {
			t.Errorf("layer %d positions mismatch (-want +got):\n%s", layer, diff)
		}
		assertLayerSpliced(t, f, layer, full, sel)
	}
}

func TestBlendAcceptsFullRows(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 10))
	total, suffix := 10, 2
	a := newBlendFixture(t, rng, total, suffix, WithRecompRatio(0.5))
	b := &blendFixture{cfg: a.cfg, cache: NewPagedKVCacheFromConfig(a.cfg), original: a.original}
	b.core = NewCore(b.cfg, b.cache, tensor.DenseKernel{})
	var err error
	b.session, err = NewSession(b.cfg, a.original.Clone(), suffix, seqPositions(total))
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}

	check := a.checkInput(rng, 0, []int{1, 3})
	if _, err := a.core.Attend(0, check, a.session); err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if _, err := b.core.Attend(0, check, b.session); err != nil {
		t.Fatalf("check failed: %v", err)
	}

	sel, _ := a.session.Selection()
	full := freshInput(rng, a.cfg, seqPositions(total))
	outA, err := a.core.Attend(1, gatherInput(full, sel.Positions()), a.session)
	if err != nil {
		t.Fatalf("blend with selected rows failed: %v", err)
	}
	outB, err := b.core.Attend(1, full, b.session)
	if err != nil {
		t.Fatalf("blend with full rows failed: %v", err)
	}
	if diff := cmp.Diff(outA.Data.Data, outB.Data.Data); diff != "" {
		t.Errorf("Expected identical outputs (-selected +full):\n%s", diff)
	}
}

func TestBlendRejectsUnselectedPositions(t *testing.T) {
	rng := rand.New(rand.NewPCG(11, 12))
	f := newBlendFixture(t, rng, 10, 2, WithRecompRatio(0.25))
	if _, err := f.core.Attend(0, f.checkInput(rng, 0, []int{4, 5}), f.session); err != nil {
		t.Fatalf("check failed: %v", err)
	}
	sel, _ := f.session.Selection()

	wrong := make([]int, sel.Len())
	copy(wrong, sel.Positions())
	wrong[0] = 0 // not selected
	in := freshInput(rng, f.cfg, wrong)

	_, err := f.core.Attend(1, in, f.session)
	if !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch, got %v", err)
	}

	_, err = f.core.Attend(1, freshInput(rng, f.cfg, seqPositions(7)), f.session)
	if !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch for row count, got %v", err)
	}
}

func TestCheckFailsFastOnBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		ratio  float64
		suffix int
	}{
		{"ratio above one", 1.5, 2},
		{"negative ratio", -0.5, 2},
		{"suffix covers prompt", 0.5, 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rng := rand.New(rand.NewPCG(13, 14))
			f := newBlendFixture(t, rng, 8, tt.suffix)
			f.session.RecompRatio = tt.ratio

			_, err := f.core.Attend(0, freshInput(rng, f.cfg, seqPositions(8)), f.session)
			if !errors.Is(err, ErrFatalConfig) {
				t.Fatalf("Expected ErrFatalConfig, got %v", err)
			}
			if _, ok := f.session.Selection(); ok {
				t.Errorf("Expected no selection after a failed check")
			}
			keys, _, _ := f.cache.Read(0, seqPositions(8))
			for _, x := range keys.Data {
				if x != 0 {
					t.Fatalf("Expected paged cache untouched")
				}
			}
		})
	}
}

func TestCheckRequiresFullPrompt(t *testing.T) {
	rng := rand.New(rand.NewPCG(15, 16))
	f := newBlendFixture(t, rng, 8, 2)

	_, err := f.core.Attend(0, freshInput(rng, f.cfg, []int{0, 1, 2}), f.session)
	if !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch, got %v", err)
	}
}

func TestCheckRatioOneMatchesNormal(t *testing.T) {
	rng := rand.New(rand.NewPCG(17, 18))
	total := 9
	f := newBlendFixture(t, rng, total, 3, WithRecompRatio(1))
	in := freshInput(rng, f.cfg, seqPositions(total))

	blended, err := f.core.Attend(0, in, f.session)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}

	full, err := NewSession(f.cfg, nil, 3, seqPositions(total))
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	normal, err := f.core.Attend(0, in, full)
	if err != nil {
		t.Fatalf("normal failed: %v", err)
	}

	if diff := cmp.Diff(normal.Positions, blended.Positions); diff != "" {
		t.Errorf("positions mismatch (-normal +blended):\n%s", diff)
	}
	if diff := cmp.Diff(normal.Data.Data, blended.Data.Data); diff != "" {
		t.Errorf("ratio 1 should equal full recomputation (-normal +blended):\n%s", diff)
	}
}

func TestKeyDriftMetric(t *testing.T) {
	rng := rand.New(rand.NewPCG(19, 20))
	total := 10
	f := newBlendFixture(t, rng, total, 2, WithRecompRatio(0.25), WithDriftMetric(DriftKey))

	in := freshInput(rng, f.cfg, seqPositions(total))
	copy(in.Key.Data, f.original.Keys[0].Data)
	for _, p := range []int{3, 6} {
		row := in.Key.Row(p)
		for d := range row {
			row[d] += 50
		}
	}

	out, err := f.core.Attend(0, in, f.session)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if diff := cmp.Diff([]int{3, 6, 8, 9}, out.Positions); diff != "" {
		t.Errorf("positions mismatch (-want +got):\n%s", diff)
	}
}

func TestNormalDecodeMatchesPrefillRow(t *testing.T) {
	rng := rand.New(rand.NewPCG(21, 22))
	cfg := testConfig(t)
	cache := NewPagedKVCacheFromConfig(cfg)
	core := NewCore(cfg, cache, tensor.DenseKernel{})

	// slots deliberately not equal to positions
	slots := []int{12, 13, 14, 15, 4, 5}
	full := freshInput(rng, cfg, seqPositions(6))

	reference, err := NewSession(cfg, nil, 1, slots)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	want, err := core.Attend(0, full, reference)
	if err != nil {
		t.Fatalf("prefill failed: %v", err)
	}

	s, err := NewSession(cfg, nil, 1, slots[:5])
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	if _, err := core.Attend(0, gatherInput(full, seqPositions(5)), s); err != nil {
		t.Fatalf("prefill failed: %v", err)
	}
	s.BeginDecode(slots[5])
	got, err := core.Attend(0, gatherInput(full, []int{5}), s)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	lastRow := want.Data.Slice(5, 6)
	if diff := cmp.Diff(lastRow.Data, got.Data.Data); diff != "" {
		t.Errorf("decode should match prefill's last row (-prefill +decode):\n%s", diff)
	}
}

type failingKernel struct{ err error }

func (k failingKernel) Attention(_, _, _, _ *tensor.Tensor) (*tensor.Tensor, error) {
	return nil, k.err
}

func TestKernelErrorPropagated(t *testing.T) {
	rng := rand.New(rand.NewPCG(23, 24))
	cfg := testConfig(t)
	boom := errors.New("boom")
	core := NewCore(cfg, NewPagedKVCacheFromConfig(cfg), failingKernel{err: boom})

	s, _ := NewSession(cfg, nil, 1, seqPositions(4))
	_, err := core.Attend(2, freshInput(rng, cfg, seqPositions(4)), s)

	if !errors.Is(err, ErrKernel) || !errors.Is(err, boom) {
		t.Fatalf("Expected kernel error wrapping boom, got %v", err)
	}
	var ke *KernelError
	if !errors.As(err, &ke) || ke.Layer != 2 {
		t.Errorf("Expected KernelError at layer 2, got %v", err)
	}
}

func TestAttendRejectsBadProjections(t *testing.T) {
	rng := rand.New(rand.NewPCG(25, 26))
	cfg := testConfig(t)
	core := NewCore(cfg, NewPagedKVCacheFromConfig(cfg), tensor.DenseKernel{})
	s, _ := NewSession(cfg, nil, 1, seqPositions(4))

	in := freshInput(rng, cfg, seqPositions(4))
	in.Key = randTensor(rng, 3, cfg.KVDim())
	if _, err := core.Attend(0, in, s); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch, got %v", err)
	}
}

func TestSessionReset(t *testing.T) {
	rng := rand.New(rand.NewPCG(27, 28))
	f := newBlendFixture(t, rng, 8, 2)
	if _, err := f.core.Attend(0, f.checkInput(rng, 0, []int{1}), f.session); err != nil {
		t.Fatalf("check failed: %v", err)
	}
	f.session.BeginDecode(8)

	f.session.Reset()
	if _, ok := f.session.Selection(); ok {
		t.Errorf("Expected selection cleared")
	}
	if f.session.Phase != PhasePrefill || len(f.session.Slots) != 8 {
		t.Errorf("Expected prefill phase with 8 slots, got %v with %d", f.session.Phase, len(f.session.Slots))
	}
}

func TestCheckAfterResetIsIdempotent(t *testing.T) {
	rng := rand.New(rand.NewPCG(29, 30))
	total, suffix := 12, 3
	f := newBlendFixture(t, rng, total, suffix, WithRecompRatio(0.34))
	in := f.checkInput(rng, 0, []int{2, 5, 6, 8})

	readLayer := func(cache *PagedKVCache) ([]float32, []float32) {
		t.Helper()
		k, v, err := cache.Read(0, seqPositions(total))
		if err != nil {
			t.Fatalf("cache read failed: %v", err)
		}
		return append([]float32(nil), k.Data...), append([]float32(nil), v.Data...)
	}

	first, err := f.core.Attend(0, in, f.session)
	if err != nil {
		t.Fatalf("first check failed: %v", err)
	}
	firstK, firstV := readLayer(f.cache)

	f.session.Reset()
	for l := range f.original.Keys {
		if diff := cmp.Diff(f.original.Keys[l].Data, f.session.Baseline.Keys[l].Data); diff != "" {
			t.Errorf("layer %d baseline keys modified (-want +got):\n%s", l, diff)
		}
		if diff := cmp.Diff(f.original.Values[l].Data, f.session.Baseline.Values[l].Data); diff != "" {
			t.Errorf("layer %d baseline values modified (-want +got):\n%s", l, diff)
		}
	}

	second, err := f.core.Attend(0, in, f.session)
	if err != nil {
		t.Fatalf("second check failed: %v", err)
	}
	wantPos := []int{2, 5, 6, 8, 9, 10, 11}
	if diff := cmp.Diff(wantPos, first.Positions); diff != "" {
		t.Errorf("first positions mismatch (-want +got):\n%s", diff)
	}
	sel, _ := f.session.Selection()
	if diff := cmp.Diff(first.Positions, sel.Positions()); diff != "" {
		t.Errorf("selection after reset mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(first.Data.Data, second.Data.Data); diff != "" {
		t.Errorf("attention output changed after reset (-want +got):\n%s", diff)
	}
	secondK, secondV := readLayer(f.cache)
	if diff := cmp.Diff(firstK, secondK); diff != "" {
		t.Errorf("cached keys changed after reset (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(firstV, secondV); diff != "" {
		t.Errorf("cached values changed after reset (-want +got):\n%s", diff)
	}

	// a second request over the same assembled baseline sees the same drift
	cache := NewPagedKVCacheFromConfig(f.cfg)
	other, err := NewSession(f.cfg, f.session.Baseline, suffix, seqPositions(total))
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	out, err := NewCore(f.cfg, cache, tensor.DenseKernel{}).Attend(0, in, other)
	if err != nil {
		t.Fatalf("check on second session failed: %v", err)
	}
	if diff := cmp.Diff(wantPos, out.Positions); diff != "" {
		t.Errorf("second session positions mismatch (-want +got):\n%s", diff)
	}
	otherK, otherV := readLayer(cache)
	if diff := cmp.Diff(firstK, otherK); diff != "" {
		t.Errorf("second session cached keys mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(firstV, otherV); diff != "" {
		t.Errorf("second session cached values mismatch (-want +got):\n%s", diff)
	}
}

func TestNewSessionRejectsMalformedBaseline(t *testing.T) {
	rng := rand.New(rand.NewPCG(31, 32))
	cfg := testConfig(t)
	total := 6

	flat := randomBaseline(rng, cfg, total)
	flat.Keys[1] = randTensor(rng, total, cfg.KVDim())
	if _, err := NewSession(cfg, flat, 2, seqPositions(total)); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch for 2D keys, got %v", err)
	}

	heads := randomBaseline(rng, cfg, total)
	heads.Values[0] = randTensor(rng, total, cfg.NumKVHeads+1, cfg.HeadDim)
	if _, err := NewSession(cfg, heads, 2, seqPositions(total)); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch for wrong head count, got %v", err)
	}

	missing := randomBaseline(rng, cfg, total)
	missing.Keys[0] = nil
	if _, err := NewSession(cfg, missing, 2, seqPositions(total)); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch for missing layer, got %v", err)
	}
}
