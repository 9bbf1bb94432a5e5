package cacheblend

import (
	"context"
	"fmt"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"cacheblend-go/internal/logger"
	"cacheblend-go/internal/metrics"
	"cacheblend-go/purego/tensor"
)

// Span is the [Start, End) range of prompt positions a chunk occupies
type Span struct {
	Role  Role
	Start int
	End   int
}

// Assembly is the result of assembling a request's chunks
type Assembly struct {
	Baseline  *BaselineCache
	TokenIDs  []int
	SuffixLen int
	Spans     []Span
}

// Len returns total_tokens
func (a *Assembly) Len() int {
	return len(a.TokenIDs)
}

// Assembler builds the baseline cache from independent chunk passes
type Assembler struct {
	cfg    *Config
	runner Runner
	store  *ChunkStore
	bar    *progressbar.ProgressBar
}

// NewAssembler creates an assembler. store may be nil.
func NewAssembler(cfg *Config, runner Runner, store *ChunkStore) *Assembler {
	return &Assembler{cfg: cfg, runner: runner, store: store}
}

// SetProgress reports each finished chunk to bar
func (a *Assembler) SetProgress(bar *progressbar.ProgressBar) {
	a.bar = bar
}

type chunkResult struct {
	tokens []int
	kv     *ChunkKV
}

// Assemble runs every chunk standalone and concatenates the kept rows in
// chunk order. The last chunk must be the query+suffix; a template prefix
// may only come first.
func (a *Assembler) Assemble(ctx context.Context, chunks []Chunk) (*Assembly, error) {
	if err := validateChunkOrder(chunks); err != nil {
		return nil, err
	}

	results := make([]chunkResult, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.AssembleParallelism)
	for i, chunk := range chunks {
		g.Go(func() error {
			res, err := a.chunkKV(gctx, i, chunk)
			if err != nil {
				return err
			}
			results[i] = res
			if a.bar != nil {
				a.bar.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		metrics.RecordError(errorKind(err))
		return nil, err
	}

	asm := &Assembly{
		Baseline: &BaselineCache{
			Keys:   make([]*tensor.Tensor, a.cfg.NumLayers),
			Values: make([]*tensor.Tensor, a.cfg.NumLayers),
		},
		Spans: make([]Span, len(chunks)),
	}
	keys := make([]*tensor.Tensor, len(results))
	values := make([]*tensor.Tensor, len(results))
	for l := 0; l < a.cfg.NumLayers; l++ {
		for i, res := range results {
			keys[i] = res.kv.Keys[l]
			values[i] = res.kv.Values[l]
		}
		asm.Baseline.Keys[l] = tensor.ConcatRows(keys...)
		asm.Baseline.Values[l] = tensor.ConcatRows(values...)
	}
	for i, res := range results {
		start := len(asm.TokenIDs)
		asm.TokenIDs = append(asm.TokenIDs, res.tokens...)
		asm.Spans[i] = Span{Role: chunks[i].Role, Start: start, End: len(asm.TokenIDs)}
	}
	asm.SuffixLen = len(results[len(results)-1].tokens)

	logger.Log.Debug("assembled baseline",
		"chunks", len(chunks),
		"total", asm.Len(),
		"suffix", asm.SuffixLen,
	)
	return asm, nil
}

// chunkKV returns the kept rows of one chunk's standalone pass
func (a *Assembler) chunkKV(ctx context.Context, index int, chunk Chunk) (chunkResult, error) {
	if chunk.Len() == 0 {
		return chunkResult{}, shapeErr(index, -1, 1, 0, "%s chunk has no content tokens", chunk.Role)
	}
	if err := ctx.Err(); err != nil {
		return chunkResult{}, err
	}

	framed, lead := chunk.Framed(a.cfg.Framing)
	keep := len(framed) - lead

	if a.store != nil {
		if kv, ok := a.store.Get(chunk.Role, framed); ok {
			if err := a.checkRows(index, kv, keep); err != nil {
				return chunkResult{}, err
			}
			return chunkResult{tokens: framed[lead:], kv: kv}, nil
		}
	}

	full, err := a.runner.Prefill(ctx, framed)
	if err != nil {
		return chunkResult{}, fmt.Errorf("chunk %d: %w", index, err)
	}
	metrics.RecordChunkPass()
	if err := a.checkRows(index, full, len(framed)); err != nil {
		return chunkResult{}, err
	}

	kv := &ChunkKV{
		Keys:   make([]*tensor.Tensor, len(full.Keys)),
		Values: make([]*tensor.Tensor, len(full.Values)),
	}
	for l := range full.Keys {
		kv.Keys[l] = full.Keys[l].Slice(lead, len(framed)).Clone().Reshape(keep, a.cfg.NumKVHeads, a.cfg.HeadDim)
		kv.Values[l] = full.Values[l].Slice(lead, len(framed)).Clone().Reshape(keep, a.cfg.NumKVHeads, a.cfg.HeadDim)
	}
	if a.store != nil {
		a.store.Put(chunk.Role, framed, kv)
	}

	logger.Log.Debug("chunk pass",
		"chunk", index,
		"role", chunk.Role.String(),
		"framed", len(framed),
		"kept", keep,
	)
	return chunkResult{tokens: framed[lead:], kv: kv}, nil
}

// checkRows verifies every layer has want rows of num_kv_heads*head_dim
func (a *Assembler) checkRows(index int, kv *ChunkKV, want int) error {
	if len(kv.Keys) != a.cfg.NumLayers || len(kv.Values) != a.cfg.NumLayers {
		return shapeErr(index, -1, a.cfg.NumLayers, len(kv.Keys), "engine returned wrong layer count")
	}
	for l := range kv.Keys {
		k, v := kv.Keys[l], kv.Values[l]
		if k == nil || v == nil {
			return shapeErr(index, l, want, 0, "engine returned no key/value")
		}
		if k.Rows() != want || v.Rows() != want {
			return shapeErr(index, l, want, k.Rows(), "engine output length does not match token count")
		}
		if k.Size() != want*a.cfg.KVDim() || v.Size() != want*a.cfg.KVDim() {
			return shapeErr(index, l, want*a.cfg.KVDim(), k.Size(), "engine key/value size")
		}
	}
	return nil
}

func validateChunkOrder(chunks []Chunk) error {
	if len(chunks) == 0 {
		return configErr("chunks", "no chunks")
	}
	last := len(chunks) - 1
	if chunks[last].Role != RoleQuerySuffix {
		return configErr("chunks", "last chunk is %s, want %s", chunks[last].Role, RoleQuerySuffix)
	}
	for i, c := range chunks[:last] {
		switch {
		case c.Role == RoleQuerySuffix:
			return configErr("chunks", "chunk %d: query suffix before the last chunk", i)
		case c.Role == RolePrefixTemplate && i != 0:
			return configErr("chunks", "chunk %d: prefix template after the first chunk", i)
		}
	}
	return nil
}
