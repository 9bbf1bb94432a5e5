package cacheblend

import (
	"context"
	"fmt"
	"time"

	"github.com/schollz/progressbar/v3"

	"cacheblend-go/internal/logger"
	"cacheblend-go/purego/tensor"
)

// Output represents the output of a generation request
type Output struct {
	RequestID       string
	TokenIDs        []int
	NumPromptTokens int

	// Selected holds the recomputed positions, nil without blending
	Selected []int
}

// LLMEngine drives whole requests: assembly, blended prefill and greedy decode
type LLMEngine struct {
	config    *Config
	runner    Runner
	store     *ChunkStore
	assembler *Assembler
	cache     *PagedKVCache
	core      *Core
	scheduler *Scheduler
}

// NewLLMEngine creates a new engine with its own chunk store and paged cache
func NewLLMEngine(config *Config, runner Runner, kernel Kernel) *LLMEngine {
	store := NewChunkStore(config.ChunkStorePrecision)
	cache := NewPagedKVCacheFromConfig(config)
	return &LLMEngine{
		config:    config,
		runner:    runner,
		store:     store,
		assembler: NewAssembler(config, runner, store),
		cache:     cache,
		core:      NewCore(config, cache, kernel),
		scheduler: NewScheduler(config),
	}
}

// Close cleans up resources
func (e *LLMEngine) Close() error {
	return e.runner.Close()
}

// ChunkStore returns the engine's chunk store
func (e *LLMEngine) ChunkStore() *ChunkStore {
	return e.store
}

// Assembler returns the engine's assembler
func (e *LLMEngine) Assembler() *Assembler {
	return e.assembler
}

// Run serves one request. With blend set the prompt prefill reuses the
// assembled baseline; otherwise every layer recomputes the full prompt.
func (e *LLMEngine) Run(ctx context.Context, chunks []Chunk, sp *SamplingParams, blend bool) (*Output, error) {
	if e.runner.NumLayers() != e.config.NumLayers {
		return nil, configErr("num_layers", "runner has %d layers, config %d", e.runner.NumLayers(), e.config.NumLayers)
	}

	asm, err := e.assembler.Assemble(ctx, chunks)
	if err != nil {
		return nil, fmt.Errorf("assemble: %w", err)
	}

	seq := NewSequence(asm.TokenIDs, sp, e.config.KVCacheBlockSize)
	e.scheduler.Add(seq)
	if _, err := e.scheduler.Schedule(); err != nil {
		e.scheduler.Remove(seq)
		return nil, err
	}
	if e.scheduler.Running() != seq {
		return nil, fmt.Errorf("sequence %d was not admitted", seq.SeqID)
	}

	out, err := e.run(ctx, seq, asm, blend)
	if err != nil {
		// the cache is undefined for this request; drop it
		e.scheduler.Finish(seq)
		logger.Log.Error("request aborted", "seq", seq.SeqID, "blend", blend, "err", err)
		return nil, err
	}
	return out, nil
}

func (e *LLMEngine) run(ctx context.Context, seq *Sequence, asm *Assembly, blend bool) (*Output, error) {
	slots, err := seq.Slots()
	if err != nil {
		return nil, err
	}
	var baseline *BaselineCache
	if blend {
		baseline = asm.Baseline
	}
	session, err := NewSession(e.config, baseline, asm.SuffixLen, slots)
	if err != nil {
		return nil, err
	}
	var genRows []int
	attend := e.attendFunc(session, &genRows)

	n := asm.Len()
	positions := make([]int, n)
	for i := range positions {
		positions[i] = i
	}

	hidden, outPos, err := e.runner.Forward(ctx, asm.TokenIDs, positions, attend)
	if err != nil {
		return nil, fmt.Errorf("prefill: %w", err)
	}
	if len(outPos) == 0 || outPos[len(outPos)-1] != n-1 {
		return nil, shapeErr(-1, -1, n-1, len(outPos), "prefill output lacks the last position")
	}
	next, err := e.sample(hidden, genRows)
	if err != nil {
		return nil, fmt.Errorf("prefill: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := e.scheduler.PrepareAppend(seq); err != nil {
			return nil, err
		}
		if e.scheduler.Postprocess(seq, next) {
			break
		}

		pos := seq.Len() - 1
		slot, err := seq.Slot(pos)
		if err != nil {
			return nil, err
		}
		session.BeginDecode(slot)
		hidden, _, err := e.runner.Forward(ctx, []int{next}, []int{pos}, attend)
		if err != nil {
			return nil, fmt.Errorf("decode position %d: %w", pos, err)
		}
		if next, err = e.sample(hidden, genRows); err != nil {
			return nil, fmt.Errorf("decode position %d: %w", pos, err)
		}
	}

	out := &Output{
		RequestID:       session.ID.String(),
		TokenIDs:        append([]int(nil), seq.CompletionTokenIDs()...),
		NumPromptTokens: seq.NumPromptTokens,
	}
	if sel, ok := session.Selection(); ok {
		out.Selected = sel.Positions()
	}
	return out, nil
}

// attendFunc adapts the core to the runner. genRows receives the
// generation rows of the most recent layer.
func (e *LLMEngine) attendFunc(s *Session, genRows *[]int) tensor.AttendFunc {
	return func(layer int, q, k, v *tensor.Tensor, positions []int) (*tensor.Tensor, []int, error) {
		out, err := e.core.Attend(layer, LayerInput{Query: q, Key: k, Value: v, Positions: positions}, s)
		if err != nil {
			return nil, nil, err
		}
		*genRows = out.GenerationRows
		return out.Data, out.Positions, nil
	}
}

// sample projects only the generation rows to logits and picks the next
// token from the last of them
func (e *LLMEngine) sample(hidden *tensor.Tensor, genRows []int) (int, error) {
	if len(genRows) == 0 {
		return 0, shapeErr(-1, -1, 1, 0, "no generation rows")
	}
	for _, r := range genRows {
		if r < 0 || r >= hidden.Rows() {
			return 0, shapeErr(-1, -1, hidden.Rows(), r, "generation row out of range")
		}
	}
	logits := e.runner.Logits(hidden.GatherRows(genRows))
	return tensor.Argmax(logits.Row(logits.Rows() - 1)), nil
}

// IsFinished returns true if all requests have been processed
func (e *LLMEngine) IsFinished() bool {
	return e.scheduler.IsFinished()
}

// Generate serves the prompts one after another with blending
func (e *LLMEngine) Generate(ctx context.Context, prompts [][]Chunk, samplingParams *SamplingParams, useTqdm bool) ([]Output, error) {
	return e.generate(ctx, prompts, samplingParams, useTqdm, true)
}

// GenerateFull serves the prompts with full recomputation, for comparison
func (e *LLMEngine) GenerateFull(ctx context.Context, prompts [][]Chunk, samplingParams *SamplingParams, useTqdm bool) ([]Output, error) {
	return e.generate(ctx, prompts, samplingParams, useTqdm, false)
}

func (e *LLMEngine) generate(ctx context.Context, prompts [][]Chunk, sp *SamplingParams, useTqdm, blend bool) ([]Output, error) {
	var bar *progressbar.ProgressBar
	if useTqdm {
		desc := "Generating"
		if !blend {
			desc = "Generating (full)"
		}
		bar = progressbar.NewOptions(len(prompts),
			progressbar.OptionSetDescription(desc),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
	}

	outputs := make([]Output, len(prompts))
	for i, chunks := range prompts {
		start := time.Now()
		out, err := e.Run(ctx, chunks, sp, blend)
		if err != nil {
			return nil, fmt.Errorf("prompt %d: %w", i, err)
		}
		outputs[i] = *out

		if useTqdm {
			elapsed := time.Since(start).Seconds()
			bar.Describe(fmt.Sprintf("Generating [%dtok/s]", int(float64(out.NumPromptTokens+len(out.TokenIDs))/elapsed)))
			bar.Add(1)
		}
	}

	if useTqdm {
		bar.Finish()
	}
	return outputs, nil
}
