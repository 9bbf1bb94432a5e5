package main

import (
	"fmt"
	"math/rand/v2"

	"github.com/spf13/cobra"

	"cacheblend-go/cacheblend"
	"cacheblend-go/purego"
	"cacheblend-go/purego/tensor"
)

// workloadOptions describes a synthetic retrieval request and the engine
// that serves it
type workloadOptions struct {
	seed        uint64
	templateLen int
	numDocs     int
	docLen      int
	queryLen    int

	ratio       float64
	checkLayer  int
	drift       string
	parallelism int
	f16         bool
	maxTokens   int
}

func (o *workloadOptions) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Uint64Var(&o.seed, "seed", 7, "Seed for model weights and synthetic tokens")
	f.IntVar(&o.templateLen, "template-len", 8, "Template prefix tokens (0 for none)")
	f.IntVar(&o.numDocs, "docs", 2, "Number of retrieved documents")
	f.IntVar(&o.docLen, "doc-len", 60, "Tokens per document")
	f.IntVar(&o.queryLen, "query-len", 12, "Query and suffix tokens")
	f.Float64Var(&o.ratio, "ratio", 0.18, "Fraction of non-suffix tokens to recompute")
	f.IntVar(&o.checkLayer, "check-layer", 0, "Layer that measures drift and selects tokens")
	f.StringVar(&o.drift, "drift", "value", "Drift metric (value, key, key+value)")
	f.IntVar(&o.parallelism, "parallelism", 1, "Concurrent standalone chunk passes")
	f.BoolVar(&o.f16, "f16", false, "Keep precomputed chunk KV in half precision")
	f.IntVar(&o.maxTokens, "max-tokens", 16, "Tokens to generate per request")
}

func (o *workloadOptions) modelConfig() *tensor.ModelConfig {
	mc := tensor.NewTinyConfig()
	mc.Seed = o.seed
	return mc
}

// engine builds the engine; CACHEBLEND_* variables override the flags
func (o *workloadOptions) engine(mc *tensor.ModelConfig) (*cacheblend.LLMEngine, *cacheblend.Config, error) {
	metric, err := cacheblend.ParseDriftMetric(o.drift)
	if err != nil {
		return nil, nil, err
	}
	precision := cacheblend.PrecisionF32
	if o.f16 {
		precision = cacheblend.PrecisionF16
	}

	base, err := cacheblend.NewConfig(
		cacheblend.WithGeometry(mc.NumLayers, mc.NumHeads, mc.NumKVHeads, mc.HeadDim),
		cacheblend.WithRecompRatio(o.ratio),
		cacheblend.WithCheckLayer(o.checkLayer),
		cacheblend.WithDriftMetric(metric),
		cacheblend.WithAssembleParallelism(o.parallelism),
		cacheblend.WithChunkStorePrecision(precision),
		cacheblend.WithFraming(cacheblend.Framing{BOS: []int{1}, ChunkLead: []int{2}}),
	)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := cacheblend.ConfigFromEnv(*base)
	if err != nil {
		return nil, nil, err
	}

	runner, err := purego.NewNativeModelRunner(mc)
	if err != nil {
		return nil, nil, err
	}
	return cacheblend.NewLLMEngine(cfg, runner, tensor.DenseKernel{}), cfg, nil
}

func (o *workloadOptions) samplingParams() (*cacheblend.SamplingParams, error) {
	return cacheblend.NewSamplingParams(cacheblend.WithMaxTokens(o.maxTokens), cacheblend.WithIgnoreEOS(true))
}

// build draws the template, documents and query from the vocabulary,
// skipping the framing tokens
func (o *workloadOptions) build(vocab int) (*cacheblend.Chunk, []cacheblend.Chunk, cacheblend.Chunk, error) {
	if o.numDocs <= 0 || o.docLen <= 0 || o.queryLen <= 0 || o.templateLen < 0 {
		return nil, nil, cacheblend.Chunk{}, fmt.Errorf("docs, doc-len and query-len must be positive")
	}
	rng := rand.New(rand.NewPCG(o.seed, o.seed+1))
	draw := func(n int) []int {
		ids := make([]int, n)
		for i := range ids {
			ids[i] = 3 + rng.IntN(vocab-3)
		}
		return ids
	}

	var template *cacheblend.Chunk
	if o.templateLen > 0 {
		c := cacheblend.NewChunk(cacheblend.RolePrefixTemplate, draw(o.templateLen))
		template = &c
	}
	docs := make([]cacheblend.Chunk, o.numDocs)
	for i := range docs {
		docs[i] = cacheblend.NewChunk(cacheblend.RoleDocument, draw(o.docLen))
	}
	query := cacheblend.NewChunk(cacheblend.RoleQuerySuffix, draw(o.queryLen))
	return template, docs, query, nil
}

// request lays out template, documents and query in prompt order
func request(template *cacheblend.Chunk, docs []cacheblend.Chunk, query cacheblend.Chunk) []cacheblend.Chunk {
	chunks := make([]cacheblend.Chunk, 0, len(docs)+2)
	if template != nil {
		chunks = append(chunks, *template)
	}
	chunks = append(chunks, docs...)
	return append(chunks, query)
}

// agreement returns how many leading tokens two generations share
func agreement(a, b []int) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}
