package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LayerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cacheblend_layer_duration_seconds",
		Help:    "Histogram of per-layer attention time by mode",
		Buckets: prometheus.DefBuckets,
	}, []string{"mode"})

	SelectedTokens = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cacheblend_selected_tokens",
		Help:    "Distribution of importance selection sizes",
		Buckets: []float64{8, 16, 32, 64, 128, 256, 512, 1024, 4096},
	})

	RecomputeFraction = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cacheblend_recompute_fraction",
		Help: "Fraction of prompt positions recomputed by the last request",
	})

	ChunkPasses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cacheblend_chunk_passes_total",
		Help: "Total number of standalone chunk forward passes",
	})

	ChunkStoreHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cacheblend_chunk_store_hits_total",
		Help: "Total number of chunk KV lookups served from the store",
	})

	ChunkStoreMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cacheblend_chunk_store_misses_total",
		Help: "Total number of chunk KV lookups that required a forward pass",
	})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cacheblend_errors_total",
		Help: "Total number of blending errors by kind",
	}, []string{"kind"})

	KVCacheUsedBlocks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cacheblend_kv_cache_used_blocks",
		Help: "Paged KV cache blocks currently allocated",
	})
)

// RecordLayer records the attention time of one layer
func RecordLayer(mode string, duration time.Duration) {
	LayerDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordSelection records the selection size against the prompt length
func RecordSelection(selected, total int) {
	SelectedTokens.Observe(float64(selected))
	if total > 0 {
		RecomputeFraction.Set(float64(selected) / float64(total))
	}
}

func RecordChunkPass() {
	ChunkPasses.Inc()
}

// RecordChunkStore records a chunk store lookup
func RecordChunkStore(hit bool) {
	if hit {
		ChunkStoreHits.Inc()
	} else {
		ChunkStoreMisses.Inc()
	}
}

func RecordError(kind string) {
	Errors.WithLabelValues(kind).Inc()
}

func RecordBlocks(used int) {
	KVCacheUsedBlocks.Set(float64(used))
}
