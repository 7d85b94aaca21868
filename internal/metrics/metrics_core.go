package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exercised by the checkpoint loader, scratch arena, forward
// pass, and quantiser. Kept in a separate file from the GPU/MoE audit
// metrics in metrics.go since those serve a different, inert build variant.
var (
	LoaderProgress = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "checkpoint_load_progress_ratio",
		Help: "Fraction of checkpoint shards loaded so far",
	})

	ScratchHighWatermark = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scratch_arena_high_watermark_bytes",
		Help: "Peak bytes used in a scratch arena region",
	}, []string{"region"})

	EvalDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "eval_duration_seconds",
		Help:    "Duration of single-token forward pass calls",
		Buckets: prometheus.DefBuckets,
	})

	PromptEvalDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "prompt_eval_duration_seconds",
		Help:    "Duration of multi-token (prompt) forward pass calls",
		Buckets: prometheus.DefBuckets,
	})

	QuantizeHistogram = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quantize_code_histogram",
		Help: "Aggregate count of selected nibble codes during quantisation",
	}, []string{"code"})

	QuantizeSizeDelta = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quantize_size_delta_bytes",
		Help: "Total byte size change from quantising a checkpoint",
	})
)
