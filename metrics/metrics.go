// Package metrics counts what a batch run did. Every run gets its own registry so
// the numbers written at the end belong to that run only.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

type Run struct {
	Registry *prometheus.Registry

	PairsTotal         *prometheus.CounterVec
	ImagesTotal        prometheus.Counter
	GeneratedDeltas    prometheus.Counter
	GenerationDuration prometheus.Histogram
	PromptTokens       prometheus.Histogram
}

func NewRun() *Run {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Run{
		Registry: registry,
		PairsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "llavabatch_pairs_total",
			Help: "Image and prompt pairs processed, by outcome",
		}, []string{"status"}),
		ImagesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "llavabatch_images_total",
			Help: "Images loaded",
		}),
		GeneratedDeltas: factory.NewCounter(prometheus.CounterOpts{
			Name: "llavabatch_generated_deltas_total",
			Help: "Streamed output deltas received from the generator",
		}),
		GenerationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "llavabatch_generation_duration_seconds",
			Help:    "Time spent generating one response",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		PromptTokens: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "llavabatch_prompt_tokens",
			Help:    "Encoded prompt length, image token included",
			Buckets: []float64{16, 64, 128, 256, 512, 1024, 2048, 4096},
		}),
	}
}

func (r *Run) PairDone(err error, elapsed time.Duration) {
	if err != nil {
		r.PairsTotal.WithLabelValues(StatusFailed).Inc()
		return
	}
	r.PairsTotal.WithLabelValues(StatusOK).Inc()
	r.GenerationDuration.Observe(elapsed.Seconds())
}

// WriteTextfile writes the registry in the text exposition format, for the node
// exporter textfile collector.
func (r *Run) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.Registry)
}
