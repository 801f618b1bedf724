// Package metrics exposes training and generation counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds the collectors. A nil *Recorder records nothing, so callers
// can leave metrics off without branching.
type Recorder struct {
	steps        prometheus.Counter
	stepDuration prometheus.Histogram
	loss         *prometheus.GaugeVec
	perplexity   prometheus.Gauge
	generated    prometheus.Counter
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		steps: f.NewCounter(prometheus.CounterOpts{
			Name: "minigpt_train_steps_total",
			Help: "Total number of optimizer steps taken",
		}),
		stepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "minigpt_train_step_duration_seconds",
			Help:    "Duration of one forward, backward and update step",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}),
		loss: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "minigpt_loss",
			Help: "Most recent estimated cross-entropy loss",
		}, []string{"split"}),
		perplexity: f.NewGauge(prometheus.GaugeOpts{
			Name: "minigpt_val_perplexity",
			Help: "Most recent validation perplexity",
		}),
		generated: f.NewCounter(prometheus.CounterOpts{
			Name: "minigpt_tokens_generated_total",
			Help: "Total number of tokens sampled",
		}),
	}
}

// ObserveStep records one optimizer step that took d.
func (r *Recorder) ObserveStep(d time.Duration) {
	if r == nil {
		return
	}
	r.steps.Inc()
	r.stepDuration.Observe(d.Seconds())
}

// ObserveEval records an evaluation of both splits.
func (r *Recorder) ObserveEval(train, val, perplexity float64) {
	if r == nil {
		return
	}
	r.loss.WithLabelValues("train").Set(train)
	r.loss.WithLabelValues("val").Set(val)
	r.perplexity.Set(perplexity)
}

// AddGenerated counts n sampled tokens.
func (r *Recorder) AddGenerated(n int) {
	if r == nil {
		return
	}
	r.generated.Add(float64(n))
}
