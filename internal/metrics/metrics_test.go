package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.ObserveStep(10 * time.Millisecond)
	r.ObserveStep(20 * time.Millisecond)
	r.ObserveEval(2.5, 2.75, 15.6)
	r.AddGenerated(40)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.steps))
	assert.Equal(t, 2.5, testutil.ToFloat64(r.loss.WithLabelValues("train")))
	assert.Equal(t, 2.75, testutil.ToFloat64(r.loss.WithLabelValues("val")))
	assert.Equal(t, 15.6, testutil.ToFloat64(r.perplexity))
	assert.Equal(t, 40.0, testutil.ToFloat64(r.generated))

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 6, n, "steps, duration, two loss series, perplexity, generated")
}

func TestRecorder_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.ObserveStep(time.Second)
		r.ObserveEval(1, 1, 1)
		r.AddGenerated(1)
	})
}
