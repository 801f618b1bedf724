// Package sample turns next-token logits into token ids.
//
// The default configuration is a plain categorical draw from softmax(logits).
// Temperature, top-k and top-p reshape the distribution before the draw.
package sample

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
)

// sampleStream selects the PCG stream used for token draws.
const sampleStream = 0xda3e39cb94b95bdb

// ErrInvalidConfig is returned by New for out-of-range settings.
var ErrInvalidConfig = errors.New("invalid sampling config")

// Config configures a Sampler.
type Config struct {
	// Temperature divides the logits before softmax. 1 leaves them unchanged,
	// 0 selects greedy decoding.
	Temperature float64
	// TopK keeps only the K most likely tokens. 0 disables the filter.
	TopK int
	// TopP keeps the smallest set of tokens whose cumulative probability
	// reaches P. 0 or 1 disables the filter.
	TopP float64
	Seed uint64
}

// DefaultConfig is an unfiltered categorical draw.
func DefaultConfig() Config {
	return Config{Temperature: 1}
}

// Sampler draws token ids. It is not safe for concurrent use.
type Sampler struct {
	cfg Config
	rng *rand.Rand
}

// New returns a sampler seeded from cfg.Seed.
func New(cfg Config) (*Sampler, error) {
	switch {
	case cfg.Temperature < 0 || math.IsNaN(cfg.Temperature):
		return nil, fmt.Errorf("%w: temperature must not be negative, got %g", ErrInvalidConfig, cfg.Temperature)
	case cfg.TopK < 0:
		return nil, fmt.Errorf("%w: top-k must not be negative, got %d", ErrInvalidConfig, cfg.TopK)
	case cfg.TopP < 0 || cfg.TopP > 1:
		return nil, fmt.Errorf("%w: top-p must be in [0, 1], got %g", ErrInvalidConfig, cfg.TopP)
	}
	return &Sampler{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(cfg.Seed, sampleStream)),
	}, nil
}

// Sample returns a token id drawn from the distribution given by logits.
func (s *Sampler) Sample(logits []float32) int {
	if s.cfg.Temperature == 0 {
		return Argmax(logits)
	}

	probs := Softmax(logits, s.cfg.Temperature)
	if s.cfg.TopK > 0 && s.cfg.TopK < len(probs) {
		probs = topK(probs, s.cfg.TopK)
	}
	if s.cfg.TopP > 0 && s.cfg.TopP < 1 {
		probs = topP(probs, s.cfg.TopP)
	}
	return Categorical(probs, s.rng.Float64())
}

// Softmax converts logits/temperature to probabilities. It works in float64
// and subtracts the maximum first, so large logits do not overflow.
func Softmax(logits []float32, temperature float64) []float64 {
	if temperature <= 0 {
		temperature = 1
	}
	maxv := math.Inf(-1)
	for _, l := range logits {
		maxv = math.Max(maxv, float64(l))
	}

	probs := make([]float64, len(logits))
	var sum float64
	for i, l := range logits {
		probs[i] = math.Exp((float64(l) - maxv) / temperature)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// Categorical returns the index whose cumulative probability first reaches u,
// for u drawn uniformly from [0, 1).
func Categorical(probs []float64, u float64) int {
	var cum float64
	last := 0
	for i, p := range probs {
		if p == 0 {
			continue
		}
		cum += p
		last = i
		if u < cum {
			return i
		}
	}
	// Rounding can leave cum slightly below 1.
	return last
}

// Argmax returns the index of the largest logit, the first one on ties.
func Argmax(logits []float32) int {
	best := 0
	for i, l := range logits {
		if l > logits[best] {
			best = i
		}
	}
	return best
}

type ranked struct {
	id int
	p  float64
}

func byProbability(probs []float64) []ranked {
	arr := make([]ranked, len(probs))
	for i, p := range probs {
		arr[i] = ranked{i, p}
	}
	sort.SliceStable(arr, func(i, j int) bool { return arr[i].p > arr[j].p })
	return arr
}

func topK(probs []float64, k int) []float64 {
	return renormalize(probs, byProbability(probs)[:k])
}

func topP(probs []float64, p float64) []float64 {
	arr := byProbability(probs)
	var cum float64
	n := 0
	for n < len(arr) {
		cum += arr[n].p
		n++
		if cum >= p {
			break
		}
	}
	return renormalize(probs, arr[:n])
}

func renormalize(probs []float64, keep []ranked) []float64 {
	out := make([]float64, len(probs))
	var sum float64
	for _, e := range keep {
		out[e.id] = e.p
		sum += e.p
	}
	if sum == 0 {
		return probs
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
