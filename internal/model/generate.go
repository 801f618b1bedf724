package model

import (
	"fmt"

	"minigpt/internal/sample"
)

// Sampler draws one token id from a row of next-token logits.
type Sampler interface {
	Sample(logits []float32) int
}

// Generate extends every row of idx by maxNewTokens sampled tokens and returns
// the full sequences, prompt included, shape (B, T+maxNewTokens).
//
// Each step feeds only the last block_size tokens of the running sequence and
// samples from the logits of the final position. Prompts may be longer than
// block_size; the earlier tokens are simply invisible to the model.
//
// A nil s draws exactly from softmax(logits) with a sampler seeded from the
// model's seed.
func (m *Model) Generate(idx [][]int, maxNewTokens int, s Sampler) ([][]int, error) {
	if maxNewTokens < 0 {
		return nil, fmt.Errorf("max new tokens must not be negative, got %d", maxNewTokens)
	}
	batch, _, err := checkBatch(idx, m.cfg.VocabSize)
	if err != nil {
		return nil, err
	}
	if s == nil {
		cfg := sample.DefaultConfig()
		cfg.Seed = m.cfg.Seed
		if s, err = sample.New(cfg); err != nil {
			return nil, err
		}
	}

	seqs := make([][]int, batch)
	for b, row := range idx {
		seqs[b] = make([]int, len(row), len(row)+maxNewTokens)
		copy(seqs[b], row)
	}

	// Window lengths stop changing once the sequence reaches block_size, so
	// graphs are kept per length for the duration of the call.
	graphs := make(map[int]*Graph)
	defer func() {
		for _, g := range graphs {
			g.Close()
		}
	}()

	vocab := m.cfg.VocabSize
	window := make([][]int, batch)
	for step := 0; step < maxNewTokens; step++ {
		for b, seq := range seqs {
			start := max(0, len(seq)-m.cfg.BlockSize)
			window[b] = seq[start:]
		}
		t := len(window[0])

		g, ok := graphs[t]
		if !ok {
			if g, err = m.Compile(batch, t); err != nil {
				return nil, err
			}
			graphs[t] = g
		}
		if err := g.Run(window, nil); err != nil {
			return nil, fmt.Errorf("step %d: %w", step, err)
		}

		logits, err := valueData(g.logits)
		if err != nil {
			return nil, err
		}
		for b := range seqs {
			last := (b*t + t - 1) * vocab
			next := s.Sample(logits[last : last+vocab])
			if next < 0 || next >= vocab {
				return nil, fmt.Errorf("%w: sampler returned %d", ErrTokenOutOfRange, next)
			}
			seqs[b] = append(seqs[b], next)
		}
	}
	return seqs, nil
}
