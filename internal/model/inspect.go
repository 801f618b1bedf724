package model

import (
	"gorgonia.org/tensor"
)

// AttentionMap holds the attention probabilities of one head.
type AttentionMap struct {
	Layer int
	Head  int
	// Probs has shape (B, T, T); Probs[b, i, j] is how much query i attends
	// to key j.
	Probs *tensor.Dense
}

// AttentionMaps runs an inference pass over idx and returns the post-softmax
// attention probabilities of every head, ordered by layer then head.
func (m *Model) AttentionMaps(idx [][]int) ([]AttentionMap, error) {
	batch, seq, err := checkBatch(idx, m.cfg.VocabSize)
	if err != nil {
		return nil, err
	}
	g, err := m.Compile(batch, seq)
	if err != nil {
		return nil, err
	}
	defer g.Close()

	if err := g.Run(idx, nil); err != nil {
		return nil, err
	}

	var maps []AttentionMap
	for layer, heads := range g.attention {
		for head, n := range heads {
			data, err := valueData(n)
			if err != nil {
				return nil, err
			}
			probs := make([]float32, len(data))
			copy(probs, data)
			maps = append(maps, AttentionMap{
				Layer: layer,
				Head:  head,
				Probs: tensor.New(tensor.WithShape(batch, seq, seq), tensor.WithBacking(probs)),
			})
		}
	}
	return maps, nil
}
