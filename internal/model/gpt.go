// Package model implements a decoder-only transformer language model on top of
// gorgonia expression graphs.
//
// Token and position embeddings are summed, passed through a stack of
// post-norm transformer blocks, normalized once more and projected to
// vocabulary logits. Forward passes are compiled per input shape (see
// Compile); Forward and Generate wrap that for one-off calls.
package model

import (
	"fmt"
	"math/rand/v2"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"minigpt/internal/config"
)

// initStream selects the PCG stream used by the initialization pass.
const initStream = 0x5851f42d4c957f2d

// Model is the GPT language model. It owns its parameter tree exclusively.
type Model struct {
	cfg  config.Model
	mask *CausalMask

	tokenEmbedding    *Param
	positionEmbedding *Param
	blocks            []*Block
	lnF               *layerNorm
	lmHead            *linear

	params []*Param
	byName map[string]*Param
}

// Output is the result of a forward pass.
type Output struct {
	// Logits has shape (B, T, vocab_size).
	Logits *tensor.Dense
	// Loss is the mean cross-entropy over all B*T positions. It is only set
	// when HasLoss is true.
	Loss    float32
	HasLoss bool
}

// New validates cfg, builds the parameter tree and initializes it.
func New(cfg config.Model) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Model{
		cfg:               cfg,
		mask:              MaskFor(cfg.BlockSize),
		tokenEmbedding:    newParam("token_embedding_table.weight", RoleEmbedding, cfg.VocabSize, cfg.NEmbed),
		positionEmbedding: newParam("position_embedding_table.weight", RoleEmbedding, cfg.BlockSize, cfg.NEmbed),
		blocks:            make([]*Block, cfg.NLayer),
		lnF:               newLayerNorm("ln_f", cfg.NEmbed),
		lmHead:            newLinear("lm_head", cfg.NEmbed, cfg.VocabSize, true),
	}
	for i := range m.blocks {
		m.blocks[i] = NewBlock(fmt.Sprintf("blocks.%d", i), cfg.NEmbed, cfg.NHead)
	}

	m.params = append(m.params, m.tokenEmbedding, m.positionEmbedding)
	for _, blk := range m.blocks {
		m.params = append(m.params, blk.Parameters()...)
	}
	m.params = append(m.params, m.lnF.parameters()...)
	m.params = append(m.params, m.lmHead.parameters()...)

	m.byName = make(map[string]*Param, len(m.params))
	for _, p := range m.params {
		m.byName[p.Name] = p
	}

	initialize(m.params, rand.New(rand.NewPCG(cfg.Seed, initStream)))
	return m, nil
}

// Config returns the hyperparameters the model was built with.
func (m *Model) Config() config.Model { return m.cfg }

// Mask returns the causal mask shared by all heads.
func (m *Model) Mask() *CausalMask { return m.mask }

// Blocks returns the transformer blocks in application order.
func (m *Model) Blocks() []*Block { return m.blocks }

// Parameters returns the parameter tree in a stable order. The causal mask is
// not a parameter.
func (m *Model) Parameters() []*Param { return m.params }

// Parameter looks up a parameter by its dotted name.
func (m *Model) Parameter(name string) (*Param, bool) {
	p, ok := m.byName[name]
	return p, ok
}

// NumParams is the total number of scalar parameters.
func (m *Model) NumParams() int {
	n := 0
	for _, p := range m.params {
		n += p.Value.Shape().TotalSize()
	}
	return n
}

func (m *Model) forward(b *builder, tokens, positions *gorgonia.Node) (*gorgonia.Node, error) {
	tok, err := gorgonia.Mul(tokens, b.param(m.tokenEmbedding))
	if err != nil {
		return nil, fmt.Errorf("token embedding: %w", err)
	}
	pos, err := gorgonia.Mul(positions, b.param(m.positionEmbedding))
	if err != nil {
		return nil, fmt.Errorf("position embedding: %w", err)
	}
	x, err := gorgonia.Add(tok, pos)
	if err != nil {
		return nil, fmt.Errorf("embedding sum: %w", err)
	}

	for _, blk := range m.blocks {
		if x, err = blk.forward(b, x); err != nil {
			return nil, err
		}
	}

	if x, err = m.lnF.forward(b, x); err != nil {
		return nil, err
	}
	return m.lmHead.forward(b, x)
}

// Forward computes logits for idx, a (B, T) matrix of token ids with
// T <= block_size. When targets is non-nil it must have the same shape, and
// the mean cross-entropy is returned as well. Dropout is disabled.
func (m *Model) Forward(idx, targets [][]int) (*Output, error) {
	batch, seq, err := checkBatch(idx, m.cfg.VocabSize)
	if err != nil {
		return nil, err
	}
	if seq > m.cfg.BlockSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrSequenceTooLong, seq, m.cfg.BlockSize)
	}

	var opts []GraphOption
	if targets != nil {
		opts = append(opts, WithLoss())
	}
	g, err := m.Compile(batch, seq, opts...)
	if err != nil {
		return nil, err
	}
	defer g.Close()

	if err := g.Run(idx, targets); err != nil {
		return nil, err
	}

	logits, err := g.Logits()
	if err != nil {
		return nil, err
	}
	out := &Output{Logits: logits}
	if targets != nil {
		if out.Loss, err = g.Loss(); err != nil {
			return nil, err
		}
		out.HasLoss = true
	}
	return out, nil
}
