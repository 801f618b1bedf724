package model

import (
	"fmt"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Head is one causal self-attention head: (B, T, n_embed) in,
// (B, T, head_size) out.
type Head struct {
	name  string
	size  int
	key   *linear
	query *linear
	value *linear
}

// NewHead creates a head projecting nEmbed channels down to headSize.
func NewHead(name string, nEmbed, headSize int) *Head {
	return &Head{
		name:  name,
		size:  headSize,
		key:   newLinear(name+".key", nEmbed, headSize, false),
		query: newLinear(name+".query", nEmbed, headSize, false),
		value: newLinear(name+".value", nEmbed, headSize, false),
	}
}

// Parameters returns the key, query and value weights.
func (h *Head) Parameters() []*Param {
	var params []*Param
	params = append(params, h.key.parameters()...)
	params = append(params, h.query.parameters()...)
	params = append(params, h.value.parameters()...)
	return params
}

// forward returns the head output, (B*T, head_size), and the post-softmax
// attention probabilities, (B*T, T).
func (h *Head) forward(b *builder, x *gorgonia.Node) (out, probs *gorgonia.Node, err error) {
	k, err := h.key.forward(b, x)
	if err != nil {
		return nil, nil, err
	}
	q, err := h.query.forward(b, x)
	if err != nil {
		return nil, nil, err
	}
	v, err := h.value.forward(b, x)
	if err != nil {
		return nil, nil, err
	}

	if b.seq == 1 {
		return h.forwardSingle(b, q, k, v)
	}

	perBatch := tensor.Shape{b.batch, b.seq, h.size}
	if k, err = gorgonia.Reshape(k, perBatch); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", h.name, err)
	}
	if q, err = gorgonia.Reshape(q, perBatch); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", h.name, err)
	}
	if v, err = gorgonia.Reshape(v, perBatch); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", h.name, err)
	}

	// scores[b,i,j] = q_i . k_j / sqrt(head_size)
	scores, err := gorgonia.BatchedMatMul(q, k, false, true)
	if err != nil {
		return nil, nil, fmt.Errorf("%s scores: %w", h.name, err)
	}
	if scores, err = gorgonia.Reshape(scores, tensor.Shape{b.rows(), b.seq}); err != nil {
		return nil, nil, fmt.Errorf("%s scores: %w", h.name, err)
	}
	if scores, err = gorgonia.Mul(scores, b.scale(h.size)); err != nil {
		return nil, nil, fmt.Errorf("%s scale: %w", h.name, err)
	}
	if scores, err = gorgonia.Add(scores, b.mask); err != nil {
		return nil, nil, fmt.Errorf("%s mask: %w", h.name, err)
	}

	probs, err = gorgonia.SoftMax(scores, 1)
	if err != nil {
		return nil, nil, fmt.Errorf("%s softmax: %w", h.name, err)
	}
	weights, err := b.dropout(probs)
	if err != nil {
		return nil, nil, fmt.Errorf("%s dropout: %w", h.name, err)
	}
	if weights, err = gorgonia.Reshape(weights, tensor.Shape{b.batch, b.seq, b.seq}); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", h.name, err)
	}

	out, err = gorgonia.BatchedMatMul(weights, v)
	if err != nil {
		return nil, nil, fmt.Errorf("%s values: %w", h.name, err)
	}
	if out, err = gorgonia.Reshape(out, tensor.Shape{b.rows(), h.size}); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", h.name, err)
	}
	return out, probs, nil
}

// forwardSingle handles one-token sequences, where every (1, 1) score matrix
// would be squeezed to a scalar by the batched matmul. Each query sees only
// its own key, so the score is a row-wise dot product and attention is
// exactly 1 outside of dropout.
func (h *Head) forwardSingle(b *builder, q, k, v *gorgonia.Node) (out, probs *gorgonia.Node, err error) {
	dot, err := gorgonia.HadamardProd(q, k)
	if err != nil {
		return nil, nil, fmt.Errorf("%s scores: %w", h.name, err)
	}
	scores, err := gorgonia.Sum(dot, 1)
	if err != nil {
		return nil, nil, fmt.Errorf("%s scores: %w", h.name, err)
	}
	if scores, err = gorgonia.Reshape(scores, tensor.Shape{b.rows(), 1}); err != nil {
		return nil, nil, fmt.Errorf("%s scores: %w", h.name, err)
	}
	if scores, err = gorgonia.Mul(scores, b.scale(h.size)); err != nil {
		return nil, nil, fmt.Errorf("%s scale: %w", h.name, err)
	}
	if scores, err = gorgonia.Add(scores, b.mask); err != nil {
		return nil, nil, fmt.Errorf("%s mask: %w", h.name, err)
	}

	if probs, err = gorgonia.SoftMax(scores, 1); err != nil {
		return nil, nil, fmt.Errorf("%s softmax: %w", h.name, err)
	}
	weights, err := b.dropout(probs)
	if err != nil {
		return nil, nil, fmt.Errorf("%s dropout: %w", h.name, err)
	}
	if out, err = gorgonia.BroadcastHadamardProd(v, weights, nil, []byte{1}); err != nil {
		return nil, nil, fmt.Errorf("%s values: %w", h.name, err)
	}
	return out, probs, nil
}
