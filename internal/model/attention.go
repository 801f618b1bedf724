package model

import (
	"fmt"

	"gorgonia.org/gorgonia"
)

// MultiHeadAttention runs independent heads on the same input, concatenates
// their outputs along channels and projects back to n_embed.
//
// Heads share nothing but the read-only input and causal mask, so their
// subgraphs have no edges between them and the collaborator may schedule them
// in any order.
type MultiHeadAttention struct {
	name  string
	heads []*Head
	proj  *linear
}

// NewMultiHeadAttention creates nHead heads of width nEmbed/nHead.
func NewMultiHeadAttention(name string, nEmbed, nHead int) *MultiHeadAttention {
	headSize := nEmbed / nHead
	heads := make([]*Head, nHead)
	for i := range heads {
		heads[i] = NewHead(fmt.Sprintf("%s.heads.%d", name, i), nEmbed, headSize)
	}
	return &MultiHeadAttention{
		name:  name,
		heads: heads,
		proj:  newLinear(name+".proj", headSize*nHead, nEmbed, true),
	}
}

// Heads returns the attention heads in channel order.
func (a *MultiHeadAttention) Heads() []*Head { return a.heads }

// Parameters returns the parameters of every head followed by the projection.
func (a *MultiHeadAttention) Parameters() []*Param {
	var params []*Param
	for _, h := range a.heads {
		params = append(params, h.Parameters()...)
	}
	return append(params, a.proj.parameters()...)
}

func (a *MultiHeadAttention) forward(b *builder, x *gorgonia.Node) (*gorgonia.Node, error) {
	outs := make([]*gorgonia.Node, len(a.heads))
	probs := make([]*gorgonia.Node, len(a.heads))
	for i, h := range a.heads {
		var err error
		if outs[i], probs[i], err = h.forward(b, x); err != nil {
			return nil, err
		}
	}
	b.attention = append(b.attention, probs)

	cat := outs[0]
	if len(outs) > 1 {
		var err error
		if cat, err = gorgonia.Concat(1, outs...); err != nil {
			return nil, fmt.Errorf("%s concat: %w", a.name, err)
		}
	}

	y, err := a.proj.forward(b, cat)
	if err != nil {
		return nil, err
	}
	y, err = b.dropout(y)
	if err != nil {
		return nil, fmt.Errorf("%s dropout: %w", a.name, err)
	}
	return y, nil
}
