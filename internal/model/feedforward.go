package model

import (
	"fmt"

	"gorgonia.org/gorgonia"
)

// ffnExpansion is the hidden width of the feed-forward layer relative to n_embed.
const ffnExpansion = 4

// FeedForward is the position-wise Linear -> ReLU -> Linear -> Dropout stack.
type FeedForward struct {
	name   string
	expand *linear
	shrink *linear
}

// NewFeedForward creates a feed-forward layer for nEmbed channels.
func NewFeedForward(name string, nEmbed int) *FeedForward {
	return &FeedForward{
		name:   name,
		expand: newLinear(name+".net.0", nEmbed, ffnExpansion*nEmbed, true),
		shrink: newLinear(name+".net.2", ffnExpansion*nEmbed, nEmbed, true),
	}
}

// Parameters returns the weights and biases of both linear maps.
func (f *FeedForward) Parameters() []*Param {
	return append(f.expand.parameters(), f.shrink.parameters()...)
}

func (f *FeedForward) forward(b *builder, x *gorgonia.Node) (*gorgonia.Node, error) {
	h, err := f.expand.forward(b, x)
	if err != nil {
		return nil, err
	}
	if h, err = gorgonia.Rectify(h); err != nil {
		return nil, fmt.Errorf("%s relu: %w", f.name, err)
	}
	y, err := f.shrink.forward(b, h)
	if err != nil {
		return nil, err
	}
	if y, err = b.dropout(y); err != nil {
		return nil, fmt.Errorf("%s dropout: %w", f.name, err)
	}
	return y, nil
}
