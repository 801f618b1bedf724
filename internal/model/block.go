package model

import (
	"fmt"

	"gorgonia.org/gorgonia"
)

// Block is a post-norm transformer block:
//
//	x'  = LayerNorm(x + MultiHeadAttention(x))
//	x'' = LayerNorm(x' + FeedForward(x'))
//
// Normalization is applied to each residual sum, never before a sub-layer.
type Block struct {
	name string
	sa   *MultiHeadAttention
	ffwd *FeedForward
	ln1  *layerNorm
	ln2  *layerNorm
}

// NewBlock creates a block with nHead heads over nEmbed channels.
func NewBlock(name string, nEmbed, nHead int) *Block {
	return &Block{
		name: name,
		sa:   NewMultiHeadAttention(name+".sa", nEmbed, nHead),
		ffwd: NewFeedForward(name+".ffwd", nEmbed),
		ln1:  newLayerNorm(name+".ln1", nEmbed),
		ln2:  newLayerNorm(name+".ln2", nEmbed),
	}
}

// Attention returns the block's multi-head attention.
func (blk *Block) Attention() *MultiHeadAttention { return blk.sa }

// Parameters returns attention, feed-forward, then both norms.
func (blk *Block) Parameters() []*Param {
	var params []*Param
	params = append(params, blk.sa.Parameters()...)
	params = append(params, blk.ffwd.Parameters()...)
	params = append(params, blk.ln1.parameters()...)
	params = append(params, blk.ln2.parameters()...)
	return params
}

func (blk *Block) forward(b *builder, x *gorgonia.Node) (*gorgonia.Node, error) {
	y, err := blk.sa.forward(b, x)
	if err != nil {
		return nil, err
	}
	sum, err := gorgonia.Add(x, y)
	if err != nil {
		return nil, fmt.Errorf("%s residual 1: %w", blk.name, err)
	}
	if x, err = blk.ln1.forward(b, sum); err != nil {
		return nil, err
	}

	if y, err = blk.ffwd.forward(b, x); err != nil {
		return nil, err
	}
	if sum, err = gorgonia.Add(x, y); err != nil {
		return nil, fmt.Errorf("%s residual 2: %w", blk.name, err)
	}
	return blk.ln2.forward(b, sum)
}
