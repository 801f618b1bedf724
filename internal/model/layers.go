package model

import (
	"fmt"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// normEps is added to the variance before the square root in LayerNorm.
const normEps = 1e-5

// linear is y = xW (+ b). W is stored (in, out) so the flattened activations
// multiply on the left.
type linear struct {
	weight *Param
	bias   *Param // nil for unbiased maps
}

func newLinear(name string, in, out int, bias bool) *linear {
	l := &linear{weight: newParam(name+".weight", RoleLinearWeight, in, out)}
	if bias {
		l.bias = newParam(name+".bias", RoleLinearBias, 1, out)
	}
	return l
}

func (l *linear) parameters() []*Param {
	if l.bias == nil {
		return []*Param{l.weight}
	}
	return []*Param{l.weight, l.bias}
}

func (l *linear) forward(b *builder, x *gorgonia.Node) (*gorgonia.Node, error) {
	y, err := gorgonia.Mul(x, b.param(l.weight))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.weight.Name, err)
	}
	if l.bias == nil {
		return y, nil
	}
	y, err = gorgonia.BroadcastAdd(y, b.param(l.bias), nil, []byte{0})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.bias.Name, err)
	}
	return y, nil
}

// layerNorm normalizes every row of a (rows, width) matrix to zero mean and
// unit variance, then applies a learned gain and bias.
type layerNorm struct {
	name string
	gain *Param
	bias *Param
}

func newLayerNorm(name string, width int) *layerNorm {
	return &layerNorm{
		name: name,
		gain: newParam(name+".weight", RoleNormGain, 1, width),
		bias: newParam(name+".bias", RoleNormBias, 1, width),
	}
}

func (n *layerNorm) parameters() []*Param {
	return []*Param{n.gain, n.bias}
}

func (n *layerNorm) forward(b *builder, x *gorgonia.Node) (*gorgonia.Node, error) {
	rows := b.rows()

	mean, err := gorgonia.Mean(x, 1)
	if err != nil {
		return nil, fmt.Errorf("%s mean: %w", n.name, err)
	}
	if mean, err = gorgonia.Reshape(mean, tensor.Shape{rows, 1}); err != nil {
		return nil, fmt.Errorf("%s mean: %w", n.name, err)
	}
	centered, err := gorgonia.BroadcastSub(x, mean, nil, []byte{1})
	if err != nil {
		return nil, fmt.Errorf("%s center: %w", n.name, err)
	}

	squared, err := gorgonia.Square(centered)
	if err != nil {
		return nil, fmt.Errorf("%s variance: %w", n.name, err)
	}
	variance, err := gorgonia.Mean(squared, 1)
	if err != nil {
		return nil, fmt.Errorf("%s variance: %w", n.name, err)
	}
	if variance, err = gorgonia.Reshape(variance, tensor.Shape{rows, 1}); err != nil {
		return nil, fmt.Errorf("%s variance: %w", n.name, err)
	}
	if variance, err = gorgonia.Add(variance, b.eps()); err != nil {
		return nil, fmt.Errorf("%s variance: %w", n.name, err)
	}
	std, err := gorgonia.Sqrt(variance)
	if err != nil {
		return nil, fmt.Errorf("%s std: %w", n.name, err)
	}

	normed, err := gorgonia.BroadcastHadamardDiv(centered, std, nil, []byte{1})
	if err != nil {
		return nil, fmt.Errorf("%s normalize: %w", n.name, err)
	}
	scaled, err := gorgonia.BroadcastHadamardProd(normed, b.param(n.gain), nil, []byte{0})
	if err != nil {
		return nil, fmt.Errorf("%s gain: %w", n.name, err)
	}
	out, err := gorgonia.BroadcastAdd(scaled, b.param(n.bias), nil, []byte{0})
	if err != nil {
		return nil, fmt.Errorf("%s bias: %w", n.name, err)
	}
	return out, nil
}
