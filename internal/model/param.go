package model

import (
	"math/rand/v2"

	"gorgonia.org/tensor"
)

// initStd is the standard deviation of the normal distribution that linear
// and embedding weights are drawn from.
const initStd = 0.02

// Role tells the initialization pass how to fill a parameter.
type Role int

const (
	RoleEmbedding Role = iota
	RoleLinearWeight
	RoleLinearBias
	RoleNormGain
	RoleNormBias
)

func (r Role) String() string {
	switch r {
	case RoleEmbedding:
		return "embedding"
	case RoleLinearWeight:
		return "linear-weight"
	case RoleLinearBias:
		return "linear-bias"
	case RoleNormGain:
		return "norm-gain"
	case RoleNormBias:
		return "norm-bias"
	}
	return "unknown"
}

// Param is one trainable tensor of the parameter tree.
//
// Every parameter is stored as a float32 matrix. Biases and norm parameters
// are (1, width) rows so they broadcast over the flattened (B*T, width)
// activations.
type Param struct {
	Name  string
	Role  Role
	Value *tensor.Dense
}

func newParam(name string, role Role, rows, cols int) *Param {
	return &Param{
		Name:  name,
		Role:  role,
		Value: tensor.New(tensor.WithShape(rows, cols), tensor.Of(tensor.Float32)),
	}
}

// Data returns the backing slice of the parameter.
func (p *Param) Data() []float32 {
	return p.Value.Data().([]float32)
}

// Shape returns the parameter's shape as plain ints.
func (p *Param) Shape() []int {
	return []int(p.Value.Shape().Clone())
}

// initialize fills every parameter according to its role.
func initialize(params []*Param, rng *rand.Rand) {
	for _, p := range params {
		data := p.Data()
		switch p.Role {
		case RoleEmbedding, RoleLinearWeight:
			for i := range data {
				data[i] = float32(rng.NormFloat64() * initStd)
			}
		case RoleLinearBias, RoleNormBias:
			clear(data)
		case RoleNormGain:
			for i := range data {
				data[i] = 1
			}
		}
	}
}
