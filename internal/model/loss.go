package model

import (
	"fmt"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// crossEntropy is the mean negative log-likelihood of one-hot targets under
// softmax(logits). Both inputs are (B*T, vocab): batch and time are already
// flattened into a single axis.
//
// Per row it computes log Σ exp(z - max) - (z_target - max), which stays
// finite even when p(target) underflows float32.
func crossEntropy(logits, targets *gorgonia.Node) (*gorgonia.Node, error) {
	rows := logits.Shape()[0]

	rowMax, err := gorgonia.Max(logits, 1)
	if err != nil {
		return nil, fmt.Errorf("loss max: %w", err)
	}
	if rowMax, err = gorgonia.Reshape(rowMax, tensor.Shape{rows, 1}); err != nil {
		return nil, fmt.Errorf("loss max: %w", err)
	}
	shifted, err := gorgonia.BroadcastSub(logits, rowMax, nil, []byte{1})
	if err != nil {
		return nil, fmt.Errorf("loss shift: %w", err)
	}

	exp, err := gorgonia.Exp(shifted)
	if err != nil {
		return nil, fmt.Errorf("loss exp: %w", err)
	}
	sumExp, err := gorgonia.Sum(exp, 1)
	if err != nil {
		return nil, fmt.Errorf("loss sum: %w", err)
	}
	logSumExp, err := gorgonia.Log(sumExp)
	if err != nil {
		return nil, fmt.Errorf("loss log: %w", err)
	}

	picked, err := gorgonia.HadamardProd(shifted, targets)
	if err != nil {
		return nil, fmt.Errorf("loss pick: %w", err)
	}
	// Only the target column is non-zero, so the row sum is z_target - max.
	targetLogit, err := gorgonia.Sum(picked, 1)
	if err != nil {
		return nil, fmt.Errorf("loss pick: %w", err)
	}

	nll, err := gorgonia.Sub(logSumExp, targetLogit)
	if err != nil {
		return nil, fmt.Errorf("loss: %w", err)
	}
	loss, err := gorgonia.Mean(nll)
	if err != nil {
		return nil, fmt.Errorf("loss mean: %w", err)
	}
	return loss, nil
}
