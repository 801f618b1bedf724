package train

import (
	"errors"
	"fmt"
	"math/rand/v2"
)

// Split selects the training or validation part of a Dataset.
type Split int

const (
	Train Split = iota
	Val
)

func (s Split) String() string {
	if s == Val {
		return "val"
	}
	return "train"
}

// ErrDatasetTooSmall is returned when a split cannot hold one window of
// block_size+1 tokens.
var ErrDatasetTooSmall = errors.New("dataset too small")

// Dataset is a token stream cut into a leading training part and a trailing
// validation part.
type Dataset struct {
	train []int
	val   []int
}

// NewDataset splits tokens at fraction trainSplit. Both parts must be longer
// than blockSize so a window and its shifted targets fit.
func NewDataset(tokens []int, trainSplit float64, blockSize int) (*Dataset, error) {
	n := int(trainSplit * float64(len(tokens)))
	d := &Dataset{train: tokens[:n], val: tokens[n:]}
	for _, s := range []Split{Train, Val} {
		if got := len(d.tokens(s)); got <= blockSize {
			return nil, fmt.Errorf("%w: %s split has %d tokens, need more than %d",
				ErrDatasetTooSmall, s, got, blockSize)
		}
	}
	return d, nil
}

func (d *Dataset) tokens(s Split) []int {
	if s == Val {
		return d.val
	}
	return d.train
}

// Len returns the number of tokens in split s.
func (d *Dataset) Len(s Split) int { return len(d.tokens(s)) }

// Batch draws batchSize random windows of blockSize tokens from split s.
// y[b][t] is the token following x[b][t].
func (d *Dataset) Batch(s Split, batchSize, blockSize int, rng *rand.Rand) (x, y [][]int) {
	data := d.tokens(s)
	x = make([][]int, batchSize)
	y = make([][]int, batchSize)
	for b := range x {
		ix := rng.IntN(len(data) - blockSize)
		x[b] = data[ix : ix+blockSize]
		y[b] = data[ix+1 : ix+blockSize+1]
	}
	return x, y
}
