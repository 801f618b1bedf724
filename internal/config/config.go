// Package config holds the hyperparameters shared by every model component
// and the settings of the training loop.
//
// Values are created once at startup, validated, and then passed by value.
// Nothing in the module mutates a config after it has been handed to a model.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Device names a compute unit that holds tensors.
type Device string

// CPU is the only device backed by the numeric collaborator in this build.
const CPU Device = "cpu"

var (
	// ErrInvalidConfig is returned for out-of-range hyperparameters.
	ErrInvalidConfig = errors.New("invalid config")
	// ErrHeadSize is returned when n_embed is not divisible by n_head.
	ErrHeadSize = errors.New("n_embed must be divisible by n_head")
	// ErrUnsupportedDevice is returned for a device the collaborator cannot place tensors on.
	ErrUnsupportedDevice = errors.New("unsupported device")
)

// Model describes the architecture of a GPT model.
type Model struct {
	VocabSize int     `json:"vocab_size"`
	NEmbed    int     `json:"n_embed"`
	BlockSize int     `json:"block_size"`
	NHead     int     `json:"n_head"`
	NLayer    int     `json:"n_layer"`
	Dropout   float64 `json:"dropout"`
	Device    Device  `json:"device"`
	// Seed drives the parameter initialization pass.
	Seed uint64 `json:"seed"`
}

// DefaultModel returns the reference hyperparameters for the given vocabulary
// size.
func DefaultModel(vocabSize int) Model {
	return Model{
		VocabSize: vocabSize,
		NEmbed:    384,
		BlockSize: 64,
		NHead:     8,
		NLayer:    8,
		Dropout:   0.2,
		Device:    CPU,
		Seed:      1337,
	}
}

// HeadSize is the width of one attention head.
func (m Model) HeadSize() int {
	if m.NHead == 0 {
		return 0
	}
	return m.NEmbed / m.NHead
}

// Validate reports the first problem found in m.
func (m Model) Validate() error {
	switch {
	case m.VocabSize <= 0:
		return fmt.Errorf("%w: vocab_size must be positive, got %d", ErrInvalidConfig, m.VocabSize)
	case m.NEmbed <= 0:
		return fmt.Errorf("%w: n_embed must be positive, got %d", ErrInvalidConfig, m.NEmbed)
	case m.BlockSize <= 0:
		return fmt.Errorf("%w: block_size must be positive, got %d", ErrInvalidConfig, m.BlockSize)
	case m.NHead <= 0:
		return fmt.Errorf("%w: n_head must be positive, got %d", ErrInvalidConfig, m.NHead)
	case m.NLayer <= 0:
		return fmt.Errorf("%w: n_layer must be positive, got %d", ErrInvalidConfig, m.NLayer)
	case m.Dropout < 0 || m.Dropout >= 1:
		return fmt.Errorf("%w: dropout must be in [0, 1), got %g", ErrInvalidConfig, m.Dropout)
	}
	if m.NEmbed%m.NHead != 0 {
		return fmt.Errorf("%w: n_embed=%d, n_head=%d", ErrHeadSize, m.NEmbed, m.NHead)
	}
	return m.Device.Validate()
}

// Validate reports whether tensors can be placed on d.
func (d Device) Validate() error {
	if d != CPU {
		return fmt.Errorf("%w: %q (only %q is available)", ErrUnsupportedDevice, string(d), string(CPU))
	}
	return nil
}

// Training configures the optimization loop.
type Training struct {
	BatchSize    int     `json:"batch_size"`
	MaxIters     int     `json:"max_iters"`
	LearningRate float64 `json:"learning_rate"`
	EvalInterval int     `json:"eval_interval"`
	EvalIters    int     `json:"eval_iters"`
	// TrainSplit is the fraction of the token stream used for training; the
	// rest is held out for validation.
	TrainSplit float64 `json:"train_split"`
	// Clip bounds each gradient element. 0 disables clipping.
	Clip float64 `json:"clip"`
	Seed uint64  `json:"seed"`
}

// DefaultTraining returns the reference training settings.
func DefaultTraining() Training {
	return Training{
		BatchSize:    128,
		MaxIters:     1000,
		LearningRate: 3e-4,
		EvalInterval: 100,
		EvalIters:    100,
		TrainSplit:   0.9,
		Clip:         1.0,
		Seed:         1337,
	}
}

// Validate reports the first problem found in t.
func (t Training) Validate() error {
	switch {
	case t.BatchSize <= 0:
		return fmt.Errorf("%w: batch_size must be positive, got %d", ErrInvalidConfig, t.BatchSize)
	case t.MaxIters < 0:
		return fmt.Errorf("%w: max_iters must not be negative, got %d", ErrInvalidConfig, t.MaxIters)
	case t.LearningRate <= 0:
		return fmt.Errorf("%w: learning_rate must be positive, got %g", ErrInvalidConfig, t.LearningRate)
	case t.EvalInterval <= 0:
		return fmt.Errorf("%w: eval_interval must be positive, got %d", ErrInvalidConfig, t.EvalInterval)
	case t.EvalIters <= 0:
		return fmt.Errorf("%w: eval_iters must be positive, got %d", ErrInvalidConfig, t.EvalIters)
	case t.TrainSplit <= 0 || t.TrainSplit >= 1:
		return fmt.Errorf("%w: train_split must be in (0, 1), got %g", ErrInvalidConfig, t.TrainSplit)
	case t.Clip < 0:
		return fmt.Errorf("%w: clip must not be negative, got %g", ErrInvalidConfig, t.Clip)
	}
	return nil
}

// Manifest is the JSON document written next to a trained model.
type Manifest struct {
	Model      Model    `json:"model"`
	Training   Training `json:"training"`
	CorpusPath string   `json:"corpus_path"`
	CorpusHash string   `json:"corpus_hash"`
	Tokenizer  string   `json:"tokenizer"`
	TrainedAt  string   `json:"trained_at"`
}

// Save writes v as indented JSON to path.
func Save(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// Load decodes the JSON document at path into v.
func Load(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return json.NewDecoder(f).Decode(v)
}
