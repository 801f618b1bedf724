// Package train fits a model to a token stream with Adam.
package train

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"time"

	"github.com/schollz/progressbar/v3"
	"gorgonia.org/gorgonia"

	"minigpt/internal/config"
	"minigpt/internal/metrics"
	"minigpt/internal/model"
)

// batchStream selects the PCG stream used to draw batches.
const batchStream = 0x14057b7ef767814f

// Eval is one loss estimate over both splits.
type Eval struct {
	Step       int     `json:"step"`
	TrainLoss  float64 `json:"train_loss"`
	ValLoss    float64 `json:"val_loss"`
	Perplexity float64 `json:"perplexity"`
}

// Options are the trainer's reporting sinks. Nil writers discard output and a
// nil Metrics records nothing.
type Options struct {
	// Progress receives the progress bar.
	Progress io.Writer
	// Log receives one line per evaluation.
	Log     io.Writer
	Metrics *metrics.Recorder
}

// Trainer owns the compiled training and evaluation graphs of one model.
type Trainer struct {
	model *model.Model
	data  *Dataset
	cfg   config.Training
	opts  Options
	rng   *rand.Rand

	train  *model.Graph
	eval   *model.Graph
	solver gorgonia.Solver
	step   int
}

// New compiles the graphs for m at (cfg.BatchSize, block_size).
func New(m *model.Model, data *Dataset, cfg config.Training, opts Options) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Progress == nil {
		opts.Progress = io.Discard
	}
	if opts.Log == nil {
		opts.Log = io.Discard
	}

	blockSize := m.Config().BlockSize
	trainGraph, err := m.Compile(cfg.BatchSize, blockSize, model.WithTraining())
	if err != nil {
		return nil, fmt.Errorf("compiling training graph: %w", err)
	}
	evalGraph, err := m.Compile(cfg.BatchSize, blockSize, model.WithLoss())
	if err != nil {
		trainGraph.Close()
		return nil, fmt.Errorf("compiling evaluation graph: %w", err)
	}

	solverOpts := []gorgonia.SolverOpt{gorgonia.WithLearnRate(cfg.LearningRate)}
	if cfg.Clip > 0 {
		solverOpts = append(solverOpts, gorgonia.WithClip(cfg.Clip))
	}

	return &Trainer{
		model:  m,
		data:   data,
		cfg:    cfg,
		opts:   opts,
		rng:    rand.New(rand.NewPCG(cfg.Seed, batchStream)),
		train:  trainGraph,
		eval:   evalGraph,
		solver: gorgonia.NewAdamSolver(solverOpts...),
	}, nil
}

// Close releases both graphs.
func (t *Trainer) Close() error {
	err := t.train.Close()
	if evalErr := t.eval.Close(); err == nil {
		err = evalErr
	}
	return err
}

// Step runs one forward, backward and update pass on a training batch and
// returns its loss.
func (t *Trainer) Step() (float64, error) {
	start := time.Now()
	x, y := t.data.Batch(Train, t.cfg.BatchSize, t.model.Config().BlockSize, t.rng)
	if err := t.train.Run(x, y); err != nil {
		return 0, err
	}
	loss, err := t.train.Loss()
	if err != nil {
		return 0, err
	}
	if math.IsNaN(float64(loss)) || math.IsInf(float64(loss), 0) {
		return 0, fmt.Errorf("step %d: loss is %v", t.step, loss)
	}

	if err := t.solver.Step(gorgonia.NodesToValueGrads(t.train.Learnables())); err != nil {
		return 0, fmt.Errorf("solver step failed: %w", err)
	}
	if err := t.train.SyncParameters(); err != nil {
		return 0, err
	}
	t.step++
	t.opts.Metrics.ObserveStep(time.Since(start))
	return float64(loss), nil
}

// EstimateLoss averages the loss of EvalIters batches per split with dropout
// disabled.
func (t *Trainer) EstimateLoss() (Eval, error) {
	blockSize := t.model.Config().BlockSize
	var losses [2]float64
	for _, s := range []Split{Train, Val} {
		var sum float64
		for i := 0; i < t.cfg.EvalIters; i++ {
			x, y := t.data.Batch(s, t.cfg.BatchSize, blockSize, t.rng)
			if err := t.eval.Run(x, y); err != nil {
				return Eval{}, fmt.Errorf("evaluating %s: %w", s, err)
			}
			loss, err := t.eval.Loss()
			if err != nil {
				return Eval{}, err
			}
			sum += float64(loss)
		}
		losses[s] = sum / float64(t.cfg.EvalIters)
	}

	e := Eval{
		Step:       t.step,
		TrainLoss:  losses[Train],
		ValLoss:    losses[Val],
		Perplexity: math.Exp(losses[Val]),
	}
	t.opts.Metrics.ObserveEval(e.TrainLoss, e.ValLoss, e.Perplexity)
	return e, nil
}

// Run trains for MaxIters steps, evaluating every EvalInterval steps and once
// at the end. It returns the evaluations made so far, and ctx's error if ctx
// is done first.
func (t *Trainer) Run(ctx context.Context) ([]Eval, error) {
	bar := progressbar.NewOptions(t.cfg.MaxIters,
		progressbar.OptionSetWriter(t.opts.Progress),
		progressbar.OptionSetDescription("Training"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)

	var history []Eval
	evaluate := func() error {
		e, err := t.EstimateLoss()
		if err != nil {
			return err
		}
		history = append(history, e)
		fmt.Fprintf(t.opts.Log, "step %d: train loss %.4f, val loss %.4f\n", e.Step, e.TrainLoss, e.ValLoss)
		bar.Describe(fmt.Sprintf("Training [val loss %.4f]", e.ValLoss))
		return nil
	}

	for i := 0; i < t.cfg.MaxIters; i++ {
		if err := ctx.Err(); err != nil {
			return history, err
		}
		if i%t.cfg.EvalInterval == 0 {
			if err := evaluate(); err != nil {
				return history, err
			}
		}
		if _, err := t.Step(); err != nil {
			return history, err
		}
		bar.Add(1)
	}
	if err := evaluate(); err != nil {
		return history, err
	}
	bar.Finish()
	return history, nil
}

// Best returns the evaluation with the lowest validation loss.
func Best(history []Eval) (Eval, bool) {
	if len(history) == 0 {
		return Eval{}, false
	}
	best := history[0]
	for _, e := range history[1:] {
		if e.ValLoss < best.ValLoss {
			best = e
		}
	}
	return best, true
}

type historyFile struct {
	Evals []Eval `json:"evals"`
}

// SaveHistory writes history to path as JSON.
func SaveHistory(path string, history []Eval) error {
	return config.Save(path, historyFile{Evals: history})
}

// LoadHistory reads a file written by SaveHistory.
func LoadHistory(path string) ([]Eval, error) {
	var hf historyFile
	if err := config.Load(path, &hf); err != nil {
		return nil, err
	}
	return hf.Evals, nil
}
