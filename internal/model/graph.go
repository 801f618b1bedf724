package model

import (
	"errors"
	"fmt"
	"math"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// builder carries the per-graph state shared by every component while a
// forward pass is being laid out.
type builder struct {
	g        *gorgonia.ExprGraph
	batch    int
	seq      int
	train    bool
	dropProb float64

	params  map[*Param]*gorgonia.Node
	mask    *gorgonia.Node
	epsNode *gorgonia.Node
	scales  map[int]*gorgonia.Node

	// attention holds the post-softmax probabilities, [layer][head].
	attention [][]*gorgonia.Node
}

func (b *builder) rows() int { return b.batch * b.seq }

// param returns the graph node bound to p, creating it on first use. The node
// shares p's backing tensor.
func (b *builder) param(p *Param) *gorgonia.Node {
	if n, ok := b.params[p]; ok {
		return n
	}
	n := gorgonia.NewMatrix(b.g, tensor.Float32,
		gorgonia.WithShape(p.Shape()...),
		gorgonia.WithName(p.Name),
		gorgonia.WithValue(p.Value),
	)
	b.params[p] = n
	return n
}

func (b *builder) eps() *gorgonia.Node {
	if b.epsNode == nil {
		b.epsNode = gorgonia.NewScalar(b.g, tensor.Float32,
			gorgonia.WithName("norm_eps"),
			gorgonia.WithValue(float32(normEps)),
		)
	}
	return b.epsNode
}

// scale returns the 1/sqrt(headSize) score scale.
func (b *builder) scale(headSize int) *gorgonia.Node {
	if n, ok := b.scales[headSize]; ok {
		return n
	}
	n := gorgonia.NewScalar(b.g, tensor.Float32,
		gorgonia.WithName(fmt.Sprintf("attn_scale_%d", headSize)),
		gorgonia.WithValue(float32(1/math.Sqrt(float64(headSize)))),
	)
	b.scales[headSize] = n
	return n
}

func (b *builder) dropout(x *gorgonia.Node) (*gorgonia.Node, error) {
	if !b.train || b.dropProb == 0 {
		return x, nil
	}
	return gorgonia.Dropout(x, b.dropProb)
}

type graphOptions struct {
	loss     bool
	training bool
}

// GraphOption configures Compile.
type GraphOption func(*graphOptions)

// WithLoss adds a targets input and the cross-entropy loss to the graph.
func WithLoss() GraphOption {
	return func(o *graphOptions) { o.loss = true }
}

// WithTraining enables dropout and symbolic gradients for every parameter.
// It implies WithLoss.
func WithTraining() GraphOption {
	return func(o *graphOptions) {
		o.loss = true
		o.training = true
	}
}

// Graph is a compiled forward pass for a fixed batch size and sequence length.
// Inputs are fed with Run; outputs are read after it returns.
type Graph struct {
	model *Model
	batch int
	seq   int
	opts  graphOptions

	tokens     *gorgonia.Node
	targets    *gorgonia.Node
	logits     *gorgonia.Node
	loss       *gorgonia.Node
	attention  [][]*gorgonia.Node
	learnables gorgonia.Nodes
	vm         gorgonia.VM
}

// Compile lays out the forward pass for (batch, seq) inputs.
func (m *Model) Compile(batch, seq int, opts ...GraphOption) (*Graph, error) {
	var o graphOptions
	for _, opt := range opts {
		opt(&o)
	}
	if batch <= 0 || seq <= 0 {
		return nil, fmt.Errorf("%w: batch=%d seq=%d", ErrEmptyBatch, batch, seq)
	}
	if seq > m.cfg.BlockSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrSequenceTooLong, seq, m.cfg.BlockSize)
	}

	g := gorgonia.NewGraph()
	b := &builder{
		g:        g,
		batch:    batch,
		seq:      seq,
		train:    o.training,
		dropProb: m.cfg.Dropout,
		params:   make(map[*Param]*gorgonia.Node, len(m.params)),
		scales:   make(map[int]*gorgonia.Node, 1),
	}
	rows := b.rows()

	tokens := gorgonia.NewMatrix(g, tensor.Float32,
		gorgonia.WithShape(rows, m.cfg.VocabSize),
		gorgonia.WithName("tokens"),
	)
	positions := gorgonia.NewMatrix(g, tensor.Float32,
		gorgonia.WithShape(rows, m.cfg.BlockSize),
		gorgonia.WithName("positions"),
		gorgonia.WithValue(positionOneHot(batch, seq, m.cfg.BlockSize)),
	)
	b.mask = gorgonia.NewMatrix(g, tensor.Float32,
		gorgonia.WithShape(rows, seq),
		gorgonia.WithName("causal_mask"),
		gorgonia.WithValue(m.mask.additive(batch, seq)),
	)

	logits, err := m.forward(b, tokens, positions)
	if err != nil {
		return nil, err
	}

	gr := &Graph{
		model:     m,
		batch:     batch,
		seq:       seq,
		opts:      o,
		tokens:    tokens,
		logits:    logits,
		attention: b.attention,
	}
	for _, p := range m.params {
		gr.learnables = append(gr.learnables, b.param(p))
	}

	if o.loss {
		gr.targets = gorgonia.NewMatrix(g, tensor.Float32,
			gorgonia.WithShape(rows, m.cfg.VocabSize),
			gorgonia.WithName("targets"),
		)
		if gr.loss, err = crossEntropy(logits, gr.targets); err != nil {
			return nil, err
		}
	}

	var vmOpts []gorgonia.VMOpt
	if o.training {
		if _, err := gorgonia.Grad(gr.loss, gr.learnables...); err != nil {
			return nil, fmt.Errorf("gradients: %w", err)
		}
		vmOpts = append(vmOpts, gorgonia.BindDualValues(gr.learnables...))
	}
	gr.vm = gorgonia.NewTapeMachine(g, vmOpts...)
	return gr, nil
}

// Run feeds idx (and targets when the graph has a loss) and executes the
// graph once.
func (gr *Graph) Run(idx, targets [][]int) error {
	vocab := gr.model.cfg.VocabSize
	if err := gr.checkShape(idx, "input"); err != nil {
		return err
	}
	if err := gorgonia.Let(gr.tokens, oneHot(idx, vocab)); err != nil {
		return fmt.Errorf("setting tokens: %w", err)
	}

	if gr.opts.loss {
		if targets == nil {
			return fmt.Errorf("%w: graph has a loss but no targets were given", ErrShapeMismatch)
		}
		if err := gr.checkShape(targets, "targets"); err != nil {
			return err
		}
		if err := gorgonia.Let(gr.targets, oneHot(targets, vocab)); err != nil {
			return fmt.Errorf("setting targets: %w", err)
		}
	}

	gr.vm.Reset()
	if err := gr.vm.RunAll(); err != nil {
		return fmt.Errorf("running graph: %w", err)
	}
	return nil
}

func (gr *Graph) checkShape(rows [][]int, what string) error {
	batch, seq, err := checkBatch(rows, gr.model.cfg.VocabSize)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if batch != gr.batch || seq != gr.seq {
		return fmt.Errorf("%w: %s is (%d, %d), graph expects (%d, %d)",
			ErrShapeMismatch, what, batch, seq, gr.batch, gr.seq)
	}
	return nil
}

// Logits returns a copy of the last computed logits, shape (B, T, vocab).
func (gr *Graph) Logits() (*tensor.Dense, error) {
	data, err := valueData(gr.logits)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(data))
	copy(out, data)
	return tensor.New(
		tensor.WithShape(gr.batch, gr.seq, gr.model.cfg.VocabSize),
		tensor.WithBacking(out),
	), nil
}

// Loss returns the last computed mean cross-entropy.
func (gr *Graph) Loss() (float32, error) {
	if gr.loss == nil {
		return 0, errors.New("graph was compiled without a loss")
	}
	data, err := valueData(gr.loss)
	if err != nil {
		return 0, err
	}
	return data[0], nil
}

// Learnables returns the parameter nodes in Model.Parameters order.
func (gr *Graph) Learnables() gorgonia.Nodes {
	return gr.learnables
}

// SyncParameters copies the learnable node values back into the model's
// parameter tensors. Solvers that replace values instead of updating them in
// place would otherwise leave the model stale.
func (gr *Graph) SyncParameters() error {
	for i, p := range gr.model.params {
		data, err := valueData(gr.learnables[i])
		if err != nil {
			return err
		}
		dst := p.Data()
		if len(dst) != len(data) {
			return fmt.Errorf("%w: %s has %d values, node has %d", ErrShapeMismatch, p.Name, len(dst), len(data))
		}
		copy(dst, data)
	}
	return nil
}

// Close releases the tape machine.
func (gr *Graph) Close() error {
	return gr.vm.Close()
}

func valueData(n *gorgonia.Node) ([]float32, error) {
	v := n.Value()
	if v == nil {
		return nil, fmt.Errorf("node %s has no value; run the graph first", n.Name())
	}
	switch data := v.Data().(type) {
	case []float32:
		return data, nil
	case float32:
		return []float32{data}, nil
	default:
		return nil, fmt.Errorf("node %s holds %T, want float32", n.Name(), data)
	}
}

// checkBatch validates a (B, T) index matrix and returns its shape.
func checkBatch(rows [][]int, vocab int) (batch, seq int, err error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return 0, 0, ErrEmptyBatch
	}
	seq = len(rows[0])
	for b, row := range rows {
		if len(row) != seq {
			return 0, 0, fmt.Errorf("%w: row %d has %d tokens, row 0 has %d", ErrShapeMismatch, b, len(row), seq)
		}
		for t, id := range row {
			if id < 0 || id >= vocab {
				return 0, 0, fmt.Errorf("%w: [%d][%d] = %d, vocab size %d", ErrTokenOutOfRange, b, t, id, vocab)
			}
		}
	}
	return len(rows), seq, nil
}

// oneHot encodes a validated (B, T) index matrix as a (B*T, width) matrix.
func oneHot(rows [][]int, width int) *tensor.Dense {
	seq := len(rows[0])
	data := make([]float32, len(rows)*seq*width)
	for b, row := range rows {
		for t, id := range row {
			data[(b*seq+t)*width+id] = 1
		}
	}
	return tensor.New(tensor.WithShape(len(rows)*seq, width), tensor.WithBacking(data))
}

// positionOneHot selects positions 0..seq-1 of the position table for every
// batch element.
func positionOneHot(batch, seq, blockSize int) *tensor.Dense {
	data := make([]float32, batch*seq*blockSize)
	for b := 0; b < batch; b++ {
		for t := 0; t < seq; t++ {
			data[(b*seq+t)*blockSize+t] = 1
		}
	}
	return tensor.New(tensor.WithShape(batch*seq, blockSize), tensor.WithBacking(data))
}
