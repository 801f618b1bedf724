package model

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minigpt/internal/config"
	"minigpt/internal/sample"
)

func tinyConfig() config.Model {
	return config.Model{
		VocabSize: 11,
		NEmbed:    8,
		BlockSize: 6,
		NHead:     2,
		NLayer:    2,
		Dropout:   0.1,
		Device:    config.CPU,
		Seed:      7,
	}
}

func newTinyModel(t *testing.T) *Model {
	t.Helper()
	m, err := New(tinyConfig())
	require.NoError(t, err)
	return m
}

func logitAt(t *testing.T, out *Output, b, pos, v int) float32 {
	t.Helper()
	val, err := out.Logits.At(b, pos, v)
	require.NoError(t, err)
	return val.(float32)
}

func TestNew_RejectsIndivisibleHeads(t *testing.T) {
	cfg := tinyConfig()
	cfg.NHead = 3

	_, err := New(cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrHeadSize)
}

func TestNew_RejectsUnknownDevice(t *testing.T) {
	cfg := tinyConfig()
	cfg.Device = "tpu"

	_, err := New(cfg)
	assert.ErrorIs(t, err, config.ErrUnsupportedDevice)
}

func TestParameters(t *testing.T) {
	m := newTinyModel(t)
	cfg := m.Config()
	c, v, hs := cfg.NEmbed, cfg.VocabSize, cfg.HeadSize()

	perBlock := cfg.NHead*3*c*hs + // key, query, value
		c*c + c + // proj
		c*4*c + 4*c + 4*c*c + c + // feed-forward
		4*c // two layer norms
	want := v*c + cfg.BlockSize*c + cfg.NLayer*perBlock + 2*c + c*v + v
	assert.Equal(t, want, m.NumParams())

	names := map[string]bool{}
	for _, p := range m.Parameters() {
		assert.False(t, names[p.Name], "duplicate parameter %s", p.Name)
		names[p.Name] = true
	}
	assert.True(t, names["blocks.1.sa.heads.0.query.weight"])
	assert.True(t, names["lm_head.bias"])
	assert.False(t, names["blocks.0.sa.heads.0.key.bias"], "attention projections are unbiased")

	p, ok := m.Parameter("token_embedding_table.weight")
	require.True(t, ok)
	assert.Equal(t, []int{v, c}, p.Shape())
}

func TestInitializationByRole(t *testing.T) {
	cfg := tinyConfig()
	cfg.NEmbed = 32
	cfg.NHead = 4
	m, err := New(cfg)
	require.NoError(t, err)

	var sum, sumSq float64
	var n int
	for _, p := range m.Parameters() {
		data := p.Data()
		switch p.Role {
		case RoleLinearBias, RoleNormBias:
			for _, x := range data {
				assert.Zero(t, x, p.Name)
			}
		case RoleNormGain:
			for _, x := range data {
				assert.Equal(t, float32(1), x, p.Name)
			}
		case RoleEmbedding, RoleLinearWeight:
			for _, x := range data {
				sum += float64(x)
				sumSq += float64(x) * float64(x)
				n++
			}
		}
	}
	mean := sum / float64(n)
	std := math.Sqrt(sumSq/float64(n) - mean*mean)
	assert.InDelta(t, 0, mean, 0.002)
	assert.InDelta(t, initStd, std, 0.002)
}

func TestInitializationIsSeeded(t *testing.T) {
	a := newTinyModel(t)
	b := newTinyModel(t)
	for i, p := range a.Parameters() {
		assert.Equal(t, p.Data(), b.Parameters()[i].Data(), p.Name)
	}
}

func TestMaskIsShared(t *testing.T) {
	a := newTinyModel(t)
	b := newTinyModel(t)
	assert.Same(t, a.Mask(), b.Mask())

	mask := a.Mask()
	assert.Equal(t, 6, mask.Size())
	for i := 0; i < mask.Size(); i++ {
		for j := 0; j < mask.Size(); j++ {
			assert.Equal(t, j <= i, mask.Allowed(i, j), "(%d, %d)", i, j)
		}
	}
}

func TestForward_Shapes(t *testing.T) {
	m := newTinyModel(t)
	idx := [][]int{{1, 2, 3, 4}, {5, 6, 7, 8}, {0, 9, 10, 1}}

	out, err := m.Forward(idx, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4, 11}, []int(out.Logits.Shape()))
	assert.False(t, out.HasLoss)
}

func TestForward_Loss(t *testing.T) {
	m := newTinyModel(t)
	idx := [][]int{{1, 2, 3, 4, 5, 6}, {6, 5, 4, 3, 2, 1}}
	targets := [][]int{{2, 3, 4, 5, 6, 7}, {5, 4, 3, 2, 1, 0}}

	out, err := m.Forward(idx, targets)
	require.NoError(t, err)
	require.True(t, out.HasLoss)
	assert.False(t, math.IsNaN(float64(out.Loss)))
	assert.False(t, math.IsInf(float64(out.Loss), 0))
	assert.GreaterOrEqual(t, out.Loss, float32(0))
	// Small initial weights give near-uniform predictions.
	assert.InDelta(t, math.Log(11), float64(out.Loss), 0.5)
}

func TestForward_SingleToken(t *testing.T) {
	m := newTinyModel(t)

	tests := []struct {
		name    string
		idx     [][]int
		targets [][]int
	}{
		{"one row", [][]int{{3}}, [][]int{{4}}},
		{"three rows", [][]int{{3}, {4}, {10}}, [][]int{{4}, {5}, {0}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := m.Forward(tt.idx, tt.targets)
			require.NoError(t, err)
			assert.Equal(t, []int{len(tt.idx), 1, 11}, []int(out.Logits.Shape()))
			require.True(t, out.HasLoss)
			assert.False(t, math.IsNaN(float64(out.Loss)))
			assert.Positive(t, out.Loss)

			// A one-token window must give the same logits as the first
			// position of a longer one.
			for b, row := range tt.idx {
				long, err := m.Forward([][]int{{row[0], 1, 2}}, nil)
				require.NoError(t, err)
				for v := 0; v < 11; v++ {
					assert.InDelta(t, logitAt(t, long, 0, 0, v), logitAt(t, out, b, 0, v), 1e-4)
				}
			}
		})
	}
}

func TestAttentionMaps_SingleToken(t *testing.T) {
	m := newTinyModel(t)

	maps, err := m.AttentionMaps([][]int{{3}, {7}})
	require.NoError(t, err)
	require.Len(t, maps, 4)
	for _, am := range maps {
		assert.Equal(t, []int{2, 1, 1}, []int(am.Probs.Shape()))
		for _, p := range am.Probs.Data().([]float32) {
			assert.InDelta(t, 1.0, p, 1e-6)
		}
	}
}

func TestCompile_SingleTokenTrainingGraph(t *testing.T) {
	m := newTinyModel(t)

	g, err := m.Compile(3, 1, WithTraining())
	require.NoError(t, err)
	defer g.Close()

	require.NoError(t, g.Run([][]int{{1}, {2}, {3}}, [][]int{{2}, {3}, {4}}))
	loss, err := g.Loss()
	require.NoError(t, err)
	assert.Positive(t, loss)
	for _, n := range g.Learnables() {
		grad, err := n.Grad()
		require.NoError(t, err, n.Name())
		assert.NotNil(t, grad, n.Name())
	}
}

func TestForward_LossStaysFiniteForUnlikelyTargets(t *testing.T) {
	m := newTinyModel(t)
	bias, ok := m.Parameter("lm_head.bias")
	require.True(t, ok)
	// exp(-200) underflows float32, so p(target) rounds to zero.
	bias.Data()[0] = -200

	out, err := m.Forward([][]int{{1, 2, 3}}, [][]int{{0, 0, 0}})
	require.NoError(t, err)
	assert.False(t, math.IsInf(float64(out.Loss), 0))
	assert.InDelta(t, 200+math.Log(10), float64(out.Loss), 1)
}

func TestForward_Errors(t *testing.T) {
	m := newTinyModel(t)

	_, err := m.Forward([][]int{{1, 2, 3, 4, 5, 6, 7}}, nil)
	assert.ErrorIs(t, err, ErrSequenceTooLong)

	_, err = m.Forward([][]int{{1, 11}}, nil)
	assert.ErrorIs(t, err, ErrTokenOutOfRange)

	_, err = m.Forward([][]int{{1, -1}}, nil)
	assert.ErrorIs(t, err, ErrTokenOutOfRange)

	_, err = m.Forward([][]int{{1, 2}, {3}}, nil)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = m.Forward([][]int{{1, 2}, {3, 4}}, [][]int{{1, 2}})
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = m.Forward([][]int{{1, 2}}, [][]int{{1, 20}})
	assert.ErrorIs(t, err, ErrTokenOutOfRange)

	_, err = m.Forward(nil, nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)
}

func TestForward_Deterministic(t *testing.T) {
	m := newTinyModel(t)
	idx := [][]int{{1, 2, 3, 4, 5}}

	a, err := m.Forward(idx, nil)
	require.NoError(t, err)
	b, err := m.Forward(idx, nil)
	require.NoError(t, err)
	assert.Equal(t, a.Logits.Data(), b.Logits.Data())
}

func TestForward_Causal(t *testing.T) {
	m := newTinyModel(t)
	base := []int{1, 2, 3, 4, 5, 6}

	ref, err := m.Forward([][]int{base}, nil)
	require.NoError(t, err)

	for j := 1; j < len(base); j++ {
		changed := append([]int(nil), base...)
		changed[j] = (changed[j] + 5) % 11

		out, err := m.Forward([][]int{changed}, nil)
		require.NoError(t, err)

		for i := 0; i < j; i++ {
			for v := 0; v < 11; v++ {
				assert.InDelta(t, logitAt(t, ref, 0, i, v), logitAt(t, out, 0, i, v), 1e-6,
					"position %d changed after editing token %d", i, j)
			}
		}
		// The edited position itself must see the change.
		assert.NotEqual(t, logitAt(t, ref, 0, j, 0), logitAt(t, out, 0, j, 0))
	}
}

func TestForward_BatchRowsAreIndependent(t *testing.T) {
	m := newTinyModel(t)
	row := []int{4, 3, 2, 1}

	alone, err := m.Forward([][]int{row}, nil)
	require.NoError(t, err)
	batched, err := m.Forward([][]int{{9, 9, 9, 9}, row}, nil)
	require.NoError(t, err)

	for i := range row {
		for v := 0; v < 11; v++ {
			assert.InDelta(t, logitAt(t, alone, 0, i, v), logitAt(t, batched, 1, i, v), 1e-5)
		}
	}
}

func TestAttentionMaps(t *testing.T) {
	m := newTinyModel(t)
	idx := [][]int{{1, 2, 3, 4, 5}, {5, 4, 3, 2, 1}}

	maps, err := m.AttentionMaps(idx)
	require.NoError(t, err)
	require.Len(t, maps, 4, "two layers of two heads")

	for _, am := range maps {
		assert.Equal(t, []int{2, 5, 5}, []int(am.Probs.Shape()))
		for b := 0; b < 2; b++ {
			for i := 0; i < 5; i++ {
				var sum float64
				for j := 0; j < 5; j++ {
					v, err := am.Probs.At(b, i, j)
					require.NoError(t, err)
					p := v.(float32)
					if j > i {
						assert.Zero(t, p, "layer %d head %d attends to the future", am.Layer, am.Head)
					}
					sum += float64(p)
				}
				assert.InDelta(t, 1.0, sum, 1e-5)
			}
		}
	}
}

func TestCompile_TrainingGraph(t *testing.T) {
	m := newTinyModel(t)

	g, err := m.Compile(2, 6, WithTraining())
	require.NoError(t, err)
	defer g.Close()

	assert.Len(t, g.Learnables(), len(m.Parameters()))

	x := [][]int{{1, 2, 3, 4, 5, 6}, {2, 3, 4, 5, 6, 7}}
	y := [][]int{{2, 3, 4, 5, 6, 7}, {3, 4, 5, 6, 7, 8}}
	require.NoError(t, g.Run(x, y))

	loss, err := g.Loss()
	require.NoError(t, err)
	assert.Positive(t, loss)
	for _, n := range g.Learnables() {
		grad, err := n.Grad()
		require.NoError(t, err, n.Name())
		assert.NotNil(t, grad, n.Name())
	}

	assert.ErrorIs(t, g.Run(x, nil), ErrShapeMismatch)
	assert.ErrorIs(t, g.Run([][]int{{1, 2, 3, 4, 5, 6}}, y), ErrShapeMismatch)
}

func TestCompile_RejectsLongSequence(t *testing.T) {
	m := newTinyModel(t)
	_, err := m.Compile(1, 7)
	assert.ErrorIs(t, err, ErrSequenceTooLong)
}

func newSampler(t *testing.T, seed uint64) *sample.Sampler {
	t.Helper()
	s, err := sample.New(sample.Config{Temperature: 1, Seed: seed})
	require.NoError(t, err)
	return s
}

func TestGenerate_ShapeAndPrompt(t *testing.T) {
	m := newTinyModel(t)
	prompt := [][]int{{1, 2, 3}, {4, 5, 6}}

	out, err := m.Generate(prompt, 10, newSampler(t, 1))
	require.NoError(t, err)
	require.Len(t, out, 2)
	for b, row := range out {
		assert.Len(t, row, 13)
		assert.Equal(t, prompt[b], row[:3])
		for _, id := range row {
			assert.True(t, id >= 0 && id < 11)
		}
	}
	assert.Equal(t, [][]int{{1, 2, 3}, {4, 5, 6}}, prompt, "prompt must not be modified")
}

func TestGenerate_Seeded(t *testing.T) {
	m := newTinyModel(t)
	prompt := [][]int{{0}}

	a, err := m.Generate(prompt, 12, newSampler(t, 99))
	require.NoError(t, err)
	b, err := m.Generate(prompt, 12, newSampler(t, 99))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestGenerate_FromSingleToken(t *testing.T) {
	m := newTinyModel(t)
	prompt := [][]int{{0}, {5}}

	a, err := m.Generate(prompt, 8, newSampler(t, 3))
	require.NoError(t, err)
	require.Len(t, a, 2)
	for b, row := range a {
		assert.Len(t, row, 9)
		assert.Equal(t, prompt[b][0], row[0])
	}

	b, err := m.Generate(prompt, 8, newSampler(t, 3))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestGenerate_DefaultSampler(t *testing.T) {
	m := newTinyModel(t)

	a, err := m.Generate([][]int{{1, 2}}, 5, nil)
	require.NoError(t, err)
	require.Len(t, a[0], 7)
	assert.Equal(t, []int{1, 2}, a[0][:2])

	b, err := m.Generate([][]int{{1, 2}}, 5, nil)
	require.NoError(t, err)
	assert.Equal(t, a, b, "the default sampler is seeded from the model config")
}

func TestGenerate_LongPromptIsCropped(t *testing.T) {
	m := newTinyModel(t)
	prompt := [][]int{{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}}

	out, err := m.Generate(prompt, 3, newSampler(t, 5))
	require.NoError(t, err)
	assert.Len(t, out[0], 13)
	assert.Equal(t, prompt[0], out[0][:10])
}

// fixedSampler records the logits it is given and always returns the same id.
type fixedSampler struct {
	id   int
	seen [][]float32
}

func (f *fixedSampler) Sample(logits []float32) int {
	f.seen = append(f.seen, append([]float32(nil), logits...))
	return f.id
}

func TestGenerate_UsesLastPositionOfWindow(t *testing.T) {
	m := newTinyModel(t)
	s := &fixedSampler{id: 2}

	out, err := m.Generate([][]int{{1, 2, 3, 4, 5, 6, 7}}, 1, s)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 2}, out[0])

	// The model only ever sees the last block_size tokens.
	ref, err := m.Forward([][]int{{2, 3, 4, 5, 6, 7}}, nil)
	require.NoError(t, err)
	require.Len(t, s.seen, 1)
	for v := 0; v < 11; v++ {
		assert.InDelta(t, logitAt(t, ref, 0, 5, v), s.seen[0][v], 1e-6)
	}
}

func TestGenerate_Errors(t *testing.T) {
	m := newTinyModel(t)

	_, err := m.Generate([][]int{{1}}, -1, newSampler(t, 1))
	assert.Error(t, err)

	_, err = m.Generate([][]int{{12}}, 1, newSampler(t, 1))
	assert.ErrorIs(t, err, ErrTokenOutOfRange)

	_, err = m.Generate([][]int{{1}}, 1, &fixedSampler{id: 11})
	assert.ErrorIs(t, err, ErrTokenOutOfRange)

	out, err := m.Generate([][]int{{1, 2}}, 0, newSampler(t, 1))
	require.NoError(t, err)
	assert.Equal(t, [][]int{{1, 2}}, out)
}
