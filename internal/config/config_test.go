package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultModelIsValid(t *testing.T) {
	m := DefaultModel(65)
	require.NoError(t, m.Validate())
	assert.Equal(t, 48, m.HeadSize())
}

func TestModelValidate_HeadSize(t *testing.T) {
	m := DefaultModel(65)
	m.NEmbed = 30
	m.NHead = 4

	err := m.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHeadSize)
}

func TestModelValidate_Ranges(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Model)
	}{
		{"vocab", func(m *Model) { m.VocabSize = 0 }},
		{"embed", func(m *Model) { m.NEmbed = -1 }},
		{"block", func(m *Model) { m.BlockSize = 0 }},
		{"heads", func(m *Model) { m.NHead = 0 }},
		{"layers", func(m *Model) { m.NLayer = 0 }},
		{"dropout high", func(m *Model) { m.Dropout = 1 }},
		{"dropout negative", func(m *Model) { m.Dropout = -0.1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := DefaultModel(10)
			tt.mutate(&m)
			assert.ErrorIs(t, m.Validate(), ErrInvalidConfig)
		})
	}
}

func TestModelValidate_Device(t *testing.T) {
	m := DefaultModel(10)
	m.Device = "cuda"
	assert.ErrorIs(t, m.Validate(), ErrUnsupportedDevice)
}

func TestTrainingValidate(t *testing.T) {
	require.NoError(t, DefaultTraining().Validate())

	tr := DefaultTraining()
	tr.TrainSplit = 1
	assert.ErrorIs(t, tr.Validate(), ErrInvalidConfig)

	tr = DefaultTraining()
	tr.EvalIters = 0
	assert.ErrorIs(t, tr.Validate(), ErrInvalidConfig)
}

func TestManifestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	want := Manifest{
		Model:      DefaultModel(42),
		Training:   DefaultTraining(),
		CorpusPath: "input.txt",
		CorpusHash: "abcd",
		Tokenizer:  "char",
	}
	require.NoError(t, Save(path, want))

	var got Manifest
	require.NoError(t, Load(path, &got))
	assert.Equal(t, want, got)
}
