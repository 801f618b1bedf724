package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minigpt/internal/config"
	"minigpt/internal/model"
	"minigpt/internal/sample"
	"minigpt/internal/tokenizer"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "hello world\nthe end", normalize("Hello   World\nThe \t End"))
	assert.Equal(t, "a b\n\nc", normalize("  A   b \n\n c "))
}

func TestCorpusHash(t *testing.T) {
	a := corpusHash("abc")
	assert.Len(t, a, 16)
	assert.Equal(t, a, corpusHash("abc"))
	assert.NotEqual(t, a, corpusHash("abd"))
}

func TestNewTokenizer(t *testing.T) {
	tok, err := newTokenizer(tokenizer.KindChar, "abc")
	require.NoError(t, err)
	assert.Equal(t, 3, tok.VocabSize())

	_, err = newTokenizer("words", "abc")
	assert.ErrorIs(t, err, tokenizer.ErrUnknownKind)
}

func TestComplete(t *testing.T) {
	tok, err := tokenizer.NewChar(demoCorpus)
	require.NoError(t, err)

	cfg := config.DefaultModel(tok.VocabSize())
	cfg.NEmbed, cfg.BlockSize, cfg.NHead, cfg.NLayer = 8, 8, 2, 1
	m, err := model.New(cfg)
	require.NoError(t, err)

	s, err := sample.New(sample.Config{Temperature: 1, Seed: 1})
	require.NoError(t, err)

	text, err := complete(m, tok, s, "the", 12)
	require.NoError(t, err)
	assert.Len(t, []rune(text), 12)

	_, err = complete(m, tok, s, "", 5)
	assert.Error(t, err)
}
