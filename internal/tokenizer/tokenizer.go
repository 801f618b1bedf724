// Package tokenizer converts between text and the dense token ids the model
// consumes. Both tokenizers derive their vocabulary from a training corpus.
package tokenizer

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"minigpt/internal/config"
)

// Kinds recorded in vocab.json.
const (
	KindChar = "char"
	KindBPE  = "bpe"
)

var (
	// ErrUnknownToken is returned when text contains something outside the
	// vocabulary, or an id is outside [0, VocabSize).
	ErrUnknownToken = errors.New("unknown token")
	ErrEmptyCorpus  = errors.New("empty corpus")
	ErrUnknownKind  = errors.New("unknown tokenizer kind")
)

// Tokenizer maps text to ids in [0, VocabSize) and back.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) (string, error)
	VocabSize() int
	Kind() string
}

// Char is a character-level tokenizer. Ids follow the sorted order of the
// distinct characters of the corpus.
type Char struct {
	toID   map[rune]int
	toChar []rune
}

// NewChar builds the vocabulary from corpus.
func NewChar(corpus string) (*Char, error) {
	if corpus == "" {
		return nil, ErrEmptyCorpus
	}
	seen := make(map[rune]bool)
	var chars []rune
	for _, r := range corpus {
		if !seen[r] {
			seen[r] = true
			chars = append(chars, r)
		}
	}
	slices.Sort(chars)
	return charFromRunes(chars), nil
}

func charFromRunes(chars []rune) *Char {
	c := &Char{toID: make(map[rune]int, len(chars)), toChar: chars}
	for i, r := range chars {
		c.toID[r] = i
	}
	return c
}

func (c *Char) Encode(text string) ([]int, error) {
	ids := make([]int, 0, len(text))
	for _, r := range text {
		id, ok := c.toID[r]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownToken, r)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *Char) Decode(ids []int) (string, error) {
	var sb strings.Builder
	for _, id := range ids {
		if id < 0 || id >= len(c.toChar) {
			return "", fmt.Errorf("%w: id %d", ErrUnknownToken, id)
		}
		sb.WriteRune(c.toChar[id])
	}
	return sb.String(), nil
}

func (c *Char) VocabSize() int { return len(c.toChar) }
func (c *Char) Kind() string   { return KindChar }

// vocabFile is the on-disk form of either tokenizer.
type vocabFile struct {
	Kind     string `json:"kind"`
	Chars    string `json:"chars,omitempty"`
	Encoding string `json:"encoding,omitempty"`
	IDs      []int  `json:"ids,omitempty"`
}

// Save writes tok to path as JSON.
func Save(path string, tok Tokenizer) error {
	var vf vocabFile
	switch t := tok.(type) {
	case *Char:
		vf = vocabFile{Kind: KindChar, Chars: string(t.toChar)}
	case *BPE:
		vf = vocabFile{Kind: KindBPE, Encoding: t.name, IDs: t.ids}
	default:
		return fmt.Errorf("%w: %T", ErrUnknownKind, tok)
	}
	return config.Save(path, vf)
}

// Load reads a tokenizer written by Save.
func Load(path string) (Tokenizer, error) {
	var vf vocabFile
	if err := config.Load(path, &vf); err != nil {
		return nil, fmt.Errorf("loading vocabulary: %w", err)
	}
	switch vf.Kind {
	case KindChar:
		if vf.Chars == "" {
			return nil, ErrEmptyCorpus
		}
		return charFromRunes([]rune(vf.Chars)), nil
	case KindBPE:
		return bpeFromIDs(vf.Encoding, vf.IDs)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, vf.Kind)
	}
}
