package tokenizer

import (
	"fmt"
	"slices"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is the tiktoken encoding used when none is named.
const DefaultEncoding = "cl100k_base"

// BPE splits text with a tiktoken encoding and keeps only the pieces that
// occur in the corpus, renumbered densely. The model's vocabulary therefore
// stays corpus-sized instead of the encoding's ~100k entries.
type BPE struct {
	encoding *tiktoken.Tiktoken
	name     string
	// ids[dense] is the tiktoken id; toDense is the inverse.
	ids     []int
	toDense map[int]int
}

// NewBPE loads the named encoding and builds the vocabulary from corpus.
// Loading an encoding may download its rank file on first use.
func NewBPE(encoding, corpus string) (*BPE, error) {
	if corpus == "" {
		return nil, ErrEmptyCorpus
	}
	enc, err := loadEncoding(encoding)
	if err != nil {
		return nil, err
	}

	pieces := enc.Encode(corpus, nil, nil)
	ids := slices.Clone(pieces)
	slices.Sort(ids)
	ids = slices.Compact(ids)
	return newBPE(enc, encoding, ids), nil
}

func bpeFromIDs(encoding string, ids []int) (*BPE, error) {
	if len(ids) == 0 {
		return nil, ErrEmptyCorpus
	}
	enc, err := loadEncoding(encoding)
	if err != nil {
		return nil, err
	}
	return newBPE(enc, encoding, ids), nil
}

func loadEncoding(name string) (*tiktoken.Tiktoken, error) {
	if name == "" {
		name = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, fmt.Errorf("failed to load tiktoken encoding %q: %w", name, err)
	}
	return enc, nil
}

func newBPE(enc *tiktoken.Tiktoken, name string, ids []int) *BPE {
	if name == "" {
		name = DefaultEncoding
	}
	b := &BPE{encoding: enc, name: name, ids: ids, toDense: make(map[int]int, len(ids))}
	for i, id := range ids {
		b.toDense[id] = i
	}
	return b
}

func (b *BPE) Encode(text string) ([]int, error) {
	pieces := b.encoding.Encode(text, nil, nil)
	out := make([]int, len(pieces))
	for i, p := range pieces {
		id, ok := b.toDense[p]
		if !ok {
			return nil, fmt.Errorf("%w: %q is not in the corpus vocabulary",
				ErrUnknownToken, b.encoding.Decode([]int{p}))
		}
		out[i] = id
	}
	return out, nil
}

func (b *BPE) Decode(ids []int) (string, error) {
	pieces := make([]int, len(ids))
	for i, id := range ids {
		if id < 0 || id >= len(b.ids) {
			return "", fmt.Errorf("%w: id %d", ErrUnknownToken, id)
		}
		pieces[i] = b.ids[id]
	}
	return b.encoding.Decode(pieces), nil
}

func (b *BPE) VocabSize() int { return len(b.ids) }
func (b *BPE) Kind() string   { return KindBPE }

// Encoding returns the tiktoken encoding name.
func (b *BPE) Encoding() string { return b.name }
