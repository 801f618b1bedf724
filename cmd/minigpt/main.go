// Command minigpt trains a small GPT language model on a text corpus and
// samples from it.
package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/cespare/xxhash/v2"

	"minigpt/internal/model"
	"minigpt/internal/sample"
	"minigpt/internal/tokenizer"
)

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "train":
		err = runTrain(os.Args[2:])
	case "generate":
		err = runGenerate(os.Args[2:])
	case "demo":
		err = runDemo(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func printUsage() {
	fmt.Println("minigpt - decoder-only transformer language model")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  minigpt train -corpus FILE -out DIR [options]")
	fmt.Println("  minigpt generate -model FILE -vocab FILE [-prompt TEXT] [options]")
	fmt.Println("  minigpt demo")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  train     Train a new model from a text corpus")
	fmt.Println("  generate  Continue a prompt, or each line of stdin")
	fmt.Println("  demo      Train a tiny model on a built-in corpus and sample from it")
}

// loadCorpus reads path, lowercases it and collapses runs of whitespace
// inside each line.
func loadCorpus(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return normalize(string(data)), nil
}

func normalize(text string) string {
	lines := strings.Split(strings.ToLower(text), "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	return strings.Join(lines, "\n")
}

func corpusHash(corpus string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(corpus))
}

func newTokenizer(kind, corpus string) (tokenizer.Tokenizer, error) {
	switch kind {
	case tokenizer.KindChar:
		return tokenizer.NewChar(corpus)
	case tokenizer.KindBPE:
		return tokenizer.NewBPE(tokenizer.DefaultEncoding, corpus)
	default:
		return nil, fmt.Errorf("%w: %q", tokenizer.ErrUnknownKind, kind)
	}
}

// complete encodes prompt, generates n tokens and returns only the new text.
func complete(m *model.Model, tok tokenizer.Tokenizer, s *sample.Sampler, prompt string, n int) (string, error) {
	ids, err := tok.Encode(prompt)
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", fmt.Errorf("prompt %q encodes to no tokens", prompt)
	}
	out, err := m.Generate([][]int{ids}, n, s)
	if err != nil {
		return "", err
	}
	return tok.Decode(out[0][len(ids):])
}
