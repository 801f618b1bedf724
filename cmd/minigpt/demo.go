package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"minigpt/internal/config"
	"minigpt/internal/model"
	"minigpt/internal/sample"
	"minigpt/internal/tokenizer"
	"minigpt/internal/train"
)

// demoCorpus is a handful of simple sentences for the model to learn.
const demoCorpus = `the quick brown fox jumps over the lazy dog. the cat sat on the mat. hello world! how are you today? the sun is shining bright. birds are singing in the trees. life is beautiful and full of wonder. the ocean waves crash against the shore. mountains stand tall and proud. rivers flow gently through the valleys. flowers bloom in spring. winter brings snow and ice. summer is warm and sunny. autumn leaves fall gently. time moves forward always. love conquers all fears. hope lights the way. dreams come true sometimes. hard work pays off. knowledge is power indeed.`

func runDemo(args []string) error {
	fs := flag.NewFlagSet("demo", flag.ExitOnError)
	iters := fs.Int("iters", 300, "Optimizer steps")
	fs.Parse(args)

	fmt.Println("🤖 minigpt - decoder-only transformer demo")
	fmt.Println("==========================================")
	fmt.Printf("Training corpus length: %d characters\n", len(demoCorpus))

	fmt.Println("\n📝 Building vocabulary...")
	tok, err := tokenizer.NewChar(demoCorpus)
	if err != nil {
		return err
	}
	tokens, err := tok.Encode(demoCorpus)
	if err != nil {
		return err
	}
	fmt.Printf("Vocabulary size: %d\n", tok.VocabSize())
	fmt.Printf("First 20 tokens: %v\n", tokens[:min(20, len(tokens))])

	cfg := config.Model{
		VocabSize: tok.VocabSize(),
		NEmbed:    32,
		BlockSize: 16,
		NHead:     4,
		NLayer:    2,
		Dropout:   0.1,
		Device:    config.CPU,
		Seed:      1337,
	}
	m, err := model.New(cfg)
	if err != nil {
		return err
	}
	fmt.Println("\n🧠 Initializing model...")
	fmt.Printf("Model parameters: %d\n", m.NumParams())

	tcfg := config.DefaultTraining()
	tcfg.BatchSize = 16
	tcfg.MaxIters = *iters
	tcfg.LearningRate = 3e-3
	tcfg.EvalInterval = 50
	tcfg.EvalIters = 5

	data, err := train.NewDataset(tokens, tcfg.TrainSplit, cfg.BlockSize)
	if err != nil {
		return err
	}
	tr, err := train.New(m, data, tcfg, train.Options{Progress: os.Stderr, Log: os.Stdout})
	if err != nil {
		return err
	}
	defer tr.Close()

	fmt.Println("\n🏋️ Training model...")
	if _, err := tr.Run(context.Background()); err != nil {
		return fmt.Errorf("training failed: %w", err)
	}

	s, err := sample.New(sample.Config{Temperature: 0.8, Seed: 42})
	if err != nil {
		return err
	}
	fmt.Println("\n💬 Autocomplete examples:")
	for _, prefix := range []string{"the", "h", "cat", "sun"} {
		text, err := complete(m, tok, s, prefix, 40)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}
		fmt.Printf("\nPrefix: %q\nAutocomplete: %q\n", prefix, prefix+text)
	}

	fmt.Println("\n✅ minigpt demonstration complete!")
	return nil
}
