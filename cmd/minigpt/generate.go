package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"minigpt/internal/checkpoint"
	"minigpt/internal/config"
	"minigpt/internal/sample"
	"minigpt/internal/tokenizer"
)

func runGenerate(args []string) error {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)

	var (
		modelPath = fs.String("model", "", "Path to model file (required)")
		vocabPath = fs.String("vocab", "", "Path to vocab file (required)")
		prompt    = fs.String("prompt", "", "Prompt; each stdin line is used when empty")
		n         = fs.Int("n", 200, "Tokens to generate")
		device    = fs.String("device", string(config.CPU), "Device to load the model on")
	)
	cfg := sample.DefaultConfig()
	fs.Float64Var(&cfg.Temperature, "temp", cfg.Temperature, "Temperature (0 is greedy)")
	fs.IntVar(&cfg.TopK, "topk", 0, "Top-k sampling (0 disables)")
	fs.Float64Var(&cfg.TopP, "topp", 0, "Top-p (nucleus) sampling (0 disables)")
	fs.Uint64Var(&cfg.Seed, "seed", 0, "Sampling seed")

	fs.Parse(args)

	if *modelPath == "" || *vocabPath == "" {
		fmt.Println("Error: -model and -vocab are required")
		fs.PrintDefaults()
		os.Exit(1)
	}

	m, err := checkpoint.LoadFile(*modelPath, config.Device(*device))
	if err != nil {
		return fmt.Errorf("loading model: %w", err)
	}
	tok, err := tokenizer.Load(*vocabPath)
	if err != nil {
		return err
	}
	if tok.VocabSize() != m.Config().VocabSize {
		return fmt.Errorf("vocabulary has %d tokens, model expects %d", tok.VocabSize(), m.Config().VocabSize)
	}
	s, err := sample.New(cfg)
	if err != nil {
		return err
	}

	if *prompt != "" {
		text, err := complete(m, tok, s, normalize(*prompt), *n)
		if err != nil {
			return err
		}
		fmt.Println(text)
		return nil
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := normalize(strings.TrimSpace(scanner.Text()))
		if line == "" {
			continue
		}
		text, err := complete(m, tok, s, line, *n)
		if err != nil {
			return err
		}
		fmt.Println(strings.TrimSpace(text))
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}
	return nil
}
