package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"minigpt/internal/checkpoint"
	"minigpt/internal/config"
	"minigpt/internal/metrics"
	"minigpt/internal/model"
	"minigpt/internal/sample"
	"minigpt/internal/tokenizer"
	"minigpt/internal/train"
)

type trainFlags struct {
	corpus      string
	out         string
	tokenizer   string
	metricsAddr string
	model       config.Model
	training    config.Training
}

func runTrain(args []string) error {
	fs := flag.NewFlagSet("train", flag.ExitOnError)

	f := trainFlags{model: config.DefaultModel(0), training: config.DefaultTraining()}
	fs.StringVar(&f.corpus, "corpus", "", "Path to training corpus (required)")
	fs.StringVar(&f.out, "out", "", "Output directory for model (required)")
	fs.StringVar(&f.tokenizer, "tokenizer", tokenizer.KindChar, "Tokenizer: char or bpe")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	registerModelFlags(fs, &f.model)
	registerTrainingFlags(fs, &f.training)

	fs.Parse(args)

	if f.corpus == "" || f.out == "" {
		fmt.Println("Error: -corpus and -out are required")
		fs.PrintDefaults()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return trainModel(ctx, f)
}

func registerModelFlags(fs *flag.FlagSet, m *config.Model) {
	fs.IntVar(&m.NEmbed, "n-embed", m.NEmbed, "Embedding dimension")
	fs.IntVar(&m.BlockSize, "block-size", m.BlockSize, "Context length")
	fs.IntVar(&m.NHead, "n-head", m.NHead, "Attention heads per block")
	fs.IntVar(&m.NLayer, "n-layer", m.NLayer, "Transformer blocks")
	fs.Float64Var(&m.Dropout, "dropout", m.Dropout, "Dropout probability")
	fs.Uint64Var(&m.Seed, "init-seed", m.Seed, "Parameter initialization seed")
}

func registerTrainingFlags(fs *flag.FlagSet, t *config.Training) {
	fs.IntVar(&t.BatchSize, "batch", t.BatchSize, "Batch size")
	fs.IntVar(&t.MaxIters, "iters", t.MaxIters, "Optimizer steps")
	fs.Float64Var(&t.LearningRate, "lr", t.LearningRate, "Learning rate")
	fs.IntVar(&t.EvalInterval, "eval-interval", t.EvalInterval, "Steps between loss estimates")
	fs.IntVar(&t.EvalIters, "eval-iters", t.EvalIters, "Batches per loss estimate")
	fs.Float64Var(&t.Clip, "clip", t.Clip, "Gradient clipping (0 disables)")
	fs.Uint64Var(&t.Seed, "seed", t.Seed, "Batch sampling seed")
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server: %v", err)
		}
	}()
}

func trainModel(ctx context.Context, f trainFlags) error {
	fmt.Printf("🤖 minigpt training\n")
	fmt.Printf("===================\n\n")

	if err := os.MkdirAll(f.out, 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	fmt.Printf("📚 Loading corpus from %s...\n", f.corpus)
	corpus, err := loadCorpus(f.corpus)
	if err != nil {
		return fmt.Errorf("loading corpus: %w", err)
	}
	hash := corpusHash(corpus)
	fmt.Printf("   Corpus length: %d characters\n", len(corpus))
	fmt.Printf("   Corpus hash: %s\n", hash)

	fmt.Printf("\n📝 Building %s vocabulary...\n", f.tokenizer)
	tok, err := newTokenizer(f.tokenizer, corpus)
	if err != nil {
		return err
	}
	tokens, err := tok.Encode(corpus)
	if err != nil {
		return err
	}
	fmt.Printf("   Vocabulary size: %d\n", tok.VocabSize())
	fmt.Printf("   Tokens: %d\n", len(tokens))

	f.model.VocabSize = tok.VocabSize()
	m, err := model.New(f.model)
	if err != nil {
		return err
	}
	data, err := train.NewDataset(tokens, f.training.TrainSplit, f.model.BlockSize)
	if err != nil {
		return err
	}

	fmt.Printf("\n🧠 Model configuration:\n")
	fmt.Printf("   Parameters: %d\n", m.NumParams())
	fmt.Printf("   Blocks: %d, heads: %d, embedding: %d, context: %d\n",
		f.model.NLayer, f.model.NHead, f.model.NEmbed, f.model.BlockSize)

	var rec *metrics.Recorder
	if f.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		rec = metrics.New(reg)
		serveMetrics(f.metricsAddr, reg)
		fmt.Printf("   Metrics: http://%s/metrics\n", f.metricsAddr)
	}

	tr, err := train.New(m, data, f.training, train.Options{
		Progress: os.Stderr,
		Log:      os.Stdout,
		Metrics:  rec,
	})
	if err != nil {
		return err
	}
	defer tr.Close()

	fmt.Printf("\n🏋️  Training for %d steps...\n", f.training.MaxIters)
	history, err := tr.Run(ctx)
	if errors.Is(err, context.Canceled) {
		fmt.Printf("\n   Interrupted, saving what was learned so far\n")
	} else if err != nil {
		return err
	}

	if last, ok := lastEval(history); ok {
		fmt.Printf("\n✅ Training complete!\n")
		fmt.Printf("   Final validation loss: %.4f\n", last.ValLoss)
		fmt.Printf("   Final perplexity: %.2f\n", last.Perplexity)
	}

	modelPath := filepath.Join(f.out, "model.gob")
	if err := checkpoint.SaveFile(modelPath, m); err != nil {
		return fmt.Errorf("saving model: %w", err)
	}
	fmt.Printf("💾 Model saved to: %s\n", modelPath)

	vocabPath := filepath.Join(f.out, "vocab.json")
	if err := tokenizer.Save(vocabPath, tok); err != nil {
		return fmt.Errorf("saving vocabulary: %w", err)
	}
	fmt.Printf("📝 Vocabulary saved to: %s\n", vocabPath)

	manifestPath := filepath.Join(f.out, "manifest.json")
	manifest := config.Manifest{
		Model:      f.model,
		Training:   f.training,
		CorpusPath: f.corpus,
		CorpusHash: hash,
		Tokenizer:  tok.Kind(),
		TrainedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	if err := config.Save(manifestPath, manifest); err != nil {
		return fmt.Errorf("saving manifest: %w", err)
	}
	fmt.Printf("📋 Manifest saved to: %s\n", manifestPath)

	metricsPath := filepath.Join(f.out, "metrics.json")
	if err := train.SaveHistory(metricsPath, history); err != nil {
		return fmt.Errorf("saving metrics: %w", err)
	}
	fmt.Printf("📊 Metrics saved to: %s\n", metricsPath)

	fmt.Printf("\n🎲 Quick quality test:\n")
	s, err := sample.New(sample.Config{Temperature: 0.8, TopK: 20, Seed: f.training.Seed})
	if err != nil {
		return err
	}
	quickTest(m, tok, s, rec, []string{"the", "and", "in", "to"})

	fmt.Printf("\n🚀 Use the model with:\n")
	fmt.Printf("   echo \"your prompt\" | minigpt generate -model %s -vocab %s\n", modelPath, vocabPath)
	return nil
}

func lastEval(history []train.Eval) (train.Eval, bool) {
	if len(history) == 0 {
		return train.Eval{}, false
	}
	return history[len(history)-1], true
}

const quickTestTokens = 30

func quickTest(m *model.Model, tok tokenizer.Tokenizer, s *sample.Sampler, rec *metrics.Recorder, prefixes []string) {
	for _, prefix := range prefixes {
		text, err := complete(m, tok, s, prefix, quickTestTokens)
		if err != nil {
			fmt.Printf("   %q → error: %v\n", prefix, err)
			continue
		}
		rec.AddGenerated(quickTestTokens)
		fmt.Printf("   %q → %q\n", prefix, prefix+text)
	}
}
