package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/example/go-vits-flow/internal/audio"
	"github.com/example/go-vits-flow/internal/config"
	"github.com/example/go-vits-flow/internal/fbank"
	"github.com/example/go-vits-flow/internal/safetensors"
	"github.com/spf13/cobra"
)

func newFbankCmd() *cobra.Command {
	var (
		corpusDir string
		outputDir string
	)

	cmd := &cobra.Command{
		Use:   "fbank",
		Short: "Extract log-mel filterbank features from a WAV corpus",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if corpusDir == "" {
				corpusDir = cfg.Paths.CorpusDir
			}
			if outputDir == "" {
				outputDir = cfg.Paths.OutputDir
			}

			return runFbank(cfg, corpusDir, outputDir)
		},
	}

	cmd.Flags().StringVar(&corpusDir, "corpus", "", "Corpus directory (overrides config)")
	cmd.Flags().StringVar(&outputDir, "out", "", "Output directory (overrides config)")

	return cmd
}

// manifestEntry records one extracted utterance in manifest.json.
type manifestEntry struct {
	Name   string `json:"name"`
	Source string `json:"source"`
	Frames int    `json:"frames"`
	Bins   int    `json:"bins"`
}

func runFbank(cfg config.Config, corpusDir, outputDir string) error {
	paths, err := listWAVFiles(corpusDir)
	if err != nil {
		return err
	}

	if len(paths) == 0 {
		return fmt.Errorf("no WAV files found under %q", corpusDir)
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	workers := cfg.Runtime.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(paths) {
		workers = len(paths)
	}

	slog.Info("extracting features",
		"corpus", corpusDir,
		"files", len(paths),
		"workers", workers,
		"bins", cfg.Fbank.NumBins,
	)

	jobs := make(chan string)
	results := make(chan extractResult)

	var wg sync.WaitGroup

	for range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			// Extractors carry scratch buffers, so each worker owns one.
			ex, err := fbank.NewExtractor(fbank.Config{
				SampleRate:  cfg.Fbank.SampleRate,
				FrameLength: cfg.Fbank.FrameLength,
				FrameShift:  cfg.Fbank.FrameShift,
				NumBins:     cfg.Fbank.NumBins,
				LowFreq:     cfg.Fbank.LowFreq,
				HighFreq:    cfg.Fbank.HighFreq,
			})
			if err != nil {
				for path := range jobs {
					results <- extractResult{err: fmt.Errorf("%s: %w", path, err)}
				}

				return
			}

			for path := range jobs {
				results <- extractOne(ex, cfg, path)
			}
		}()
	}

	go func() {
		for _, p := range paths {
			jobs <- p
		}

		close(jobs)
		wg.Wait()
		close(results)
	}()

	var (
		tensors  []safetensors.Tensor
		manifest []manifestEntry
		firstErr error
	)

	for res := range results {
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}

			slog.Error("extraction failed", "error", res.err)

			continue
		}

		tensors = append(tensors, res.tensor)
		manifest = append(manifest, res.entry)
	}

	if firstErr != nil {
		return firstErr
	}

	sort.Slice(manifest, func(i, j int) bool { return manifest[i].Name < manifest[j].Name })

	featPath := filepath.Join(outputDir, "features.safetensors")
	if err := safetensors.WriteFile(featPath, tensors); err != nil {
		return err
	}

	manifestPath := filepath.Join(outputDir, "manifest.json")

	body, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	if err := os.WriteFile(manifestPath, append(body, '\n'), 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	slog.Info("features written", "path", featPath, "utterances", len(manifest))

	return nil
}

type extractResult struct {
	tensor safetensors.Tensor
	entry  manifestEntry
	err    error
}

func extractOne(ex *fbank.Extractor, cfg config.Config, path string) extractResult {
	data, err := os.ReadFile(path)
	if err != nil {
		return extractResult{err: fmt.Errorf("%s: %w", path, err)}
	}

	samples, rate, err := audio.DecodeWAV(data)
	if err != nil {
		return extractResult{err: fmt.Errorf("%s: %w", path, err)}
	}

	samples, err = audio.Resample(samples, rate, cfg.Fbank.SampleRate)
	if err != nil {
		return extractResult{err: fmt.Errorf("%s: %w", path, err)}
	}

	feats, err := ex.Extract(samples)
	if err != nil {
		return extractResult{err: fmt.Errorf("%s: %w", path, err)}
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	shape := feats.Shape()

	return extractResult{
		tensor: safetensors.Tensor{
			Name:  name,
			Shape: shape,
			Data:  feats.Data(),
		},
		entry: manifestEntry{
			Name:   name,
			Source: path,
			Frames: int(shape[0]),
			Bins:   int(shape[1]),
		},
	}
}

func listWAVFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read corpus dir: %w", err)
	}

	var paths []string

	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".wav") {
			continue
		}

		paths = append(paths, filepath.Join(dir, e.Name()))
	}

	sort.Strings(paths)

	return paths, nil
}
