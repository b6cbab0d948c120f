// Package testutil provides shared skip helpers for integration tests.
//
// Each helper calls t.Skip with a clear human-readable reason when the named
// prerequisite is absent, so integration tests remain runnable in partial
// environments without failing noisily.
//
// Typical usage:
//
//	func TestMyIntegration(t *testing.T) {
//	    dir := testutil.RequireCorpusDir(t)
//	    ...
//	}
package testutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// RequireCorpusDir skips the test unless a corpus directory with at least one
// WAV file is available. It checks the VITSFLOW_CORPUS_DIR environment
// variable first, then a corpus/ directory relative to the working directory,
// and returns the directory it found.
func RequireCorpusDir(tb testing.TB) string {
	tb.Helper()

	dir := os.Getenv("VITSFLOW_CORPUS_DIR")
	if dir == "" {
		dir = "corpus"
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		tb.Skipf("corpus directory not available at %q; set VITSFLOW_CORPUS_DIR to override", dir)
	}

	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".wav") {
			return dir
		}
	}

	tb.Skipf("corpus directory %q contains no WAV files", dir)

	return ""
}

// RequireFeatureFile skips the test unless the named safetensors feature file
// exists. Relative paths resolve against VITSFLOW_FEATURES_DIR when set.
func RequireFeatureFile(tb testing.TB, name string) string {
	tb.Helper()

	path := name
	if base := os.Getenv("VITSFLOW_FEATURES_DIR"); base != "" && !filepath.IsAbs(name) {
		path = filepath.Join(base, name)
	}

	_, err := os.Stat(path)
	if err != nil {
		tb.Skipf("feature file not available at %q: %v", path, err)
	}

	return path
}
