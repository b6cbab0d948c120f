package bench

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestComputeStats(t *testing.T) {
	stats := ComputeStats([]time.Duration{
		30 * time.Millisecond,
		10 * time.Millisecond,
		20 * time.Millisecond,
	})

	if stats.Min != 10*time.Millisecond {
		t.Fatalf("min = %v, want 10ms", stats.Min)
	}

	if stats.Max != 30*time.Millisecond {
		t.Fatalf("max = %v, want 30ms", stats.Max)
	}

	if stats.Mean != 20*time.Millisecond {
		t.Fatalf("mean = %v, want 20ms", stats.Mean)
	}
}

func TestComputeStatsEmpty(t *testing.T) {
	if stats := ComputeStats(nil); stats != (Stats{}) {
		t.Fatalf("empty stats = %+v, want zero value", stats)
	}
}

func TestCalcThroughput(t *testing.T) {
	if got := CalcThroughput(100, time.Second); got != 100 {
		t.Fatalf("throughput = %g, want 100", got)
	}

	if got := CalcThroughput(100, 0); got != 0 {
		t.Fatalf("zero-duration throughput = %g, want 0", got)
	}
}

func TestCheckThroughputFloor(t *testing.T) {
	if err := CheckThroughputFloor(50, 0); err != nil {
		t.Fatalf("disabled gate errored: %v", err)
	}

	if err := CheckThroughputFloor(50, 40); err != nil {
		t.Fatalf("passing gate errored: %v", err)
	}

	if err := CheckThroughputFloor(30, 40); err == nil {
		t.Fatal("failing gate passed")
	}
}

func TestFormatJSON(t *testing.T) {
	runs := []RunResult{
		{Index: 0, Cold: true, Duration: 15 * time.Millisecond, Frames: 10, FramesPerSec: 666.7},
	}

	var buf bytes.Buffer
	FormatJSON(runs, ComputeStats([]time.Duration{runs[0].Duration}), &buf)

	var report struct {
		Runs []struct {
			Cold   bool `json:"cold"`
			Frames int  `json:"frames"`
		} `json:"runs"`
		Stats struct {
			MeanMS float64 `json:"mean_ms"`
		} `json:"stats"`
	}

	if err := json.Unmarshal(buf.Bytes(), &report); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}

	if len(report.Runs) != 1 || !report.Runs[0].Cold || report.Runs[0].Frames != 10 {
		t.Fatalf("report runs = %+v", report.Runs)
	}

	if report.Stats.MeanMS != 15 {
		t.Fatalf("mean ms = %g, want 15", report.Stats.MeanMS)
	}
}

func TestFormatTable(t *testing.T) {
	runs := []RunResult{
		{Index: 0, Cold: true, Duration: 12 * time.Millisecond, Frames: 20, FramesPerSec: 1666.7},
		{Index: 1, Duration: 8 * time.Millisecond, Frames: 20, FramesPerSec: 2500},
	}

	var buf bytes.Buffer
	FormatTable(runs, ComputeStats([]time.Duration{runs[0].Duration, runs[1].Duration}), &buf)

	out := buf.String()
	for _, want := range []string{"Run", "Frames/s", "yes", "(mean)"} {
		if !strings.Contains(out, want) {
			t.Fatalf("table output missing %q:\n%s", want, out)
		}
	}
}
