// Package bench measures end-to-end engine throughput: jobs are submitted
// concurrently and timed from submission until they reach a terminal state.
//
// A benchmark is a number of warm-up runs followed by measured iterations.
// Every run gets a fresh engine over a fresh database, either in the calling
// process or in a forked child process.
package bench

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Config describes a benchmark.
type Config struct {
	Jobs         int           `json:"jobs"`
	Submitters   int           `json:"submitters"`
	Workers      int           `json:"workers"`
	Warmups      int           `json:"warmups"`
	Iterations   int           `json:"iterations"`
	Work         time.Duration `json:"work_ns"`
	FailEvery    int           `json:"fail_every"`
	PollInterval time.Duration `json:"poll_interval_ns"`
	Timeout      time.Duration `json:"timeout_ns"`
	// Dir is where per-run databases are created; empty uses the system
	// temporary directory.
	Dir string `json:"dir,omitempty"`
}

// DefaultConfig returns 2 warm-ups and 3 iterations of 1000 jobs from 10
// submitters on 8 workers.
func DefaultConfig() Config {
	return Config{
		Jobs:         1000,
		Submitters:   10,
		Workers:      8,
		Warmups:      2,
		Iterations:   3,
		PollInterval: 50 * time.Millisecond,
		Timeout:      2 * time.Minute,
	}
}

// Validate reports whether the configuration can be run.
func (c Config) Validate() error {
	switch {
	case c.Jobs < 1:
		return errors.New("jobs must be at least 1")
	case c.Submitters < 1:
		return errors.New("submitters must be at least 1")
	case c.Workers < 1:
		return errors.New("workers must be at least 1")
	case c.Iterations < 1:
		return errors.New("iterations must be at least 1")
	case c.Warmups < 0:
		return errors.New("warmups must not be negative")
	case c.Work < 0:
		return errors.New("work must not be negative")
	case c.FailEvery < 0:
		return errors.New("fail_every must not be negative")
	}
	return nil
}

// RunResult is the measurement of a single run.
type RunResult struct {
	Iteration  int     `json:"iteration"`
	Warmup     bool    `json:"warmup"`
	Jobs       int     `json:"jobs"`
	Done       int     `json:"done"`
	Dead       int     `json:"dead"`
	Duplicates int     `json:"duplicates"`
	ElapsedMS  float64 `json:"elapsed_ms"`
	OpsPerSec  float64 `json:"ops_per_sec"`
	LatencyP50 float64 `json:"latency_p50_ms"`
	LatencyP95 float64 `json:"latency_p95_ms"`
	LatencyP99 float64 `json:"latency_p99_ms"`
	LatencyMax float64 `json:"latency_max_ms"`
	Conflicts  int64   `json:"lease_conflicts"`
}

// Summary aggregates the measured (non warm-up) runs.
type Summary struct {
	Runs          int     `json:"runs"`
	MeanOpsPerSec float64 `json:"mean_ops_per_sec"`
	StdDevOps     float64 `json:"stddev_ops_per_sec"`
	MinOpsPerSec  float64 `json:"min_ops_per_sec"`
	MaxOpsPerSec  float64 `json:"max_ops_per_sec"`
	MeanP99MS     float64 `json:"mean_latency_p99_ms"`
	Duplicates    int     `json:"duplicates"`
}

// Report is the machine-readable result of a benchmark.
type Report struct {
	Benchmark  string      `json:"benchmark"`
	Forked     bool        `json:"forked"`
	Config     Config      `json:"config"`
	Runs       []RunResult `json:"runs"`
	Summary    Summary     `json:"summary"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
}

// RunFunc performs one run against a fresh engine and database.
type RunFunc func(ctx context.Context, cfg Config) (RunResult, error)

// Run executes cfg.Warmups warm-up runs and cfg.Iterations measured runs
// with run and summarizes the measured ones.
func Run(ctx context.Context, cfg Config, run RunFunc, logger *slog.Logger) (*Report, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid benchmark config: %w", err)
	}

	report := &Report{
		Benchmark: "submit_to_terminal",
		Config:    cfg,
		StartedAt: time.Now().UTC(),
	}

	total := cfg.Warmups + cfg.Iterations
	for i := 0; i < total; i++ {
		warmup := i < cfg.Warmups
		iteration := i + 1
		if !warmup {
			iteration = i - cfg.Warmups + 1
		}

		res, err := run(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("run %d: %w", i+1, err)
		}
		res.Iteration = iteration
		res.Warmup = warmup
		report.Runs = append(report.Runs, res)

		logger.Info("benchmark run finished",
			"warmup", warmup,
			"iteration", iteration,
			"ops_per_sec", res.OpsPerSec,
			"latency_p99_ms", res.LatencyP99,
			"duplicates", res.Duplicates,
		)
	}

	report.Summary = Summarize(report.Runs)
	report.FinishedAt = time.Now().UTC()
	return report, nil
}

// Summarize aggregates the measured runs in runs.
func Summarize(runs []RunResult) Summary {
	var s Summary
	var ops []float64
	var p99 float64
	for _, r := range runs {
		if r.Warmup {
			continue
		}
		ops = append(ops, r.OpsPerSec)
		p99 += r.LatencyP99
		s.Duplicates += r.Duplicates
	}
	s.Runs = len(ops)
	if s.Runs == 0 {
		return s
	}

	s.MinOpsPerSec, s.MaxOpsPerSec = ops[0], ops[0]
	var sum float64
	for _, v := range ops {
		sum += v
		s.MinOpsPerSec = math.Min(s.MinOpsPerSec, v)
		s.MaxOpsPerSec = math.Max(s.MaxOpsPerSec, v)
	}
	s.MeanOpsPerSec = sum / float64(s.Runs)
	s.MeanP99MS = p99 / float64(s.Runs)

	if s.Runs > 1 {
		var sq float64
		for _, v := range ops {
			sq += (v - s.MeanOpsPerSec) * (v - s.MeanOpsPerSec)
		}
		s.StdDevOps = math.Sqrt(sq / float64(s.Runs-1))
	}
	return s
}

// WriteJSON writes the report as indented JSON to path, creating parent
// directories as needed.
func WriteJSON(path string, report *Report) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create results dir: %w", err)
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// percentile returns the nearest-rank p-th percentile of sorted in
// milliseconds. sorted must be ascending.
func percentile(sorted []time.Duration, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p * float64(len(sorted)) / 100))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return toMS(sorted[rank-1])
}

func toMS(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func sortDurations(ds []time.Duration) {
	sort.Slice(ds, func(i, j int) bool { return ds[i] < ds[j] })
}
