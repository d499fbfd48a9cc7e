package bench

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/async/internal/engine"
	"github.com/seantiz/async/internal/model"
	"github.com/seantiz/async/internal/retry"
	"github.com/seantiz/async/internal/store"
	"github.com/seantiz/async/internal/worker"
)

// Kind is the job kind executed by benchmark runs.
const Kind = "bench.unit"

const shutdownTimeout = 10 * time.Second

// ErrIncomplete is returned when a run times out before every job is
// terminal.
var ErrIncomplete = errors.New("benchmark run did not finish")

// unitArgs is the payload of a benchmark job.
type unitArgs struct {
	Seq int `json:"seq"`
}

// tracker records executions and terminal events for one run.
type tracker struct {
	executions []atomic.Int32
	successes  []atomic.Int32

	mu       sync.Mutex
	finished map[string]time.Time
	done     int
	dead     int
	allDone  chan struct{}
	total    int
}

func newTracker(jobs int) *tracker {
	return &tracker{
		executions: make([]atomic.Int32, jobs),
		successes:  make([]atomic.Int32, jobs),
		finished:   make(map[string]time.Time, jobs),
		allDone:    make(chan struct{}),
		total:      jobs,
	}
}

func (t *tracker) observe(ev engine.Event) {
	if !ev.State.Terminal() {
		return
	}
	at := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, seen := t.finished[ev.JobID]; seen {
		return
	}
	t.finished[ev.JobID] = at
	if ev.State == model.StateDone {
		t.done++
	} else {
		t.dead++
	}
	if t.done+t.dead == t.total {
		close(t.allDone)
	}
}

// InProcess returns a RunFunc that runs each benchmark run in the calling
// process.
func InProcess(logger *slog.Logger) RunFunc {
	return func(ctx context.Context, cfg Config) (RunResult, error) {
		return RunOnce(ctx, cfg, logger)
	}
}

// RunOnce performs one run: it opens a fresh database and engine, submits
// cfg.Jobs jobs from cfg.Submitters goroutines and waits for all of them to
// reach a terminal state.
func RunOnce(ctx context.Context, cfg Config, logger *slog.Logger) (RunResult, error) {
	if err := cfg.Validate(); err != nil {
		return RunResult{}, fmt.Errorf("invalid benchmark config: %w", err)
	}

	dir, err := os.MkdirTemp(cfg.Dir, "asyncbench-*")
	if err != nil {
		return RunResult{}, fmt.Errorf("create run dir: %w", err)
	}
	defer os.RemoveAll(dir)

	s, err := store.NewSQLiteStore(filepath.Join(dir, "jobs.db"),
		store.WithRetryPolicy(retry.Policy{MaxAttempts: 3, Backoff: retry.Constant{Interval: time.Millisecond}}),
	)
	if err != nil {
		return RunResult{}, fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	tr := newTracker(cfg.Jobs)
	reg := worker.NewRegistry()
	worker.Register(reg, Kind, func(ctx context.Context, args unitArgs) error {
		if args.Seq < 0 || args.Seq >= cfg.Jobs {
			return fmt.Errorf("sequence %d out of range", args.Seq)
		}
		n := tr.executions[args.Seq].Add(1)
		if cfg.Work > 0 {
			timer := time.NewTimer(cfg.Work)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if cfg.FailEvery > 0 && args.Seq%cfg.FailEvery == 0 && n == 1 {
			return errors.New("injected first-attempt failure")
		}
		tr.successes[args.Seq].Add(1)
		return nil
	})

	eng := engine.New(s, reg, logger,
		engine.WithConcurrency(cfg.Workers),
		engine.WithPollInterval(cfg.PollInterval),
		engine.WithObserver(tr.observe),
	)
	if err := eng.Start(ctx); err != nil {
		return RunResult{}, fmt.Errorf("start engine: %w", err)
	}
	defer func() {
		if err := eng.Shutdown(shutdownTimeout); err != nil {
			logger.Warn("benchmark engine shutdown failed", "error", err)
		}
	}()

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	ids := make([]string, cfg.Jobs)
	submitted := make([]time.Time, cfg.Jobs)
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for w := range cfg.Submitters {
		g.Go(func() error {
			for seq := w; seq < cfg.Jobs; seq += cfg.Submitters {
				env, err := model.NewEnvelope(Kind, unitArgs{Seq: seq})
				if err != nil {
					return err
				}
				submitted[seq] = time.Now()
				id, err := eng.Submit(gctx, env)
				if err != nil {
					return fmt.Errorf("submit job %d: %w", seq, err)
				}
				ids[seq] = id
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return RunResult{}, err
	}

	select {
	case <-tr.allDone:
	case <-ctx.Done():
		tr.mu.Lock()
		finished := tr.done + tr.dead
		tr.mu.Unlock()
		return RunResult{}, fmt.Errorf("%w: %d of %d jobs terminal: %w", ErrIncomplete, finished, cfg.Jobs, ctx.Err())
	}

	return tr.result(cfg, ids, submitted, start, eng.LeaseConflicts()), nil
}

func (t *tracker) result(cfg Config, ids []string, submitted []time.Time, start time.Time, conflicts int64) RunResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	latencies := make([]time.Duration, 0, len(ids))
	var last time.Time
	for seq, id := range ids {
		at, ok := t.finished[id]
		if !ok {
			continue
		}
		latencies = append(latencies, at.Sub(submitted[seq]))
		if at.After(last) {
			last = at
		}
	}
	sortDurations(latencies)

	dup := 0
	for i := range t.successes {
		if t.successes[i].Load() > 1 {
			dup++
		}
	}

	elapsed := last.Sub(start)
	res := RunResult{
		Jobs:       cfg.Jobs,
		Done:       t.done,
		Dead:       t.dead,
		Duplicates: dup,
		ElapsedMS:  toMS(elapsed),
		LatencyP50: percentile(latencies, 50),
		LatencyP95: percentile(latencies, 95),
		LatencyP99: percentile(latencies, 99),
		Conflicts:  conflicts,
	}
	if n := len(latencies); n > 0 {
		res.LatencyMax = toMS(latencies[n-1])
	}
	if elapsed > 0 {
		res.OpsPerSec = float64(cfg.Jobs) / elapsed.Seconds()
	}
	return res
}

// Forked returns a RunFunc that executes every run in a child process by
// invoking exe with args. The child reads the Config as JSON on stdin and
// writes its RunResult as JSON on stdout.
func Forked(exe string, args ...string) RunFunc {
	return func(ctx context.Context, cfg Config) (RunResult, error) {
		in, err := json.Marshal(cfg)
		if err != nil {
			return RunResult{}, fmt.Errorf("encode config: %w", err)
		}

		var stdout, stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, exe, args...)
		cmd.Stdin = bytes.NewReader(in)
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			return RunResult{}, fmt.Errorf("forked run: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
		}

		var res RunResult
		if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
			return RunResult{}, fmt.Errorf("decode forked result: %w", err)
		}
		return res, nil
	}
}

// ServeChild runs a single benchmark run for a parent that called Forked:
// it reads a Config from r and writes the RunResult to w.
func ServeChild(ctx context.Context, r io.Reader, w io.Writer, logger *slog.Logger) error {
	var cfg Config
	if err := json.NewDecoder(r).Decode(&cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	res, err := RunOnce(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return json.NewEncoder(w).Encode(res)
}
