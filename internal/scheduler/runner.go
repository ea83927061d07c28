package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/haywire-radio/haywire/internal/observe"
)

// ErrSkipped marks a task run that decided not to act. Recorded as status
// "skipped" rather than a failure.
var ErrSkipped = errors.New("scheduler: task skipped")

// TaskFunc is one single-shot task run. The returned string is the output
// artifact path or a short detail, empty when there is none.
type TaskFunc func(ctx context.Context) (string, error)

// jobRecord is one line of logs/jobs.jsonl.
type jobRecord struct {
	TS         string  `json:"ts"`
	Task       string  `json:"task"`
	Status     string  `json:"status"`
	DurationMS float64 `json:"duration_ms"`
	Error      string  `json:"error,omitempty"`
	Output     string  `json:"output,omitempty"`
}

// Runner executes tasks with panic isolation and writes one JSON line per
// run to the jobs log.
type Runner struct {
	log     *slog.Logger
	jobsLog string
	metrics *observe.Metrics
	now     func() time.Time

	mu sync.Mutex
}

// NewRunner creates a Runner appending to jobsLog.
func NewRunner(jobsLog string, log *slog.Logger) *Runner {
	return &Runner{log: log, jobsLog: jobsLog, metrics: observe.DefaultMetrics(), now: time.Now}
}

// Run executes fn under panic recovery, logs the outcome and appends the
// jobs-log line. A task failure never propagates: the supervisor's next tick
// must fire regardless.
func (r *Runner) Run(ctx context.Context, task string, fn TaskFunc) {
	started := r.now()
	output, err := r.invoke(ctx, task, fn)
	elapsed := r.now().Sub(started)

	rec := jobRecord{
		TS:         started.UTC().Format(time.RFC3339),
		Task:       task,
		Status:     "ok",
		DurationMS: float64(elapsed) / float64(time.Millisecond),
		Output:     output,
	}
	switch {
	case err == nil:
		r.log.Info("task ok", "task", task, "duration", elapsed, "output", output)
	case errors.Is(err, ErrSkipped):
		rec.Status = "skipped"
		r.log.Info("task skipped", "task", task, "duration", elapsed)
	default:
		rec.Status = "fail"
		rec.Error = err.Error()
		r.log.Error("task failed", "task", task, "duration", elapsed, "error", err)
	}

	r.metrics.RecordTaskRun(ctx, task, rec.Status)
	if err := r.append(rec); err != nil {
		r.log.Warn("append jobs log", "error", err)
	}
}

func (r *Runner) invoke(ctx context.Context, task string, fn TaskFunc) (output string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task %s panicked: %v", task, p)
		}
	}()
	return fn(ctx)
}

func (r *Runner) append(rec jobRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(r.jobsLog), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(r.jobsLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}
