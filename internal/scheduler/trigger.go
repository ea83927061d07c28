package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// Trigger fires a task at canonical wall-clock instants in the station's
// timezone. Instants are station-local midnight + offset + k·period, never
// process-start + k·period: a 5-minute trigger started at 10:07 fires at
// 10:10, 10:15, and so on.
type Trigger struct {
	Name   string
	Period time.Duration
	Offset time.Duration
	Loc    *time.Location

	// Timeout bounds one task run. Serve fires synchronously, so a run
	// that hangs would otherwise stall every later instant; the deadline
	// guarantees the next tick happens. Zero means no deadline.
	Timeout time.Duration

	Task   TaskFunc
	Runner *Runner
	State  *State
	Log    *slog.Logger

	now func() time.Time
}

// String implements fmt.Stringer for the supervisor's logs.
func (t *Trigger) String() string { return "trigger-" + t.Name }

func (t *Trigger) clock() time.Time {
	if t.now != nil {
		return t.now()
	}
	return time.Now()
}

// nextInstant returns the smallest canonical instant strictly after the
// given time.
func (t *Trigger) nextInstant(after time.Time) time.Time {
	local := after.In(t.Loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, t.Loc)
	first := midnight.Add(t.Offset)
	if !first.After(local) {
		k := local.Sub(first)/t.Period + 1
		first = first.Add(k * t.Period)
	}
	return first
}

// prevInstant returns the largest canonical instant at or before the given
// time, or the zero time when none exists today or yesterday.
func (t *Trigger) prevInstant(at time.Time) time.Time {
	next := t.nextInstant(at)
	prev := next.Add(-t.Period)
	for prev.After(at) {
		prev = prev.Add(-t.Period)
	}
	return prev
}

// Serve fires the task at each instant until ctx is canceled. On start it
// checks for instants missed across downtime and fires exactly one catch-up
// regardless of how many were missed.
func (t *Trigger) Serve(ctx context.Context) error {
	now := t.clock()
	if last, ok := t.State.LastFire(t.Name); ok {
		if missed := t.prevInstant(now); missed.After(last) {
			t.Log.Info("catching up missed instant", "trigger", t.Name, "instant", missed)
			t.fire(ctx, missed)
		}
	}

	for {
		next := t.nextInstant(t.clock())
		timer := time.NewTimer(next.Sub(t.clock()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			t.fire(ctx, next)
		}
	}
}

func (t *Trigger) fire(ctx context.Context, instant time.Time) {
	runCtx := ctx
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}
	t.Runner.Run(runCtx, t.Name, t.Task)
	if err := t.State.SetFire(t.Name, instant); err != nil {
		t.Log.Warn("persist trigger state", "trigger", t.Name, "error", err)
	}
}
