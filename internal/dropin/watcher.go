// Package dropin watches the operator control surfaces under drops/: the
// override queue, the force-break trigger and the generation kill switch.
package dropin

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/haywire-radio/haywire/internal/config"
)

// settleDelay gives a file moved into queue/ time to finish landing before
// it is processed.
const settleDelay = 200 * time.Millisecond

// Engine is the slice of the control client the watcher needs.
type Engine interface {
	Push(ctx context.Context, queue, path string) (string, error)
}

// Watcher translates filesystem events into engine overrides.
type Watcher struct {
	cfg    *config.Config
	engine Engine
	log    *slog.Logger
	sleep  func(d time.Duration)
}

// New creates a Watcher.
func New(cfg *config.Config, eng Engine, log *slog.Logger) *Watcher {
	return &Watcher{cfg: cfg, engine: eng, log: log, sleep: time.Sleep}
}

// String implements fmt.Stringer for the supervisor's logs.
func (w *Watcher) String() string { return "dropin-watcher" }

// Serve watches the drops directory until ctx is canceled. Files already
// sitting in queue/ at startup (dropped while the process was down) are
// processed first.
func (w *Watcher) Serve(ctx context.Context) error {
	queueDir := w.cfg.Paths.DropQueueDir()
	for _, dir := range []string{queueDir, w.cfg.Paths.DropProcessedDir(), filepath.Dir(w.cfg.Paths.ForceBreakTrigger())} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("dropin: ensure %s: %w", dir, err)
		}
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("dropin: create watcher: %w", err)
	}
	defer fw.Close()

	forceBreakDir := filepath.Dir(w.cfg.Paths.ForceBreakTrigger())
	dropsDir := filepath.Dir(w.cfg.Paths.KillGeneration())
	for _, dir := range []string{queueDir, dropsDir, forceBreakDir} {
		if err := fw.Add(dir); err != nil {
			return fmt.Errorf("dropin: watch %s: %w", dir, err)
		}
	}

	w.sweepQueue(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, event)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}
	switch {
	case filepath.Dir(event.Name) == w.cfg.Paths.DropQueueDir():
		w.sleep(settleDelay)
		w.processDrop(ctx, event.Name)
	case event.Name == w.cfg.Paths.ForceBreakTrigger():
		// The trigger file IS the flag. The scheduler reads it on its next
		// tick and the recorder removes it once a break starts.
		w.log.Info("force-break trigger set")
	case event.Name == w.cfg.Paths.KillGeneration():
		w.log.Info("generation kill switch set")
	}
}

// sweepQueue processes files that were dropped while the watcher was down.
func (w *Watcher) sweepQueue(ctx context.Context) {
	entries, err := os.ReadDir(w.cfg.Paths.DropQueueDir())
	if err != nil {
		w.log.Warn("sweep drop queue", "error", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		w.processDrop(ctx, filepath.Join(w.cfg.Paths.DropQueueDir(), entry.Name()))
	}
}

// processDrop moves the file to processed/ FIRST, then pushes the new path.
// Pushing before the move hands the engine a path that is about to vanish
// under it.
func (w *Watcher) processDrop(ctx context.Context, path string) {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return
	}
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return
	}

	dst := filepath.Join(w.cfg.Paths.DropProcessedDir(), name)
	if err := os.Rename(path, dst); err != nil {
		w.log.Warn("move drop to processed", "path", path, "error", err)
		return
	}

	rid, err := w.engine.Push(ctx, w.cfg.Engine.OverrideQueue, dst)
	if err != nil {
		w.log.Error("push override", "path", dst, "error", err)
		return
	}
	w.log.Info("override queued", "path", dst, "rid", rid)
}
