// Package recorder handles the engine's track-start callback: classify the
// track, append play history, run the snapshot export in-process.
package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/haywire-radio/haywire/internal/config"
	"github.com/haywire-radio/haywire/internal/nowplaying"
	"github.com/haywire-radio/haywire/internal/observe"
	"github.com/haywire-radio/haywire/internal/store"
)

// Deadline bounds one recorder invocation. The engine treats a slow
// on-track hook as a streaming hazard.
const Deadline = time.Second

// Exporter is the in-process export hook. Running it here, instead of
// spawning a separate process, guarantees the snapshot reflects the new row
// before the recorder returns.
type Exporter interface {
	Export(ctx context.Context) error
}

// Recorder processes one track-start event.
type Recorder struct {
	cfg      *config.Config
	store    *store.Store
	exporter Exporter
	log      *slog.Logger
	now      func() time.Time
}

// New creates a Recorder.
func New(cfg *config.Config, st *store.Store, exp Exporter, log *slog.Logger) *Recorder {
	return &Recorder{cfg: cfg, store: st, exporter: exp, log: log, now: time.Now}
}

// Record classifies the started track, writes the play-history row and runs
// the export. queue is the engine-side queue name the track came from.
func (r *Recorder) Record(ctx context.Context, filename, queue string) error {
	source := r.classify(filename, queue)
	assetID := r.assetID(ctx, filename, source)
	playedAt := r.now().UTC()

	if err := r.store.RecordPlay(ctx, assetID, source, playedAt); err != nil {
		return fmt.Errorf("recorder: record play: %w", err)
	}
	observe.DefaultMetrics().RecordPlay(ctx, string(source))
	r.log.Info("play recorded", "asset", assetID, "source", source, "queue", queue)

	if source == store.SourceBreak {
		r.clearForceBreak()
	}

	if err := r.exporter.Export(ctx); err != nil {
		// The row is durable; the fallback export will publish it.
		r.log.Warn("export after play failed", "error", err)
	}
	return nil
}

// classify resolves the play source, preferring the queue name and falling
// back to path substrings when the queue is unknown.
func (r *Recorder) classify(filename, queue string) store.Source {
	switch queue {
	case r.cfg.Engine.OverrideQueue:
		return store.SourceOverride
	case r.cfg.Engine.BreaksQueue:
		// The breaks queue carries both generated breaks and bumpers; the
		// path decides which.
		if strings.Contains(filename, "/bumpers/") {
			return store.SourceBumper
		}
		return store.SourceBreak
	case r.cfg.Engine.MusicQueue:
		return store.SourceMusic
	}
	source, _ := nowplaying.Classify(filename)
	return source
}

// assetID is the store content hash for music, the filename stem otherwise.
func (r *Recorder) assetID(ctx context.Context, filename string, source store.Source) string {
	if source == store.SourceMusic || source == store.SourceOverride {
		if a, err := r.store.LookupAssetByPath(ctx, filename); err == nil {
			return a.ID
		}
	}
	return nowplaying.Stem(filename)
}

// clearForceBreak removes the force-break trigger once a break actually
// starts, closing the loop the drop-in watcher opened.
func (r *Recorder) clearForceBreak() {
	path := r.cfg.Paths.ForceBreakTrigger()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		r.log.Warn("clear force-break trigger", "path", path, "error", err)
	}
}
