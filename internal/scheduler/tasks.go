package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/haywire-radio/haywire/internal/config"
	"github.com/haywire-radio/haywire/internal/gen"
	"github.com/haywire-radio/haywire/internal/store"
)

// statePruneAge is how long idempotency markers are kept before the
// housekeeping pass removes them.
const statePruneAge = 48 * time.Hour

// Engine is the slice of the control client the tasks drive.
type Engine interface {
	QueueLength(ctx context.Context, queue string) (int, error)
	Push(ctx context.Context, queue, path string) (string, error)
}

// BreakGenerator produces a fresh break artifact.
type BreakGenerator interface {
	Run(ctx context.Context) (*gen.Result, error)
}

// SnapshotExporter re-publishes the now-playing snapshot.
type SnapshotExporter interface {
	Export(ctx context.Context) error
	Rebroadcast(ctx context.Context) error
}

// Tasks bundles the five periodic task implementations. Every task is
// single-shot and idempotent: it reads the clock, consults store and engine,
// acts, returns.
type Tasks struct {
	cfg       *config.Config
	store     *store.Store
	engine    Engine
	generator BreakGenerator
	exporter  SnapshotExporter
	log       *slog.Logger
	now       func() time.Time
}

// NewTasks creates the task set.
func NewTasks(cfg *config.Config, st *store.Store, eng Engine, g BreakGenerator, exp SnapshotExporter, log *slog.Logger) *Tasks {
	return &Tasks{
		cfg:       cfg,
		store:     st,
		engine:    eng,
		generator: g,
		exporter:  exp,
		log:       log,
		now:       time.Now,
	}
}

func (t *Tasks) local() time.Time {
	return t.now().In(t.cfg.Station.Location())
}

// MusicEnqueue tops up the engine's music queue. Anti-repetition excludes
// the last 20 played ids, relaxing through 10 and 5 to no exclusion before
// it would ever leave the queue empty.
func (t *Tasks) MusicEnqueue(ctx context.Context) (string, error) {
	queue := t.cfg.Engine.MusicQueue
	length, err := t.engine.QueueLength(ctx, queue)
	if err != nil {
		return "", fmt.Errorf("music enqueue: queue length: %w", err)
	}
	if length >= t.cfg.Schedule.MusicMinQueue {
		return "", ErrSkipped
	}

	assets, err := t.store.AssetsByKind(ctx, store.KindMusic)
	if err != nil {
		return "", fmt.Errorf("music enqueue: list assets: %w", err)
	}
	if len(assets) == 0 {
		return "", errors.New("music enqueue: no music assets")
	}

	need := t.cfg.Schedule.MusicTargetQueue - length
	candidates := t.selectCandidates(ctx, assets, need)

	if t.cfg.Schedule.EnergyFlow {
		candidates = preferByEnergy(candidates, t.local())
	} else {
		rand.Shuffle(len(candidates), func(i, j int) {
			candidates[i], candidates[j] = candidates[j], candidates[i]
		})
	}
	if len(candidates) > need {
		candidates = candidates[:need]
	}

	for _, a := range candidates {
		if _, err := t.engine.Push(ctx, queue, a.Path); err != nil {
			return "", fmt.Errorf("music enqueue: push %s: %w", a.Path, err)
		}
	}
	return fmt.Sprintf("enqueued %d", len(candidates)), nil
}

// selectCandidates excludes recently played ids, relaxing the window until
// enough candidates survive.
func (t *Tasks) selectCandidates(ctx context.Context, assets []store.Asset, need int) []store.Asset {
	for _, window := range []int{20, 10, 5, 0} {
		var exclude map[string]struct{}
		if window > 0 {
			ids, err := t.store.RecentlyPlayedIDs(ctx, store.SourceMusic, window)
			if err != nil {
				t.log.Warn("read recent plays", "error", err)
				continue
			}
			exclude = make(map[string]struct{}, len(ids))
			for _, id := range ids {
				exclude[id] = struct{}{}
			}
		}
		var out []store.Asset
		for _, a := range assets {
			if _, skip := exclude[a.ID]; !skip {
				out = append(out, a)
			}
		}
		if len(out) >= need || window == 0 {
			return out
		}
	}
	return assets
}

// BreakGenerate invokes the content generator. The kill switch surfaces as
// skipped; generation failures leave the published pair untouched.
func (t *Tasks) BreakGenerate(ctx context.Context) (string, error) {
	res, err := t.generator.Run(ctx)
	if errors.Is(err, gen.ErrSkipped) {
		return "", ErrSkipped
	}
	if err != nil {
		return "", err
	}
	return res.OutputPath, nil
}

// BreakSchedule queues the hourly break during the top-of-hour window. A
// pending force-break trigger bypasses both the window and the once-per-hour
// guard.
func (t *Tasks) BreakSchedule(ctx context.Context) (string, error) {
	now := t.local()
	forced := t.forceBreakPending()

	if forced {
		// The trigger file stays until the break starts, so later ticks see
		// it too. A non-empty breaks queue means the forced break is already
		// waiting on the current track to end.
		pending, err := t.engine.QueueLength(ctx, t.cfg.Engine.BreaksQueue)
		if err != nil {
			return "", fmt.Errorf("break schedule: queue length: %w", err)
		}
		if pending > 0 {
			return "", ErrSkipped
		}
	} else {
		if now.Minute() >= 5 {
			return "", ErrSkipped
		}
		wrote, err := t.store.MarkScheduled(ctx, "break:"+store.HourBucket(now), now)
		if err != nil {
			return "", fmt.Errorf("break schedule: guard: %w", err)
		}
		if !wrote {
			return "", ErrSkipped
		}
	}

	path, err := t.pickBreak(ctx)
	if err != nil {
		return "", err
	}
	if _, err := t.engine.Push(ctx, t.cfg.Engine.BreaksQueue, path); err != nil {
		return "", fmt.Errorf("break schedule: push: %w", err)
	}

	t.archiveBreak(path, now)
	return path, nil
}

// pickBreak applies the freshness ladder: a fresh next.mp3, then
// last_good.mp3, then a bumper so the hour never passes silently.
func (t *Tasks) pickBreak(ctx context.Context) (string, error) {
	paths := t.cfg.Paths
	next := paths.NextBreak()
	if info, err := os.Stat(next); err == nil {
		if t.now().Sub(info.ModTime()) <= t.cfg.Content.Freshness() {
			return next, nil
		}
		t.log.Warn("next break is stale", "age", t.now().Sub(info.ModTime()))
	}
	if _, err := os.Stat(paths.LastGoodBreak()); err == nil {
		return paths.LastGoodBreak(), nil
	}
	bumper, err := t.randomBumper(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("break schedule: no break, no bumper: %w", err)
	}
	return bumper, nil
}

func (t *Tasks) forceBreakPending() bool {
	_, err := os.Stat(t.cfg.Paths.ForceBreakTrigger())
	return err == nil
}

// archiveBreak copies the scheduled break under archive/YYYY-MM-DD/HH00.mp3.
// Best-effort: archival failures are logged, never fatal.
func (t *Tasks) archiveBreak(path string, now time.Time) {
	dst := t.cfg.Paths.ArchiveFile(now)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		t.log.Warn("archive break", "error", err)
		return
	}
	if err := copyFile(path, dst); err != nil {
		t.log.Warn("archive break", "error", err)
	}
}

// copyFile writes dst via temp-and-rename so a concurrent reader of the
// archive never sees a partial file.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// StationID queues a station identification bumper near the quarter hour.
func (t *Tasks) StationID(ctx context.Context) (string, error) {
	now := t.local()
	var slot int
	switch now.Minute() {
	case 14:
		slot = 15
	case 29:
		slot = 30
	case 44:
		slot = 45
	default:
		return "", ErrSkipped
	}

	// The hour bucket carries the date: the marker must only suppress
	// repeats within this hour, not next day's same slot. Markers outlive
	// 24 h before the housekeeping prune runs.
	key := fmt.Sprintf("station_id:%s:%d", store.HourBucket(now), slot)
	wrote, err := t.store.MarkScheduled(ctx, key, now)
	if err != nil {
		return "", fmt.Errorf("station id: guard: %w", err)
	}
	if !wrote {
		return "", ErrSkipped
	}

	lastPlayed, err := t.store.RecentlyPlayedIDs(ctx, store.SourceBumper, 1)
	if err != nil {
		t.log.Warn("read last bumper", "error", err)
	}
	exclude := make(map[string]struct{}, len(lastPlayed))
	for _, id := range lastPlayed {
		exclude[id] = struct{}{}
	}

	path, err := t.randomBumper(ctx, exclude)
	if err != nil {
		return "", err
	}
	if _, err := t.engine.Push(ctx, t.cfg.Engine.BreaksQueue, path); err != nil {
		return "", fmt.Errorf("station id: push: %w", err)
	}
	return path, nil
}

// randomBumper picks a bumper asset, excluding the given stems when more
// than one bumper exists.
func (t *Tasks) randomBumper(ctx context.Context, exclude map[string]struct{}) (string, error) {
	bumpers, err := t.store.AssetsByKind(ctx, store.KindBumper)
	if err != nil {
		return "", fmt.Errorf("list bumpers: %w", err)
	}
	if len(bumpers) == 0 {
		return "", errors.New("no bumper assets")
	}
	var pool []store.Asset
	for _, b := range bumpers {
		stem := filepath.Base(b.Path)
		stem = stem[:len(stem)-len(filepath.Ext(stem))]
		if _, skip := exclude[stem]; skip {
			continue
		}
		pool = append(pool, b)
	}
	if len(pool) == 0 {
		pool = bumpers
	}
	return pool[rand.IntN(len(pool))].Path, nil
}

// ExportFallback re-broadcasts the on-disk snapshot so late-joining clients
// stay current even when no track transition happened. The first run after
// boot, before any snapshot exists, composes one. It also carries the
// housekeeping pass over old idempotency markers.
func (t *Tasks) ExportFallback(ctx context.Context) (string, error) {
	if pruned, err := t.store.PruneState(ctx, t.now().Add(-statePruneAge)); err != nil {
		t.log.Warn("prune scheduler state", "error", err)
	} else if pruned > 0 {
		t.log.Info("pruned scheduler state", "rows", pruned)
	}

	if _, err := os.Stat(t.cfg.Paths.NowPlayingFile()); err != nil {
		if err := t.exporter.Export(ctx); err != nil {
			return "", fmt.Errorf("export fallback: %w", err)
		}
		return t.cfg.Paths.NowPlayingFile(), nil
	}
	if err := t.exporter.Rebroadcast(ctx); err != nil {
		return "", fmt.Errorf("export fallback: %w", err)
	}
	return t.cfg.Paths.NowPlayingFile(), nil
}
