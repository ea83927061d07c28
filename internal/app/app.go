// Package app wires all Haywire subsystems into a running daemon.
//
// The App struct owns the full lifecycle: New creates and connects every
// subsystem, Run hands them to a suture supervisor tree and blocks until the
// context is cancelled, Close tears down what Run does not.
//
// For testing, inject doubles via functional options (WithEngine, WithClock,
// etc.). When an option is not provided, New creates real implementations
// from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/haywire-radio/haywire/internal/chain"
	"github.com/haywire-radio/haywire/internal/config"
	"github.com/haywire-radio/haywire/internal/dropin"
	"github.com/haywire-radio/haywire/internal/engine"
	"github.com/haywire-radio/haywire/internal/gen"
	"github.com/haywire-radio/haywire/internal/health"
	"github.com/haywire-radio/haywire/internal/icecast"
	"github.com/haywire-radio/haywire/internal/mix"
	"github.com/haywire-radio/haywire/internal/nowplaying"
	"github.com/haywire-radio/haywire/internal/observe"
	"github.com/haywire-radio/haywire/internal/phraselog"
	"github.com/haywire-radio/haywire/internal/push"
	"github.com/haywire-radio/haywire/internal/scheduler"
	"github.com/haywire-radio/haywire/internal/store"
	"github.com/haywire-radio/haywire/pkg/provider/script"
	"github.com/haywire-radio/haywire/pkg/provider/voice"
)

// Providers holds the ordered fallback chains built from the config by
// main.go. Both chains must contain at least one entry for break generation
// to work; with empty chains the generator falls back to bumper-only breaks.
type Providers struct {
	Scripts *chain.Chain[script.Provider]
	Voices  *chain.Chain[voice.Provider]
}

// Engine is the control surface the app needs from the playout engine. The
// real implementation is [engine.Client]; tests substitute a fake.
type Engine interface {
	QueueLength(ctx context.Context, queue string) (int, error)
	QueueList(ctx context.Context, queue string) ([]string, error)
	RequestMetadata(ctx context.Context, rid string) (map[string]string, error)
	CurrentMetadata(ctx context.Context, source string) (map[string]string, error)
	Push(ctx context.Context, queue, path string) (string, error)
}

// App owns all subsystem lifetimes and runs the supervisor tree.
type App struct {
	cfg *config.Config
	log *slog.Logger

	store    *store.Store
	eng      Engine
	exporter *nowplaying.Exporter
	gen      *gen.Generator
	tasks    *scheduler.Tasks
	pushSrv  *push.Server

	root     *suture.Supervisor
	triggers []*scheduler.Trigger

	now func() time.Time

	// closers are called in reverse order during Close.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithEngine injects a playout engine instead of dialing the control socket.
func WithEngine(e Engine) Option {
	return func(a *App) { a.eng = e }
}

// WithClock injects the time source used for trigger alignment.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// New builds the full application from config. It opens the database,
// prepares the on-disk layout and constructs every supervised service
// without starting any of them.
func New(cfg *config.Config, providers Providers, log *slog.Logger, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, log: log, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}

	if err := ensureLayout(cfg.Paths); err != nil {
		return nil, fmt.Errorf("prepare station layout: %w", err)
	}

	st, err := store.Open(cfg.Paths.DBFile())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = st
	a.closers = append(a.closers, st.Close)

	if a.eng == nil {
		a.eng = engine.New(cfg.Engine.Socket)
	}

	stats := icecast.New(cfg.Icecast)
	a.exporter = nowplaying.New(cfg, st, a.eng, stats, log)

	mixer := mix.New(cfg.Content.FFmpeg, cfg.Content.Niceness)
	a.gen = gen.New(gen.Deps{
		Config:  cfg,
		Store:   st,
		Weather: gen.NewWeatherClient(cfg.Weather),
		News:    gen.NewNewsClient(cfg.News.Feeds, cfg.News.MaxItems, log),
		Phrases: phraselog.New(cfg.Paths.PhraseLog()),
		Scripts: providers.Scripts,
		Voices:  providers.Voices,
		Mixer:   mixer,
		Log:     log,
		Now:     a.now,
	})

	a.tasks = scheduler.NewTasks(cfg, st, a.eng, a.gen, a.exporter, log)

	checks := health.New(
		health.StoreChecker(st),
		health.EngineChecker(a.eng, cfg.Engine.MusicQueue),
		health.SnapshotChecker(cfg.Paths.NowPlayingFile(), snapshotMaxAge),
	)
	a.pushSrv = push.NewServer(cfg.Push, cfg.Paths.NowPlayingFile(), checks, log)

	a.buildTree()
	return a, nil
}

// snapshotMaxAge bounds how stale now_playing.json may be before readiness
// fails. The export fallback task refreshes it every two minutes.
const snapshotMaxAge = 10 * time.Minute

// Run starts the supervisor tree and blocks until ctx is cancelled or the
// tree gives up. suture restarts crashed services with backoff; only a
// service that fails persistently brings the tree down.
func (a *App) Run(ctx context.Context) error {
	err := a.root.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases resources not owned by the supervisor tree, most notably
// the database handle. Safe to call more than once.
func (a *App) Close() error {
	var errs []error
	a.stopOnce.Do(func() {
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// buildTree assembles the supervisor hierarchy: the push server, the drop-in
// watcher, the metrics writer and one wall-clock trigger per task.
func (a *App) buildTree() {
	hook := (&sutureslog.Handler{Logger: a.log}).MustHook()
	a.root = suture.New("haywire", suture.Spec{EventHook: hook})

	a.root.Add(a.pushSrv)
	a.root.Add(dropin.New(a.cfg, a.eng, a.log))
	a.root.Add(observe.NewMetricsWriter(a.cfg.Paths.MetricsFile(), gen.Job, a.store, a.log))

	a.triggers = a.buildTriggers()
	for _, t := range a.triggers {
		a.root.Add(t)
	}
}

// buildTriggers creates the five periodic task triggers. All of them align
// to station-local wall-clock instants, so two daemons started at different
// times converge on the same schedule.
func (a *App) buildTriggers() []*scheduler.Trigger {
	runner := scheduler.NewRunner(a.cfg.Paths.JobsLog(), a.log)
	state := scheduler.LoadState(a.cfg.Paths.ScheduleFile())
	loc := a.cfg.Station.Location()

	musicPeriod := time.Duration(a.cfg.Schedule.MusicIntervalMinutes) * time.Minute
	if musicPeriod <= 0 {
		musicPeriod = 2 * time.Minute
	}

	mk := func(name string, period, offset, timeout time.Duration, task scheduler.TaskFunc) *scheduler.Trigger {
		return &scheduler.Trigger{
			Name:    name,
			Period:  period,
			Offset:  offset,
			Timeout: timeout,
			Loc:     loc,
			Task:    task,
			Runner:  runner,
			State:   state,
			Log:     a.log,
		}
	}

	return []*scheduler.Trigger{
		mk("music_enqueue", musicPeriod, 0, 30*time.Second, a.tasks.MusicEnqueue),
		// Generation leads the top-of-hour break slot by ten minutes. Its
		// deadline covers the worst case of slow LLM, TTS and ffmpeg stages.
		mk("break_generate", time.Hour, 50*time.Minute, 3*time.Minute, a.tasks.BreakGenerate),
		mk("break_schedule", 5*time.Minute, 0, 30*time.Second, a.tasks.BreakSchedule),
		mk("station_id", time.Minute, 0, 30*time.Second, a.tasks.StationID),
		mk("export_fallback", 2*time.Minute, 0, 30*time.Second, a.tasks.ExportFallback),
	}
}

// ensureLayout creates the directories the daemon writes into. Asset
// directories are created too so a fresh base path is immediately usable.
func ensureLayout(p config.PathsConfig) error {
	dirs := []string{
		p.MusicDir(),
		p.BreaksDir(),
		p.BumpersDir(),
		p.BedsDir(),
		p.SafetyDir(),
		p.DropQueueDir(),
		p.DropProcessedDir(),
		p.StateDir(),
	}
	for _, f := range []string{p.DBFile(), p.NowPlayingFile(), p.JobsLog(), p.ForceBreakTrigger()} {
		dirs = append(dirs, filepath.Dir(f))
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	return nil
}
