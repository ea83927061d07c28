package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/haywire-radio/haywire/internal/config"
	"github.com/haywire-radio/haywire/internal/gen"
	"github.com/haywire-radio/haywire/internal/store"
)

type fakeEngine struct {
	lengths map[string]int
	pushed  []string
}

func (f *fakeEngine) QueueLength(_ context.Context, queue string) (int, error) {
	return f.lengths[queue], nil
}

func (f *fakeEngine) Push(_ context.Context, queue, path string) (string, error) {
	f.pushed = append(f.pushed, queue+":"+path)
	f.lengths[queue]++
	return fmt.Sprintf("%d", len(f.pushed)), nil
}

type fakeGenerator struct {
	res *gen.Result
	err error
}

func (f *fakeGenerator) Run(context.Context) (*gen.Result, error) { return f.res, f.err }

type fakeExporter struct {
	exports      int
	rebroadcasts int
}

func (f *fakeExporter) Export(context.Context) error      { f.exports++; return nil }
func (f *fakeExporter) Rebroadcast(context.Context) error { f.rebroadcasts++; return nil }

func newTestTasks(t *testing.T) (*Tasks, *config.Config, *store.Store, *fakeEngine, *fakeExporter) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Paths.Base = t.TempDir()
	cfg.Station.Timezone = "UTC"
	cfg.Engine.BreaksQueue = "breaks"
	cfg.Engine.MusicQueue = "music"
	cfg.Schedule.MusicMinQueue = 3
	cfg.Schedule.MusicTargetQueue = 8
	cfg.Content.FreshnessMinutes = 65

	for _, dir := range []string{cfg.Paths.BreaksDir(), cfg.Paths.BumpersDir(), filepath.Dir(cfg.Paths.DBFile())} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	st, err := store.Open(cfg.Paths.DBFile())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	eng := &fakeEngine{lengths: map[string]int{}}
	exp := &fakeExporter{}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	tasks := NewTasks(cfg, st, eng, &fakeGenerator{res: &gen.Result{Status: "ok"}}, exp, log)
	return tasks, cfg, st, eng, exp
}

func addMusic(t *testing.T, st *store.Store, cfg *config.Config, n int) []store.Asset {
	t.Helper()
	out := make([]store.Asset, 0, n)
	for i := 0; i < n; i++ {
		a := store.Asset{
			ID:          fmt.Sprintf("music%02d", i),
			Path:        filepath.Join(cfg.Paths.MusicDir(), fmt.Sprintf("music%02d.mp3", i)),
			Kind:        store.KindMusic,
			DurationSec: 180,
		}
		if err := st.InsertAsset(context.Background(), a); err != nil {
			t.Fatal(err)
		}
		out = append(out, a)
	}
	return out
}

func TestMusicEnqueueSkipsWhenQueueHealthy(t *testing.T) {
	tasks, _, _, eng, _ := newTestTasks(t)
	eng.lengths["music"] = 5

	_, err := tasks.MusicEnqueue(context.Background())
	if !errors.Is(err, ErrSkipped) {
		t.Fatalf("err = %v, want ErrSkipped", err)
	}
	if len(eng.pushed) != 0 {
		t.Error("pushed despite healthy queue")
	}
}

func TestMusicEnqueueFillsToTarget(t *testing.T) {
	tasks, cfg, st, eng, _ := newTestTasks(t)
	addMusic(t, st, cfg, 30)
	eng.lengths["music"] = 1

	out, err := tasks.MusicEnqueue(context.Background())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if len(eng.pushed) != 7 {
		t.Errorf("pushed %d, want 7 (target 8 - length 1)", len(eng.pushed))
	}
	if out != "enqueued 7" {
		t.Errorf("output = %q", out)
	}
}

func TestMusicEnqueueAntiRepetition(t *testing.T) {
	tasks, cfg, st, eng, _ := newTestTasks(t)
	assets := addMusic(t, st, cfg, 30)
	ctx := context.Background()

	// The 20 most recently played must be excluded when the pool is large.
	played := map[string]struct{}{}
	for i := 0; i < 20; i++ {
		if err := st.RecordPlay(ctx, assets[i].ID, store.SourceMusic, time.Now().Add(-time.Duration(20-i)*time.Minute)); err != nil {
			t.Fatal(err)
		}
		played[assets[i].Path] = struct{}{}
	}

	if _, err := tasks.MusicEnqueue(ctx); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	for _, p := range eng.pushed {
		path := p[len("music:"):]
		if _, repeat := played[path]; repeat {
			t.Errorf("recently played asset enqueued: %s", path)
		}
	}
}

func TestMusicEnqueueRelaxesWindow(t *testing.T) {
	tasks, cfg, st, eng, _ := newTestTasks(t)
	assets := addMusic(t, st, cfg, 10)
	ctx := context.Background()

	// All ten are inside the 20-window: the task must relax rather than
	// leave the queue empty.
	for i, a := range assets {
		if err := st.RecordPlay(ctx, a.ID, store.SourceMusic, time.Now().Add(-time.Duration(10-i)*time.Minute)); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := tasks.MusicEnqueue(ctx); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if len(eng.pushed) == 0 {
		t.Error("relaxation failed: nothing enqueued")
	}
}

func TestBreakScheduleTopOfHour(t *testing.T) {
	tasks, cfg, _, eng, _ := newTestTasks(t)
	tasks.now = func() time.Time { return time.Date(2026, 8, 26, 14, 2, 0, 0, time.UTC) }

	next := cfg.Paths.NextBreak()
	if err := os.WriteFile(next, []byte("break"), 0o644); err != nil {
		t.Fatal(err)
	}
	fresh := tasks.now().Add(-10 * time.Minute)
	if err := os.Chtimes(next, fresh, fresh); err != nil {
		t.Fatal(err)
	}

	out, err := tasks.BreakSchedule(context.Background())
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if out != next {
		t.Errorf("scheduled %q, want fresh next.mp3", out)
	}
	if len(eng.pushed) != 1 || eng.pushed[0] != "breaks:"+next {
		t.Errorf("pushed = %v", eng.pushed)
	}
	if _, err := os.Stat(cfg.Paths.ArchiveFile(tasks.now())); err != nil {
		t.Errorf("archive copy missing: %v", err)
	}

	// Second run in the same hour must hit the guard.
	_, err = tasks.BreakSchedule(context.Background())
	if !errors.Is(err, ErrSkipped) {
		t.Fatalf("second run err = %v, want ErrSkipped", err)
	}
	if len(eng.pushed) != 1 {
		t.Error("break double-scheduled within the hour")
	}
}

func TestBreakScheduleOutsideWindow(t *testing.T) {
	tasks, _, _, eng, _ := newTestTasks(t)
	tasks.now = func() time.Time { return time.Date(2026, 8, 26, 14, 25, 0, 0, time.UTC) }

	_, err := tasks.BreakSchedule(context.Background())
	if !errors.Is(err, ErrSkipped) {
		t.Fatalf("err = %v, want ErrSkipped", err)
	}
	if len(eng.pushed) != 0 {
		t.Error("pushed outside the top-of-hour window")
	}
}

func TestBreakScheduleFreshnessLadder(t *testing.T) {
	tasks, cfg, _, _, _ := newTestTasks(t)
	now := time.Date(2026, 8, 26, 14, 1, 0, 0, time.UTC)
	tasks.now = func() time.Time { return now }

	// Stale next.mp3, usable last_good.mp3.
	next := cfg.Paths.NextBreak()
	if err := os.WriteFile(next, []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}
	old := now.Add(-2 * time.Hour)
	if err := os.Chtimes(next, old, old); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cfg.Paths.LastGoodBreak(), []byte("good"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := tasks.pickBreak(context.Background())
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if got != cfg.Paths.LastGoodBreak() {
		t.Errorf("picked %q, want last_good.mp3", got)
	}
}

func TestBreakScheduleBumperOfLastResort(t *testing.T) {
	tasks, cfg, st, _, _ := newTestTasks(t)
	bumperPath := filepath.Join(cfg.Paths.BumpersDir(), "top_hour.mp3")
	err := st.InsertAsset(context.Background(), store.Asset{
		ID: "bump1", Path: bumperPath, Kind: store.KindBumper, DurationSec: 8,
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := tasks.pickBreak(context.Background())
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if got != bumperPath {
		t.Errorf("picked %q, want the bumper", got)
	}
}

func TestBreakScheduleForceBypassesWindow(t *testing.T) {
	tasks, cfg, _, eng, _ := newTestTasks(t)
	tasks.now = func() time.Time { return time.Date(2026, 8, 26, 14, 30, 0, 0, time.UTC) }

	if err := os.WriteFile(cfg.Paths.NextBreak(), []byte("break"), 0o644); err != nil {
		t.Fatal(err)
	}
	fresh := tasks.now().Add(-10 * time.Minute)
	if err := os.Chtimes(cfg.Paths.NextBreak(), fresh, fresh); err != nil {
		t.Fatal(err)
	}
	trigger := cfg.Paths.ForceBreakTrigger()
	if err := os.MkdirAll(filepath.Dir(trigger), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(trigger, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := tasks.BreakSchedule(context.Background()); err != nil {
		t.Fatalf("forced schedule: %v", err)
	}
	if len(eng.pushed) != 1 {
		t.Errorf("pushed = %v", eng.pushed)
	}
	// The watcher's flag stays until the break actually starts.
	if _, err := os.Stat(trigger); err != nil {
		t.Error("trigger cleared by scheduler; only the recorder may clear it")
	}
}

func TestForcedBreakOncePerTrigger(t *testing.T) {
	tasks, cfg, _, eng, _ := newTestTasks(t)
	tasks.now = func() time.Time { return time.Date(2026, 8, 26, 14, 20, 0, 0, time.UTC) }

	if err := os.WriteFile(cfg.Paths.NextBreak(), []byte("break"), 0o644); err != nil {
		t.Fatal(err)
	}
	fresh := tasks.now().Add(-10 * time.Minute)
	if err := os.Chtimes(cfg.Paths.NextBreak(), fresh, fresh); err != nil {
		t.Fatal(err)
	}
	trigger := cfg.Paths.ForceBreakTrigger()
	if err := os.MkdirAll(filepath.Dir(trigger), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(trigger, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := tasks.BreakSchedule(context.Background()); err != nil {
		t.Fatalf("first tick: %v", err)
	}

	// The break waits in the queue for the current track to end, the flag is
	// still set, and the listener touches the trigger a second time. The next
	// ticks must not stack more breaks.
	if err := os.WriteFile(trigger, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if _, err := tasks.BreakSchedule(context.Background()); !errors.Is(err, ErrSkipped) {
			t.Fatalf("tick %d err = %v, want ErrSkipped", i+2, err)
		}
	}
	if len(eng.pushed) != 1 {
		t.Errorf("pushed = %v, want exactly one forced break", eng.pushed)
	}

	// Break starts: the engine drains the queue and the recorder clears the
	// flag. A fresh touch forces again.
	eng.lengths["breaks"] = 0
	if _, err := tasks.BreakSchedule(context.Background()); err != nil {
		t.Fatalf("after drain: %v", err)
	}
	if len(eng.pushed) != 2 {
		t.Errorf("pushed = %v, want a second forced break after the first played", eng.pushed)
	}
}

func TestStationIDMinuteGate(t *testing.T) {
	tasks, _, _, eng, _ := newTestTasks(t)
	tasks.now = func() time.Time { return time.Date(2026, 8, 26, 14, 20, 0, 0, time.UTC) }

	_, err := tasks.StationID(context.Background())
	if !errors.Is(err, ErrSkipped) {
		t.Fatalf("err = %v, want ErrSkipped", err)
	}
	if len(eng.pushed) != 0 {
		t.Error("pushed outside the ID minutes")
	}
}

func TestStationIDSchedulesOncePerSlot(t *testing.T) {
	tasks, cfg, st, eng, _ := newTestTasks(t)
	tasks.now = func() time.Time { return time.Date(2026, 8, 26, 14, 29, 0, 0, time.UTC) }

	err := st.InsertAsset(context.Background(), store.Asset{
		ID: "bump1", Path: filepath.Join(cfg.Paths.BumpersDir(), "legal.mp3"),
		Kind: store.KindBumper, DurationSec: 8,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := tasks.StationID(context.Background()); err != nil {
		t.Fatalf("first: %v", err)
	}
	_, err = tasks.StationID(context.Background())
	if !errors.Is(err, ErrSkipped) {
		t.Fatalf("second err = %v, want ErrSkipped", err)
	}
	if len(eng.pushed) != 1 {
		t.Errorf("pushed = %v", eng.pushed)
	}
}

func TestStationIDSlotReopensNextDay(t *testing.T) {
	tasks, cfg, st, eng, _ := newTestTasks(t)
	ctx := context.Background()

	err := st.InsertAsset(ctx, store.Asset{
		ID: "bump1", Path: filepath.Join(cfg.Paths.BumpersDir(), "legal.mp3"),
		Kind: store.KindBumper, DurationSec: 8,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Yesterday's 14:15 marker may still exist: markers are pruned on a
	// 48-hour horizon, one full day after this slot comes around again.
	tasks.now = func() time.Time { return time.Date(2026, 8, 25, 14, 14, 0, 0, time.UTC) }
	if _, err := tasks.StationID(ctx); err != nil {
		t.Fatalf("yesterday: %v", err)
	}

	tasks.now = func() time.Time { return time.Date(2026, 8, 26, 14, 14, 0, 0, time.UTC) }
	if _, err := tasks.StationID(ctx); err != nil {
		t.Fatalf("today: %v", err)
	}
	if len(eng.pushed) != 2 {
		t.Errorf("pushed = %v, want the slot to fire on both days", eng.pushed)
	}
}

func TestStationIDExcludesLastPlayed(t *testing.T) {
	tasks, cfg, st, eng, _ := newTestTasks(t)
	tasks.now = func() time.Time { return time.Date(2026, 8, 26, 14, 14, 0, 0, time.UTC) }
	ctx := context.Background()

	for _, name := range []string{"alpha", "beta"} {
		err := st.InsertAsset(ctx, store.Asset{
			ID: name, Path: filepath.Join(cfg.Paths.BumpersDir(), name+".mp3"),
			Kind: store.KindBumper, DurationSec: 8,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	if err := st.RecordPlay(ctx, "alpha", store.SourceBumper, time.Now().Add(-15*time.Minute)); err != nil {
		t.Fatal(err)
	}

	if _, err := tasks.StationID(ctx); err != nil {
		t.Fatalf("station id: %v", err)
	}
	want := "breaks:" + filepath.Join(cfg.Paths.BumpersDir(), "beta.mp3")
	if len(eng.pushed) != 1 || eng.pushed[0] != want {
		t.Errorf("pushed = %v, want %v", eng.pushed, want)
	}
}

func TestExportFallbackRebroadcastsExistingSnapshot(t *testing.T) {
	tasks, cfg, _, _, exp := newTestTasks(t)
	if err := os.MkdirAll(filepath.Dir(cfg.Paths.NowPlayingFile()), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cfg.Paths.NowPlayingFile(), []byte(`{"system_status":"online"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := tasks.ExportFallback(context.Background()); err != nil {
		t.Fatalf("fallback: %v", err)
	}
	if exp.rebroadcasts != 1 || exp.exports != 0 {
		t.Errorf("rebroadcasts=%d exports=%d, want 1/0", exp.rebroadcasts, exp.exports)
	}
}

func TestExportFallbackComposesWhenMissing(t *testing.T) {
	tasks, _, _, _, exp := newTestTasks(t)

	if _, err := tasks.ExportFallback(context.Background()); err != nil {
		t.Fatalf("fallback: %v", err)
	}
	if exp.exports != 1 {
		t.Errorf("exports = %d, want 1", exp.exports)
	}
}

func TestBreakGenerateMapsKillSwitch(t *testing.T) {
	tasks, _, _, _, _ := newTestTasks(t)
	tasks.generator = &fakeGenerator{res: &gen.Result{Status: "skipped"}, err: gen.ErrSkipped}

	_, err := tasks.BreakGenerate(context.Background())
	if !errors.Is(err, ErrSkipped) {
		t.Fatalf("err = %v, want ErrSkipped", err)
	}
}

func TestTargetEnergyCurve(t *testing.T) {
	night := time.Date(2026, 8, 26, 3, 0, 0, 0, time.UTC)
	afternoon := time.Date(2026, 8, 26, 15, 0, 0, 0, time.UTC)
	if targetEnergy(night) >= targetEnergy(afternoon) {
		t.Error("night target should be below afternoon target")
	}
}

func TestPreferByEnergyNeverFilters(t *testing.T) {
	e := func(v int) *int { return &v }
	assets := []store.Asset{
		{ID: "low", Energy: e(10)},
		{ID: "high", Energy: e(90)},
		{ID: "unmeasured"},
	}
	got := preferByEnergy(assets, time.Date(2026, 8, 26, 15, 0, 0, 0, time.UTC))
	if len(got) != len(assets) {
		t.Fatalf("preference dropped candidates: %d of %d", len(got), len(assets))
	}
	if got[0].ID != "high" {
		t.Errorf("closest to the 75 target should sort first, got %q", got[0].ID)
	}
}
