package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "radio.sqlite3"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testAsset(id, path string) Asset {
	return Asset{
		ID:          id,
		Path:        path,
		Kind:        KindMusic,
		DurationSec: 180,
		Title:       "Title " + id,
		Artist:      "Artist",
	}
}

func TestInsertAsset_DuplicateAndInvalid(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.InsertAsset(ctx, testAsset("aa01", "/m/a.mp3")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.InsertAsset(ctx, testAsset("aa01", "/m/b.mp3")); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate id err = %v, want ErrDuplicate", err)
	}

	bad := testAsset("aa02", "/m/c.mp3")
	bad.DurationSec = 0
	if err := s.InsertAsset(ctx, bad); !errors.Is(err, ErrInvalid) {
		t.Fatalf("zero duration err = %v, want ErrInvalid", err)
	}

	bad = testAsset("aa03", "/m/d.mp3")
	bad.Kind = Kind("podcast")
	if err := s.InsertAsset(ctx, bad); !errors.Is(err, ErrInvalid) {
		t.Fatalf("unknown kind err = %v, want ErrInvalid", err)
	}
}

func TestLookupAsset(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := testAsset("ff77", "/m/x.mp3")
	energy := 64
	a.Energy = &energy
	if err := s.InsertAsset(ctx, a); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.LookupAssetByPath(ctx, "/m/x.mp3")
	if err != nil {
		t.Fatalf("by path: %v", err)
	}
	if got.ID != "ff77" || got.Energy == nil || *got.Energy != 64 {
		t.Fatalf("lookup mismatch: %+v", got)
	}

	if _, err := s.LookupAssetByID(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing id err = %v, want ErrNotFound", err)
	}
}

func TestRecentlyPlayedIDs_DistinctNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 26, 14, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "a", "c"} {
		if err := s.RecordPlay(ctx, id, SourceMusic, base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	// Different source must not leak into the window.
	if err := s.RecordPlay(ctx, "z", SourceBumper, base.Add(10*time.Minute)); err != nil {
		t.Fatalf("record: %v", err)
	}

	ids, err := s.RecentlyPlayedIDs(ctx, SourceMusic, 10)
	if err != nil {
		t.Fatalf("recently played: %v", err)
	}
	want := []string{"c", "a", "b"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
}

func TestRecordPlay_HourBucket(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	at := time.Date(2026, 8, 26, 14, 37, 12, 345678000, time.UTC)
	if err := s.RecordPlay(ctx, "bumper_01", SourceBumper, at); err != nil {
		t.Fatalf("record: %v", err)
	}
	plays, err := s.RecentPlays(ctx, 1)
	if err != nil || len(plays) != 1 {
		t.Fatalf("recent plays: %v %v", plays, err)
	}
	if plays[0].HourBucket != "2026-08-26T14:00:00Z" {
		t.Fatalf("hour bucket = %q", plays[0].HourBucket)
	}
	if !plays[0].PlayedAt.Equal(at) {
		t.Fatalf("played at = %v, want %v", plays[0].PlayedAt, at)
	}
}

func TestMarkScheduled_SetIfAbsent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	key := "break:2026-08-26T14:00:00Z"
	won, err := s.MarkScheduled(ctx, key, now)
	if err != nil || !won {
		t.Fatalf("first mark = %v, %v; want true", won, err)
	}
	// Calling again in the same period must lose.
	for range 3 {
		won, err = s.MarkScheduled(ctx, key, now)
		if err != nil || won {
			t.Fatalf("repeat mark = %v, %v; want false", won, err)
		}
	}

	if _, err := s.ReadState(ctx, key); err != nil {
		t.Fatalf("read state: %v", err)
	}
}

func TestLatestPlayFor_WindowAndSource(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 26, 15, 15, 0, 0, time.UTC)

	// Old play of the same bumper: outside the 30s window, must not match.
	if err := s.RecordPlay(ctx, "station_id_3", SourceBumper, now.Add(-20*time.Minute)); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := s.LatestPlayFor(ctx, "station_id_3", []Source{SourceBreak, SourceBumper}, 30*time.Second, now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stale row err = %v, want ErrNotFound", err)
	}

	// Fresh replay: must match and carry the new timestamp.
	fresh := now.Add(-5 * time.Second)
	if err := s.RecordPlay(ctx, "station_id_3", SourceBumper, fresh); err != nil {
		t.Fatalf("record: %v", err)
	}
	p, err := s.LatestPlayFor(ctx, "station_id_3", []Source{SourceBreak, SourceBumper}, 30*time.Second, now)
	if err != nil {
		t.Fatalf("latest play: %v", err)
	}
	if !p.PlayedAt.Equal(fresh) {
		t.Fatalf("played at = %v, want %v", p.PlayedAt, fresh)
	}
}

func TestPruneState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := s.MarkScheduled(ctx, "old", now.Add(-72*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.MarkScheduled(ctx, "new", now); err != nil {
		t.Fatal(err)
	}

	n, err := s.PruneState(ctx, now.Add(-48*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("pruned = %d, %v; want 1", n, err)
	}
	if _, err := s.ReadState(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old key still present: %v", err)
	}
	if _, err := s.ReadState(ctx, "new"); err != nil {
		t.Fatalf("new key missing: %v", err)
	}
}

func TestRecordRun_LastRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	runs := []Run{
		{Job: "break_generate", Status: "fail", Started: now.Add(-2 * time.Hour), Finished: now.Add(-2 * time.Hour), Error: "all providers failed"},
		{Job: "break_generate", Status: "ok", Started: now.Add(-time.Hour), Finished: now.Add(-time.Hour), Output: "/srv/radio/assets/breaks/next.mp3"},
	}
	for _, r := range runs {
		if err := s.RecordRun(ctx, r); err != nil {
			t.Fatalf("record run: %v", err)
		}
	}

	last, err := s.LastRun(ctx, "break_generate")
	if err != nil {
		t.Fatalf("last run: %v", err)
	}
	if last.Status != "ok" || last.Output == "" {
		t.Fatalf("last run = %+v", last)
	}

	if _, err := s.LastRun(ctx, "never_ran"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing job err = %v, want ErrNotFound", err)
	}
}
