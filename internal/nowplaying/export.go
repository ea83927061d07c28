package nowplaying

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dhowden/tag"
	"github.com/google/renameio/v2"

	"github.com/haywire-radio/haywire/internal/config"
	"github.com/haywire-radio/haywire/internal/icecast"
	"github.com/haywire-radio/haywire/internal/store"
)

const (
	musicWindow   = 10 * time.Minute
	breakWindow   = 30 * time.Second
	notifyTimeout = 2 * time.Second

	historyLen    = 15
	breaksQueueN  = 3
	musicQueueN   = 5
	retryInterval = 100 * time.Millisecond
)

// EngineReader is the read-only slice of the engine control client the
// exporter needs.
type EngineReader interface {
	QueueList(ctx context.Context, queue string) ([]string, error)
	RequestMetadata(ctx context.Context, rid string) (map[string]string, error)
	CurrentMetadata(ctx context.Context, source string) (map[string]string, error)
}

// StatsReader fetches streaming-server stats.
type StatsReader interface {
	Fetch(ctx context.Context) (*icecast.Stats, error)
}

// Exporter composes the snapshot from store, engine and streaming server,
// writes it atomically and notifies the push service.
type Exporter struct {
	cfg    *config.Config
	store  *store.Store
	engine EngineReader
	stats  StatsReader
	log    *slog.Logger

	client *http.Client
	now    func() time.Time
	sleep  func(d time.Duration)
}

// New creates an Exporter. stats may be nil when no streaming server is
// configured.
func New(cfg *config.Config, st *store.Store, eng EngineReader, stats StatsReader, log *slog.Logger) *Exporter {
	return &Exporter{
		cfg:    cfg,
		store:  st,
		engine: eng,
		stats:  stats,
		log:    log,
		client: &http.Client{Timeout: notifyTimeout},
		now:    time.Now,
		sleep:  time.Sleep,
	}
}

// Export composes a fresh snapshot, writes it to public/now_playing.json via
// temp-file-and-rename, and POSTs to the push service. The notify POST is
// best-effort; the on-disk file is the source of truth.
func (e *Exporter) Export(ctx context.Context) error {
	snap, err := e.Compose(ctx)
	if err != nil {
		return err
	}
	if err := e.write(snap); err != nil {
		return err
	}
	e.Notify(ctx, snap)
	return nil
}

// Compose builds the snapshot without writing it.
func (e *Exporter) Compose(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		UpdatedAt:    e.now().UTC().Format(time.RFC3339),
		SystemStatus: StatusOnline,
		Crossfade: Crossfade{
			MusicSec:  e.cfg.Engine.CrossfadeMusicSec,
			BreaksSec: e.cfg.Engine.CrossfadeBreaksSec,
		},
		BreaksQueue: []QueueItem{},
		MusicQueue:  []QueueItem{},
		History:     []HistoryItem{},
		// Zero-valued stats until the fetch lands: the stream block is part
		// of the document shape even when Icecast is unreachable.
		Stream: &icecast.Stats{},
	}

	current, err := e.currentTrack(ctx)
	if err != nil {
		e.log.Warn("resolve current track", "error", err)
	}
	snap.Current = current

	snap.BreaksQueue = e.queueItems(ctx, e.cfg.Engine.BreaksQueue, breaksQueueN)
	snap.MusicQueue = e.queueItems(ctx, e.cfg.Engine.MusicQueue, musicQueueN)

	plays, err := e.store.RecentPlays(ctx, historyLen)
	if err != nil {
		e.log.Warn("read play history", "error", err)
	}
	for _, p := range plays {
		snap.History = append(snap.History, e.historyItem(ctx, p))
	}

	if e.stats != nil {
		stats, err := e.stats.Fetch(ctx)
		if err != nil {
			e.log.Warn("stream stats unavailable", "error", err)
		} else {
			snap.Stream = stats
		}
	}
	return snap, nil
}

// currentTrack reads the engine's current metadata and attributes it to a
// play-history row.
func (e *Exporter) currentTrack(ctx context.Context) (*Track, error) {
	meta, err := e.engine.CurrentMetadata(ctx, e.cfg.Engine.Source)
	if err != nil {
		return nil, err
	}
	filename := meta["filename"]
	if filename == "" {
		return nil, nil
	}

	source, kind := Classify(filename)
	now := e.now()

	var play *store.Play
	var assetID string
	switch source {
	case store.SourceMusic, store.SourceOverride:
		if a, err := e.store.LookupAssetByPath(ctx, filename); err == nil {
			assetID = a.ID
			play, _ = e.store.LatestPlayFor(ctx, a.ID, []store.Source{store.SourceMusic, store.SourceOverride}, musicWindow, now)
		}
	default:
		// Breaks and bumpers are transient files keyed by stem. The tight
		// window keeps a replayed station-ID from matching last hour's row.
		assetID = Stem(filename)
		play = e.transientPlay(ctx, assetID, now)
	}

	track := &Track{
		AssetID: assetID,
		Title:   meta["title"],
		Artist:  meta["artist"],
		Album:   meta["album"],
		Source:  string(source),
		Kind:    kind,
	}
	if source == store.SourceOverride {
		track.Source = string(store.SourceMusic)
	}

	if play != nil {
		track.PlayedAt = play.PlayedAt.UTC().Format(time.RFC3339)
	} else {
		// No history row landed: synthesize one from the file itself.
		e.probeFile(filename, track)
		track.PlayedAt = now.UTC().Format(time.RFC3339)
	}

	if a, err := e.store.LookupAssetByPath(ctx, filename); err == nil {
		track.DurationSec = a.DurationSec
		if track.Title == "" {
			track.Title = a.Title
		}
		if track.Artist == "" {
			track.Artist = a.Artist
		}
		if track.Album == "" {
			track.Album = a.Album
		}
	}
	if track.Title == "" {
		track.Title = presentableTitle(kind, filename)
	}
	if track.Artist == "" {
		track.Artist = e.cfg.Station.Name
	}
	return track, nil
}

// transientPlay finds the break/bumper row, retrying once after 100 ms so a
// racing recorder write can land.
func (e *Exporter) transientPlay(ctx context.Context, stem string, now time.Time) *store.Play {
	sources := []store.Source{store.SourceBreak, store.SourceBumper}
	play, _ := e.store.LatestPlayFor(ctx, stem, sources, breakWindow, now)
	if play != nil {
		return play
	}
	e.sleep(retryInterval)
	play, _ = e.store.LatestPlayFor(ctx, stem, sources, breakWindow, e.now())
	return play
}

// probeFile reads embedded tags from the audio file when the engine and
// store both came up empty.
func (e *Exporter) probeFile(path string, track *Track) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()
	meta, err := tag.ReadFrom(f)
	if err != nil {
		return
	}
	if track.Title == "" {
		track.Title = meta.Title()
	}
	if track.Artist == "" {
		track.Artist = meta.Artist()
	}
	if track.Album == "" {
		track.Album = meta.Album()
	}
}

func (e *Exporter) queueItems(ctx context.Context, queue string, max int) []QueueItem {
	items := []QueueItem{}
	rids, err := e.engine.QueueList(ctx, queue)
	if err != nil {
		e.log.Warn("list queue", "queue", queue, "error", err)
		return items
	}
	for _, rid := range rids {
		if len(items) == max {
			break
		}
		meta, err := e.engine.RequestMetadata(ctx, rid)
		if err != nil {
			e.log.Warn("request metadata", "rid", rid, "error", err)
			continue
		}
		filename := meta["filename"]
		_, kind := Classify(filename)
		item := QueueItem{
			Title:  meta["title"],
			Artist: meta["artist"],
			Album:  meta["album"],
			Kind:   kind,
		}
		if a, err := e.store.LookupAssetByPath(ctx, filename); err == nil {
			item.DurationSec = a.DurationSec
			if item.Title == "" {
				item.Title = a.Title
			}
			if item.Artist == "" {
				item.Artist = a.Artist
			}
		}
		if item.Title == "" {
			item.Title = presentableTitle(kind, filename)
		}
		if item.Artist == "" {
			item.Artist = e.cfg.Station.Name
		}
		items = append(items, item)
	}
	return items
}

func (e *Exporter) historyItem(ctx context.Context, p store.Play) HistoryItem {
	item := HistoryItem{
		PlayedAt: p.PlayedAt.UTC().Format(time.RFC3339),
		Source:   string(p.Source),
	}
	if a, err := e.store.LookupAssetByID(ctx, p.AssetID); err == nil {
		item.Title = a.Title
		item.Artist = a.Artist
	}
	if item.Title == "" {
		item.Title = presentableTitle(kindForSource(p.Source), p.AssetID)
	}
	if item.Artist == "" {
		item.Artist = e.cfg.Station.Name
	}
	return item
}

// write publishes the snapshot atomically. Concurrent readers see either the
// old document or the new one, never a truncation.
func (e *Exporter) write(snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("nowplaying: marshal: %w", err)
	}
	path := e.cfg.Paths.NowPlayingFile()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("nowplaying: ensure public dir: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("nowplaying: write snapshot: %w", err)
	}
	return nil
}

// Rebroadcast pushes the on-disk snapshot to the fan-out service without
// recomposing it. The fallback trigger uses this so a quiet stretch never
// turns into a burst of engine and Icecast traffic.
func (e *Exporter) Rebroadcast(ctx context.Context) error {
	data, err := os.ReadFile(e.cfg.Paths.NowPlayingFile())
	if err != nil {
		return fmt.Errorf("nowplaying: read snapshot: %w", err)
	}
	e.post(ctx, data)
	return nil
}

// Notify POSTs the snapshot to the push service. Best-effort with a short
// deadline; the on-disk snapshot stays authoritative.
func (e *Exporter) Notify(ctx context.Context, snap *Snapshot) {
	body, err := json.Marshal(snap)
	if err != nil {
		e.log.Warn("marshal notify payload", "error", err)
		return
	}
	e.post(ctx, body)
}

func (e *Exporter) post(ctx context.Context, body []byte) {
	url := e.cfg.Push.NotifyURL
	if url == "" {
		url = "http://" + e.cfg.Push.ListenAddr + "/notify"
	}
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		e.log.Warn("build notify request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		e.log.Warn("notify push service", "error", err)
		return
	}
	resp.Body.Close()
}

// Classify maps a file path to its play source and snapshot kind.
func Classify(path string) (store.Source, string) {
	switch {
	case strings.Contains(path, "/breaks/"):
		return store.SourceBreak, "break"
	case strings.Contains(path, "/bumpers/"):
		return store.SourceBumper, "bumper"
	case strings.Contains(path, "/drops/"):
		return store.SourceOverride, "music"
	default:
		return store.SourceMusic, "music"
	}
}

// Stem returns the file name without its extension.
func Stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func presentableTitle(kind, path string) string {
	switch kind {
	case "break":
		return "Station break"
	case "bumper":
		return "Station ID"
	default:
		name := Stem(path)
		return strings.ReplaceAll(name, "_", " ")
	}
}

func kindForSource(s store.Source) string {
	switch s {
	case store.SourceBreak:
		return "break"
	case store.SourceBumper:
		return "bumper"
	default:
		return "music"
	}
}
