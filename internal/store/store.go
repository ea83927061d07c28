// Package store provides the embedded relational persistence layer for the
// orchestrator: assets, play history, scheduler state, and generation runs.
//
// The store is the sole source of truth for "has X already happened this
// hour". Writers are serialized by SQLite; readers run concurrently thanks to
// WAL mode. All timestamps are stored as RFC 3339 strings with offset and
// sub-second precision; the store orders them but never interprets them.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Sentinel errors returned by store operations.
var (
	// ErrDuplicate is returned by InsertAsset when the content hash exists.
	ErrDuplicate = errors.New("store: duplicate asset")

	// ErrInvalid is returned for assets with non-positive duration or an
	// unknown kind.
	ErrInvalid = errors.New("store: invalid asset")

	// ErrNotFound is returned by lookups that match no row.
	ErrNotFound = errors.New("store: not found")
)

// Kind classifies an asset for scheduling purposes. It is fixed for the
// asset's lifetime.
type Kind string

const (
	KindMusic  Kind = "music"
	KindBreak  Kind = "break"
	KindBumper Kind = "bumper"
	KindBed    Kind = "bed"
	KindSafety Kind = "safety"
)

// IsValid reports whether k is a recognised asset kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindMusic, KindBreak, KindBumper, KindBed, KindSafety:
		return true
	}
	return false
}

// Source classifies where a played file came from.
type Source string

const (
	SourceMusic    Source = "music"
	SourceOverride Source = "override"
	SourceBreak    Source = "break"
	SourceBumper   Source = "bumper"
)

// Asset is an immutable audio artifact identified by its content hash.
type Asset struct {
	// ID is the hex content hash of the file bytes at ingest time.
	ID string

	// Path is the absolute file path. Unique.
	Path string

	Kind Kind

	// DurationSec is the playable length in seconds. Must be positive.
	DurationSec float64

	// LoudnessLUFS is the integrated loudness measured at ingest.
	LoudnessLUFS float64

	// TruePeakDBTP is the measured true peak.
	TruePeakDBTP float64

	// Energy is an optional 0–100 energy level; nil when unmeasured.
	Energy *int

	Title  string
	Artist string
	Album  string

	CreatedAt time.Time
}

// Play is one row of the append-only play history.
type Play struct {
	// Seq is the autoincrement row id. Monotonic per writer; the export path
	// matches on it to attribute rapid repeats correctly.
	Seq int64

	// AssetID references an asset row for music, or is the filename stem for
	// transient breaks and bumpers.
	AssetID string

	Source   Source
	PlayedAt time.Time

	// HourBucket is PlayedAt truncated to the hour, in UTC.
	HourBucket string
}

// Run records one generation or scheduler job execution.
type Run struct {
	Job      string
	Status   string // ok | fail | skipped
	Started  time.Time
	Finished time.Time
	Output   string
	Error    string
}

// Store wraps the single-file SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path with WAL mode and a
// busy timeout, and applies the schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping %q: %w", path, err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database file is still reachable and writable enough to
// answer a query.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS assets (
		id            TEXT PRIMARY KEY,
		path          TEXT NOT NULL UNIQUE,
		kind          TEXT NOT NULL,
		duration_sec  REAL NOT NULL,
		loudness_lufs REAL NOT NULL DEFAULT 0,
		true_peak     REAL NOT NULL DEFAULT 0,
		energy        INTEGER,
		title         TEXT NOT NULL DEFAULT '',
		artist        TEXT NOT NULL DEFAULT '',
		album         TEXT NOT NULL DEFAULT '',
		created_at    TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS play_history (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		asset_id    TEXT NOT NULL,
		source      TEXT NOT NULL,
		played_at   TEXT NOT NULL,
		hour_bucket TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_play_history_source ON play_history(source, id DESC);
	CREATE INDEX IF NOT EXISTS idx_play_history_asset ON play_history(asset_id, id DESC);
	CREATE TABLE IF NOT EXISTS scheduler_state (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL DEFAULT '1',
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS generation_runs (
		id       INTEGER PRIMARY KEY AUTOINCREMENT,
		job      TEXT NOT NULL,
		status   TEXT NOT NULL,
		started  TEXT NOT NULL,
		finished TEXT NOT NULL,
		output   TEXT NOT NULL DEFAULT '',
		error    TEXT NOT NULL DEFAULT ''
	);`
	_, err := s.db.Exec(schema)
	return err
}

// timeFormat renders timestamps with sub-second precision and offset.
// Everything is normalised to UTC so that lexical ordering in SQL matches
// chronological ordering.
const timeFormat = "2006-01-02T15:04:05.000000-07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeFormat) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// HourBucket returns t truncated to the hour in UTC, RFC 3339.
func HourBucket(t time.Time) string {
	return t.UTC().Truncate(time.Hour).Format("2006-01-02T15:04:05Z07:00")
}

// InsertAsset inserts a new asset. ErrDuplicate when the content hash is
// already present; ErrInvalid for non-positive durations or unknown kinds.
func (s *Store) InsertAsset(ctx context.Context, a Asset) error {
	if a.DurationSec <= 0 || !a.Kind.IsValid() {
		return fmt.Errorf("%w: kind=%q duration=%.2f", ErrInvalid, a.Kind, a.DurationSec)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO assets (id, path, kind, duration_sec, loudness_lufs, true_peak, energy, title, artist, album, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Path, string(a.Kind), a.DurationSec, a.LoudnessLUFS, a.TruePeakDBTP,
		a.Energy, a.Title, a.Artist, a.Album, formatTime(a.CreatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrDuplicate, a.ID)
		}
		return fmt.Errorf("store: insert asset: %w", err)
	}
	return nil
}

const assetColumns = "id, path, kind, duration_sec, loudness_lufs, true_peak, energy, title, artist, album, created_at"

func scanAsset(row *sql.Row) (*Asset, error) {
	var a Asset
	var kind, created string
	if err := row.Scan(&a.ID, &a.Path, &kind, &a.DurationSec, &a.LoudnessLUFS,
		&a.TruePeakDBTP, &a.Energy, &a.Title, &a.Artist, &a.Album, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan asset: %w", err)
	}
	a.Kind = Kind(kind)
	a.CreatedAt = parseTime(created)
	return &a, nil
}

// LookupAssetByPath returns the asset at path, or ErrNotFound.
func (s *Store) LookupAssetByPath(ctx context.Context, path string) (*Asset, error) {
	return scanAsset(s.db.QueryRowContext(ctx,
		"SELECT "+assetColumns+" FROM assets WHERE path = ?", path))
}

// LookupAssetByID returns the asset with the given content hash, or ErrNotFound.
func (s *Store) LookupAssetByID(ctx context.Context, id string) (*Asset, error) {
	return scanAsset(s.db.QueryRowContext(ctx,
		"SELECT "+assetColumns+" FROM assets WHERE id = ?", id))
}

// AssetsByKind returns all assets of the given kind.
func (s *Store) AssetsByKind(ctx context.Context, kind Kind) ([]Asset, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+assetColumns+" FROM assets WHERE kind = ? ORDER BY path", string(kind))
	if err != nil {
		return nil, fmt.Errorf("store: assets by kind: %w", err)
	}
	defer rows.Close()

	var out []Asset
	for rows.Next() {
		var a Asset
		var k, created string
		if err := rows.Scan(&a.ID, &a.Path, &k, &a.DurationSec, &a.LoudnessLUFS,
			&a.TruePeakDBTP, &a.Energy, &a.Title, &a.Artist, &a.Album, &created); err != nil {
			return nil, fmt.Errorf("store: scan asset: %w", err)
		}
		a.Kind = Kind(k)
		a.CreatedAt = parseTime(created)
		out = append(out, a)
	}
	return out, rows.Err()
}

// RecordPlay appends a play-history row. The hour bucket is computed from
// playedAt. Duplicates are allowed by design: the log is append-only.
func (s *Store) RecordPlay(ctx context.Context, assetID string, source Source, playedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO play_history (asset_id, source, played_at, hour_bucket)
		VALUES (?, ?, ?, ?)`,
		assetID, string(source), formatTime(playedAt), HourBucket(playedAt))
	if err != nil {
		return fmt.Errorf("store: record play: %w", err)
	}
	return nil
}

// RecentlyPlayedIDs returns the last windowSize distinct asset ids recorded
// with the given source, newest first.
func (s *Store) RecentlyPlayedIDs(ctx context.Context, source Source, windowSize int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT asset_id FROM play_history
		WHERE source = ?
		GROUP BY asset_id
		ORDER BY MAX(id) DESC
		LIMIT ?`, string(source), windowSize)
	if err != nil {
		return nil, fmt.Errorf("store: recently played: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RecentPlays returns the newest limit history rows, newest first.
func (s *Store) RecentPlays(ctx context.Context, limit int) ([]Play, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, asset_id, source, played_at, hour_bucket FROM play_history
		ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent plays: %w", err)
	}
	defer rows.Close()
	return scanPlays(rows)
}

// LatestPlayFor returns the newest history row for assetID whose source is in
// sources and whose played-at is within window of now. ErrNotFound when no
// row qualifies.
func (s *Store) LatestPlayFor(ctx context.Context, assetID string, sources []Source, window time.Duration, now time.Time) (*Play, error) {
	cutoff := formatTime(now.Add(-window))
	placeholders := make([]string, len(sources))
	args := []any{assetID}
	for i, src := range sources {
		placeholders[i] = "?"
		args = append(args, string(src))
	}
	args = append(args, cutoff)

	query := fmt.Sprintf(`
		SELECT id, asset_id, source, played_at, hour_bucket FROM play_history
		WHERE asset_id = ? AND source IN (%s) AND played_at >= ?
		ORDER BY id DESC LIMIT 1`, strings.Join(placeholders, ","))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: latest play: %w", err)
	}
	defer rows.Close()

	plays, err := scanPlays(rows)
	if err != nil {
		return nil, err
	}
	if len(plays) == 0 {
		return nil, ErrNotFound
	}
	return &plays[0], nil
}

func scanPlays(rows *sql.Rows) ([]Play, error) {
	var out []Play
	for rows.Next() {
		var p Play
		var src, played string
		if err := rows.Scan(&p.Seq, &p.AssetID, &src, &played, &p.HourBucket); err != nil {
			return nil, fmt.Errorf("store: scan play: %w", err)
		}
		p.Source = Source(src)
		p.PlayedAt = parseTime(played)
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarkScheduled atomically records key if absent. It returns true iff this
// call wrote the key. This is the primitive that defeats double-scheduling:
// it is a linearizable set-if-absent, so at most one caller per key wins
// regardless of concurrent tasks or process restarts.
func (s *Store) MarkScheduled(ctx context.Context, key string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduler_state (key, value, updated_at) VALUES (?, '1', ?)
		ON CONFLICT (key) DO NOTHING`,
		key, formatTime(now))
	if err != nil {
		return false, fmt.Errorf("store: mark scheduled: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: mark scheduled: %w", err)
	}
	return n == 1, nil
}

// ReadState returns the value stored under key, or ErrNotFound.
func (s *Store) ReadState(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM scheduler_state WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: read state: %w", err)
	}
	return v, nil
}

// PruneState deletes scheduler-state keys last updated before cutoff.
// Idempotent markers older than the double-scheduling horizon are dead weight.
func (s *Store) PruneState(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM scheduler_state WHERE updated_at < ?", formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("store: prune state: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RecordRun appends a generation/job run row.
func (s *Store) RecordRun(ctx context.Context, r Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO generation_runs (job, status, started, finished, output, error)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.Job, r.Status, formatTime(r.Started), formatTime(r.Finished), r.Output, r.Error)
	if err != nil {
		return fmt.Errorf("store: record run: %w", err)
	}
	return nil
}

// LastRun returns the most recent run row for job, or ErrNotFound.
func (s *Store) LastRun(ctx context.Context, job string) (*Run, error) {
	var r Run
	var started, finished string
	err := s.db.QueryRowContext(ctx, `
		SELECT job, status, started, finished, output, error FROM generation_runs
		WHERE job = ? ORDER BY id DESC LIMIT 1`, job).
		Scan(&r.Job, &r.Status, &started, &finished, &r.Output, &r.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: last run: %w", err)
	}
	r.Started = parseTime(started)
	r.Finished = parseTime(finished)
	return &r, nil
}
