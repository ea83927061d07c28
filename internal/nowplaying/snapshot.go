// Package nowplaying composes and publishes the public stream snapshot.
package nowplaying

import (
	"github.com/haywire-radio/haywire/internal/icecast"
)

// SystemStatus values carried in the snapshot.
const (
	StatusOnline     = "online"
	StatusRestarting = "restarting"
)

// Crossfade reports the engine's configured crossfade durations. They are
// informational; the engine owns the actual transition.
type Crossfade struct {
	MusicSec  float64 `json:"music_sec"`
	BreaksSec float64 `json:"breaks_sec"`
}

// Track is the currently playing entry.
type Track struct {
	AssetID     string  `json:"asset_id"`
	Title       string  `json:"title"`
	Artist      string  `json:"artist"`
	Album       string  `json:"album"`
	DurationSec float64 `json:"duration_sec"`
	PlayedAt    string  `json:"played_at"`
	Source      string  `json:"source"`
	Kind        string  `json:"kind"`
}

// QueueItem is an upcoming entry; no asset id or play time yet.
type QueueItem struct {
	Title       string  `json:"title"`
	Artist      string  `json:"artist"`
	Album       string  `json:"album"`
	DurationSec float64 `json:"duration_sec"`
	Kind        string  `json:"kind"`
}

// HistoryItem is a past play.
type HistoryItem struct {
	Title    string `json:"title"`
	Artist   string `json:"artist"`
	PlayedAt string `json:"played_at"`
	Source   string `json:"source"`
}

// Snapshot is the full public now-playing document written to
// public/now_playing.json and pushed over SSE.
type Snapshot struct {
	UpdatedAt    string         `json:"updated_at"`
	SystemStatus string         `json:"system_status"`
	Crossfade    Crossfade      `json:"crossfade"`
	Current      *Track         `json:"current"`
	BreaksQueue  []QueueItem    `json:"breaks_queue"`
	MusicQueue   []QueueItem    `json:"music_queue"`
	History      []HistoryItem  `json:"history"`
	Stream       *icecast.Stats `json:"stream"`
}
