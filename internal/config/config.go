// Package config provides the configuration schema, loader, and startup
// validation for the Haywire radio orchestrator.
package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// LogLevel controls log verbosity for the daemon.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Haywire.
// It is loaded from a YAML file using [Load] and is immutable after startup.
type Config struct {
	Station   StationConfig   `yaml:"station"`
	Paths     PathsConfig     `yaml:"paths"`
	Engine    EngineConfig    `yaml:"engine"`
	Icecast   IcecastConfig   `yaml:"icecast"`
	Push      PushConfig      `yaml:"push"`
	Providers ProvidersConfig `yaml:"providers"`
	Weather   WeatherConfig   `yaml:"weather"`
	News      NewsConfig      `yaml:"news"`
	Announcer AnnouncerConfig `yaml:"announcer"`
	Content   ContentConfig   `yaml:"content"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	LogLevel  LogLevel        `yaml:"log_level"`
}

// StationConfig identifies the station and its local timezone.
type StationConfig struct {
	// Name is the on-air station name, spoken in breaks and used as the
	// synthetic artist for unknown tracks.
	Name string `yaml:"name"`

	// Tagline is a short slogan handed to the script prompt.
	Tagline string `yaml:"tagline"`

	// Timezone is the IANA name of the station-local timezone. All
	// wall-clock-aligned triggers fire in this zone.
	Timezone string `yaml:"timezone"`
}

// Location returns the loaded station timezone. Validate guarantees the name
// parses, so falling back to UTC is unreachable after startup.
func (s StationConfig) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// PathsConfig holds the base directory of the on-disk layout. All other
// paths are derived, never configured individually — the layout is contract.
type PathsConfig struct {
	// Base is the root of the station filesystem tree.
	Base string `yaml:"base"`
}

func (p PathsConfig) MusicDir() string   { return filepath.Join(p.Base, "assets", "music") }
func (p PathsConfig) BreaksDir() string  { return filepath.Join(p.Base, "assets", "breaks") }
func (p PathsConfig) BumpersDir() string { return filepath.Join(p.Base, "assets", "bumpers") }
func (p PathsConfig) BedsDir() string    { return filepath.Join(p.Base, "assets", "beds") }
func (p PathsConfig) SafetyDir() string  { return filepath.Join(p.Base, "assets", "safety") }

// NextBreak is the artifact the break scheduler plays first if fresh.
func (p PathsConfig) NextBreak() string { return filepath.Join(p.BreaksDir(), "next.mp3") }

// LastGoodBreak is the previous artifact, kept as a degraded fallback.
func (p PathsConfig) LastGoodBreak() string { return filepath.Join(p.BreaksDir(), "last_good.mp3") }

// ArchiveFile returns the archive destination for a break played at t.
func (p PathsConfig) ArchiveFile(t time.Time) string {
	return filepath.Join(p.BreaksDir(), "archive", t.Format("2006-01-02"), fmt.Sprintf("%02d00.mp3", t.Hour()))
}

func (p PathsConfig) DropQueueDir() string { return filepath.Join(p.Base, "drops", "queue") }
func (p PathsConfig) DropProcessedDir() string {
	return filepath.Join(p.DropQueueDir(), "processed")
}
func (p PathsConfig) ForceBreakTrigger() string {
	return filepath.Join(p.Base, "drops", "force_break", "trigger")
}
func (p PathsConfig) KillGeneration() string {
	return filepath.Join(p.Base, "drops", "kill_generation")
}

func (p PathsConfig) StateDir() string     { return filepath.Join(p.Base, "state") }
func (p PathsConfig) ScheduleFile() string { return filepath.Join(p.StateDir(), "schedule.json") }
func (p PathsConfig) MetricsFile() string  { return filepath.Join(p.StateDir(), "metrics.json") }
func (p PathsConfig) DBFile() string       { return filepath.Join(p.Base, "db", "radio.sqlite3") }
func (p PathsConfig) NowPlayingFile() string {
	return filepath.Join(p.Base, "public", "now_playing.json")
}
func (p PathsConfig) JobsLog() string   { return filepath.Join(p.Base, "logs", "jobs.jsonl") }
func (p PathsConfig) PhraseLog() string { return filepath.Join(p.StateDir(), "recent_phrases.log") }

// EngineConfig describes the Liquidsoap control surface.
type EngineConfig struct {
	// Socket is the path of the engine's unix control socket.
	Socket string `yaml:"socket"`

	// OverrideQueue, BreaksQueue and MusicQueue are the engine-side queue
	// names, highest priority first.
	OverrideQueue string `yaml:"override_queue"`
	BreaksQueue   string `yaml:"breaks_queue"`
	MusicQueue    string `yaml:"music_queue"`

	// Source is the engine source id whose metadata describes the primary
	// mount (e.g. "radio").
	Source string `yaml:"source"`

	// CrossfadeMusicSec and CrossfadeBreaksSec are reported in the public
	// snapshot; the engine owns the actual crossfade.
	CrossfadeMusicSec  float64 `yaml:"crossfade_music_sec"`
	CrossfadeBreaksSec float64 `yaml:"crossfade_breaks_sec"`
}

// IcecastConfig locates the streaming server's status endpoint.
type IcecastConfig struct {
	// StatusURL is the Icecast status-json.xsl URL.
	StatusURL string `yaml:"status_url"`

	// Mount is the primary mount point (e.g. "/radio.mp3").
	Mount string `yaml:"mount"`
}

// PushConfig configures the SSE fan-out service.
type PushConfig struct {
	// ListenAddr is the loopback TCP address for the push server.
	ListenAddr string `yaml:"listen_addr"`

	// AllowedOrigins is the browser Origin allow-list. Requests without an
	// Origin header are always permitted.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// NotifyURL is where the exporter POSTs after a snapshot write. Defaults
	// to http://<listen_addr>/notify when empty.
	NotifyURL string `yaml:"notify_url"`
}

// ProviderEntry is the common configuration block shared by script and voice
// providers. Entries are tried in list order; the first success wins.
type ProviderEntry struct {
	// Name is a human-readable label used in logs (e.g. "claude-primary").
	Name string `yaml:"name"`

	// Provider selects the backend implementation (script: "openai",
	// "anthropic", "gemini", "ollama", …; voice: "elevenlabs", "openai").
	Provider string `yaml:"provider"`

	// Model selects a model within the backend.
	Model string `yaml:"model"`

	// APIKey authenticates against the backend, if required.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the backend's default endpoint.
	BaseURL string `yaml:"base_url"`

	// VoiceID selects a voice for TTS backends.
	VoiceID string `yaml:"voice_id"`
}

// ProvidersConfig declares the ordered provider lists per capability.
type ProvidersConfig struct {
	Script []ProviderEntry `yaml:"script"`
	Voice  []ProviderEntry `yaml:"voice"`
}

// WeatherConfig points at an Open-Meteo-compatible forecast endpoint.
type WeatherConfig struct {
	URL       string  `yaml:"url"`
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`

	// Place is the spoken name of the forecast location.
	Place string `yaml:"place"`
}

// NewsConfig lists the RSS/Atom feeds mined for break content.
type NewsConfig struct {
	Feeds []string `yaml:"feeds"`

	// MaxItems caps how many headlines are handed to the script prompt.
	// Default: 6.
	MaxItems int `yaml:"max_items"`
}

// AnnouncerConfig shapes the generated scripts and their delivery.
type AnnouncerConfig struct {
	// Persona is a free-text description of the announcer character.
	Persona string `yaml:"persona"`

	// World is the station's fictional setting woven into scripts.
	World string `yaml:"world"`

	// Delivery is the TTS director prefix (scene, pacing, mood).
	Delivery string `yaml:"delivery"`

	// ChaosBudget in [0,1] controls how far scripts may stray from the news.
	ChaosBudget float64 `yaml:"chaos_budget"`

	// Humor is a free-text humor policy line for the prompt.
	Humor string `yaml:"humor"`

	// BannedPhrases are never allowed to appear in a script.
	BannedPhrases []string `yaml:"banned_phrases"`

	// ToneRules are appended verbatim to the system prompt.
	ToneRules []string `yaml:"tone_rules"`
}

// ContentConfig tunes break generation.
type ContentConfig struct {
	// MinWords and MaxWords bound accepted script length.
	// Defaults: 90 and 220.
	MinWords int `yaml:"min_words"`
	MaxWords int `yaml:"max_words"`

	// FreshnessMinutes is how long next.mp3 counts as fresh. Default: 65.
	FreshnessMinutes int `yaml:"freshness_minutes"`

	// FFmpeg is the mixer binary. Default: "ffmpeg".
	FFmpeg string `yaml:"ffmpeg"`

	// Niceness lowers subprocess scheduling priority. Default: 10.
	Niceness int `yaml:"niceness"`
}

// ScheduleConfig tunes the music enqueue task.
type ScheduleConfig struct {
	// MusicMinQueue is the queue length below which the enqueue task acts.
	// Default: 3.
	MusicMinQueue int `yaml:"music_min_queue"`

	// MusicTargetQueue is how far the task fills. Default: 8.
	MusicTargetQueue int `yaml:"music_target_queue"`

	// MusicIntervalMinutes is the enqueue cadence (2 or 5). Default: 2.
	MusicIntervalMinutes int `yaml:"music_interval_minutes"`

	// EnergyFlow enables the time-of-day energy preference.
	EnergyFlow bool `yaml:"energy_flow"`
}

// Freshness returns the configured next.mp3 freshness window.
func (c ContentConfig) Freshness() time.Duration {
	m := c.FreshnessMinutes
	if m <= 0 {
		m = 65
	}
	return time.Duration(m) * time.Minute
}
