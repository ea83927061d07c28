package config

import (
	"strings"
	"testing"
)

const minimalYAML = `
station:
  name: "Haywire FM"
  timezone: "America/Chicago"
paths:
  base: /srv/radio
engine:
  socket: /srv/radio/run/engine.sock
`

func TestLoadFromReader_Minimal(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Engine.MusicQueue != "music" {
		t.Errorf("music queue default = %q, want music", cfg.Engine.MusicQueue)
	}
	if cfg.Content.FreshnessMinutes != 65 {
		t.Errorf("freshness default = %d, want 65", cfg.Content.FreshnessMinutes)
	}
	if cfg.Push.NotifyURL != "http://127.0.0.1:8752/notify" {
		t.Errorf("notify url default = %q", cfg.Push.NotifyURL)
	}
	if cfg.Schedule.MusicTargetQueue != 8 {
		t.Errorf("target queue default = %d, want 8", cfg.Schedule.MusicTargetQueue)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader(minimalYAML + "\nbogus_key: 1\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing station name",
			yaml: "station: {timezone: UTC}\npaths: {base: /srv/radio}\nengine: {socket: /tmp/s}",
			want: "station.name",
		},
		{
			name: "bad timezone",
			yaml: "station: {name: X, timezone: Mars/Olympus}\npaths: {base: /srv/radio}\nengine: {socket: /tmp/s}",
			want: "station.timezone",
		},
		{
			name: "missing socket",
			yaml: "station: {name: X, timezone: UTC}\npaths: {base: /srv/radio}",
			want: "engine.socket",
		},
		{
			name: "bad music interval",
			yaml: minimalYAML + "\nschedule: {music_interval_minutes: 7}",
			want: "music_interval_minutes",
		},
		{
			name: "relative feed url",
			yaml: minimalYAML + "\nnews: {feeds: [\"not a url\"]}",
			want: "news.feeds[0]",
		},
		{
			name: "unknown voice provider",
			yaml: minimalYAML + "\nproviders: {voice: [{name: v1, provider: espeak}]}",
			want: "providers.voice[0].provider",
		},
		{
			name: "duplicate script provider name",
			yaml: minimalYAML + "\nproviders: {script: [{name: a, provider: openai}, {name: a, provider: ollama}]}",
			want: "duplicate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestPaths_Layout(t *testing.T) {
	p := PathsConfig{Base: "/srv/radio"}
	if got := p.NextBreak(); got != "/srv/radio/assets/breaks/next.mp3" {
		t.Errorf("NextBreak = %q", got)
	}
	if got := p.DBFile(); got != "/srv/radio/db/radio.sqlite3" {
		t.Errorf("DBFile = %q", got)
	}
	if got := p.DropProcessedDir(); got != "/srv/radio/drops/queue/processed" {
		t.Errorf("DropProcessedDir = %q", got)
	}
}
