package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// validScriptProviders lists known script backend names.
var validScriptProviders = []string{
	"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// validVoiceProviders lists known voice backend names.
var validVoiceProviders = []string{"elevenlabs", "openai"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero-value optional fields.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = LogInfo
	}
	if cfg.Engine.OverrideQueue == "" {
		cfg.Engine.OverrideQueue = "override"
	}
	if cfg.Engine.BreaksQueue == "" {
		cfg.Engine.BreaksQueue = "breaks"
	}
	if cfg.Engine.MusicQueue == "" {
		cfg.Engine.MusicQueue = "music"
	}
	if cfg.Engine.Source == "" {
		cfg.Engine.Source = "radio"
	}
	if cfg.Push.ListenAddr == "" {
		cfg.Push.ListenAddr = "127.0.0.1:8752"
	}
	if cfg.Push.NotifyURL == "" {
		cfg.Push.NotifyURL = "http://" + cfg.Push.ListenAddr + "/notify"
	}
	if cfg.News.MaxItems <= 0 {
		cfg.News.MaxItems = 6
	}
	if cfg.Content.MinWords <= 0 {
		cfg.Content.MinWords = 90
	}
	if cfg.Content.MaxWords <= 0 {
		cfg.Content.MaxWords = 220
	}
	if cfg.Content.FreshnessMinutes <= 0 {
		cfg.Content.FreshnessMinutes = 65
	}
	if cfg.Content.FFmpeg == "" {
		cfg.Content.FFmpeg = "ffmpeg"
	}
	if cfg.Content.Niceness == 0 {
		cfg.Content.Niceness = 10
	}
	if cfg.Schedule.MusicMinQueue <= 0 {
		cfg.Schedule.MusicMinQueue = 3
	}
	if cfg.Schedule.MusicTargetQueue <= 0 {
		cfg.Schedule.MusicTargetQueue = 8
	}
	if cfg.Schedule.MusicIntervalMinutes <= 0 {
		cfg.Schedule.MusicIntervalMinutes = 2
	}
	if cfg.Weather.URL == "" {
		cfg.Weather.URL = "https://api.open-meteo.com/v1/forecast"
	}
}

// Validate checks that cfg contains a coherent, startable set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Station.Name == "" {
		errs = append(errs, errors.New("station.name is required"))
	}
	if cfg.Station.Timezone == "" {
		errs = append(errs, errors.New("station.timezone is required"))
	} else if _, err := time.LoadLocation(cfg.Station.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("station.timezone %q is not a valid IANA zone: %w", cfg.Station.Timezone, err))
	}

	if cfg.Paths.Base == "" {
		errs = append(errs, errors.New("paths.base is required"))
	}
	if cfg.Engine.Socket == "" {
		errs = append(errs, errors.New("engine.socket is required"))
	}
	if !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	if cfg.Icecast.StatusURL != "" {
		if _, err := url.Parse(cfg.Icecast.StatusURL); err != nil {
			errs = append(errs, fmt.Errorf("icecast.status_url is not a URL: %w", err))
		}
	}
	for i, feed := range cfg.News.Feeds {
		u, err := url.Parse(feed)
		if err != nil || u.Scheme == "" {
			errs = append(errs, fmt.Errorf("news.feeds[%d] %q is not an absolute URL", i, feed))
		}
	}

	errs = append(errs, validateProviders("providers.script", cfg.Providers.Script, validScriptProviders)...)
	errs = append(errs, validateProviders("providers.voice", cfg.Providers.Voice, validVoiceProviders)...)

	if cfg.Announcer.ChaosBudget < 0 || cfg.Announcer.ChaosBudget > 1 {
		errs = append(errs, fmt.Errorf("announcer.chaos_budget %.2f is out of range [0, 1]", cfg.Announcer.ChaosBudget))
	}
	if cfg.Content.MinWords > cfg.Content.MaxWords {
		errs = append(errs, fmt.Errorf("content.min_words %d exceeds content.max_words %d", cfg.Content.MinWords, cfg.Content.MaxWords))
	}
	if iv := cfg.Schedule.MusicIntervalMinutes; iv != 2 && iv != 5 {
		errs = append(errs, fmt.Errorf("schedule.music_interval_minutes %d is invalid; valid values: 2, 5", iv))
	}
	if cfg.Schedule.MusicMinQueue > cfg.Schedule.MusicTargetQueue {
		errs = append(errs, fmt.Errorf("schedule.music_min_queue %d exceeds music_target_queue %d", cfg.Schedule.MusicMinQueue, cfg.Schedule.MusicTargetQueue))
	}

	return errors.Join(errs...)
}

// validateProviders checks an ordered provider list for a capability.
func validateProviders(prefix string, entries []ProviderEntry, valid []string) []error {
	var errs []error
	seen := make(map[string]int, len(entries))
	for i, e := range entries {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("%s[%d].name is required", prefix, i))
		} else if prev, ok := seen[e.Name]; ok {
			errs = append(errs, fmt.Errorf("%s[%d].name %q is a duplicate of %s[%d]", prefix, i, e.Name, prefix, prev))
		} else {
			seen[e.Name] = i
		}
		known := false
		for _, v := range valid {
			if e.Provider == v {
				known = true
				break
			}
		}
		if !known {
			errs = append(errs, fmt.Errorf("%s[%d].provider %q is unknown; valid values: %v", prefix, i, e.Provider, valid))
		}
	}
	return errs
}
