package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
)

// State persists each trigger's last completed instant to schedule.json so
// instants missed across downtime can be caught up exactly once.
type State struct {
	path string

	mu    sync.Mutex
	fires map[string]time.Time
}

// LoadState reads schedule.json, starting empty when the file is missing or
// unreadable (a corrupt state file must never block startup).
func LoadState(path string) *State {
	s := &State{path: path, fires: make(map[string]time.Time)}
	data, err := os.ReadFile(path)
	if err != nil {
		return s
	}
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return s
	}
	for name, ts := range raw {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			s.fires[name] = t
		}
	}
	return s
}

// LastFire returns the last completed instant for a trigger.
func (s *State) LastFire(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.fires[name]
	return t, ok
}

// SetFire records instant as completed for the trigger and persists the file
// atomically.
func (s *State) SetFire(name string, instant time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fires[name] = instant

	raw := make(map[string]string, len(s.fires))
	for n, t := range s.fires {
		raw[n] = t.UTC().Format(time.RFC3339)
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("scheduler: ensure state dir: %w", err)
	}
	if err := renameio.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("scheduler: write state: %w", err)
	}
	return nil
}
