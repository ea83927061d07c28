// Package icecast reads listener statistics from an Icecast server's
// status-json.xsl endpoint. Stats are decorative: every error degrades to a
// zero-valued Stats so the now-playing snapshot never fails on them.
package icecast

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/haywire-radio/haywire/internal/config"
)

// Stats is the stream-stats block of the public snapshot.
type Stats struct {
	Listeners   int    `json:"listeners"`
	Bitrate     int    `json:"bitrate"`
	SampleRate  int    `json:"samplerate"`
	StreamStart string `json:"stream_start_iso8601"`
}

// Client queries a single Icecast status endpoint.
type Client struct {
	cfg    config.IcecastConfig
	client *http.Client
}

// New creates a Client for cfg.
func New(cfg config.IcecastConfig) *Client {
	return &Client{cfg: cfg, client: &http.Client{Timeout: 3 * time.Second}}
}

// statusResponse models status-json.xsl. Icecast emits "source" as an object
// for one mount and as an array for several, hence the custom decode.
type statusResponse struct {
	Icestats struct {
		Source json.RawMessage `json:"source"`
	} `json:"icestats"`
}

type sourceEntry struct {
	ListenURL   string `json:"listenurl"`
	Listeners   int    `json:"listeners"`
	Bitrate     int    `json:"bitrate"`
	SampleRate  int    `json:"samplerate"`
	StreamStart string `json:"stream_start_iso8601"`
}

// Fetch returns stats for the configured mount. Unknown mounts and upstream
// failures return an error; callers treat stats as best-effort.
func (c *Client) Fetch(ctx context.Context) (*Stats, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.StatusURL, nil)
	if err != nil {
		return nil, fmt.Errorf("icecast: build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("icecast: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("icecast: status %d", resp.StatusCode)
	}

	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("icecast: decode: %w", err)
	}

	sources, err := decodeSources(status.Icestats.Source)
	if err != nil {
		return nil, err
	}
	for _, src := range sources {
		if strings.HasSuffix(src.ListenURL, c.cfg.Mount) {
			return &Stats{
				Listeners:   src.Listeners,
				Bitrate:     src.Bitrate,
				SampleRate:  src.SampleRate,
				StreamStart: src.StreamStart,
			}, nil
		}
	}
	return nil, fmt.Errorf("icecast: mount %q not found", c.cfg.Mount)
}

func decodeSources(raw json.RawMessage) ([]sourceEntry, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("icecast: no sources connected")
	}
	var many []sourceEntry
	if err := json.Unmarshal(raw, &many); err == nil {
		return many, nil
	}
	var one sourceEntry
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, fmt.Errorf("icecast: decode sources: %w", err)
	}
	return []sourceEntry{one}, nil
}
