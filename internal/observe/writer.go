package observe

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/renameio/v2"

	"github.com/haywire-radio/haywire/internal/store"
)

// writeInterval is the metrics.json cadence.
const writeInterval = time.Minute

// metricsDocument is the state/metrics.json schema. It is a coarse operator
// dashboard, complementary to the Prometheus scrape.
type metricsDocument struct {
	UpdatedAt      string             `json:"updated_at"`
	UptimeSec      float64            `json:"uptime_sec"`
	PlaysLastHour  map[string]int     `json:"plays_last_hour"`
	LastGeneration *generationSummary `json:"last_generation,omitempty"`
}

type generationSummary struct {
	Status   string `json:"status"`
	Finished string `json:"finished"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
}

// MetricsWriter publishes a small JSON metrics document every minute.
type MetricsWriter struct {
	path    string
	genJob  string
	store   *store.Store
	log     *slog.Logger
	started time.Time
	now     func() time.Time

	interval time.Duration
}

// NewMetricsWriter creates a writer targeting path. genJob is the
// generation-run job name summarised in the document.
func NewMetricsWriter(path, genJob string, st *store.Store, log *slog.Logger) *MetricsWriter {
	return &MetricsWriter{
		path:     path,
		genJob:   genJob,
		store:    st,
		log:      log,
		started:  time.Now(),
		now:      time.Now,
		interval: writeInterval,
	}
}

// String implements fmt.Stringer for the supervisor's logs.
func (w *MetricsWriter) String() string { return "metrics-writer" }

// Serve writes the document once at startup and then on every interval tick
// until ctx is canceled.
func (w *MetricsWriter) Serve(ctx context.Context) error {
	if err := w.WriteOnce(ctx); err != nil {
		w.log.Warn("write metrics", "error", err)
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.WriteOnce(ctx); err != nil {
				w.log.Warn("write metrics", "error", err)
			}
		}
	}
}

// WriteOnce composes and atomically publishes one document.
func (w *MetricsWriter) WriteOnce(ctx context.Context) error {
	now := w.now()
	doc := metricsDocument{
		UpdatedAt:     now.UTC().Format(time.RFC3339),
		UptimeSec:     now.Sub(w.started).Seconds(),
		PlaysLastHour: map[string]int{},
	}

	plays, err := w.store.RecentPlays(ctx, 500)
	if err != nil {
		return fmt.Errorf("observe: read plays: %w", err)
	}
	cutoff := now.Add(-time.Hour)
	for _, p := range plays {
		if p.PlayedAt.After(cutoff) {
			doc.PlaysLastHour[string(p.Source)]++
		}
	}

	if run, err := w.store.LastRun(ctx, w.genJob); err == nil {
		doc.LastGeneration = &generationSummary{
			Status:   run.Status,
			Finished: run.Finished.UTC().Format(time.RFC3339),
			Output:   run.Output,
			Error:    run.Error,
		}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("observe: marshal metrics: %w", err)
	}
	if err := renameio.WriteFile(w.path, data, 0o644); err != nil {
		return fmt.Errorf("observe: write metrics: %w", err)
	}
	return nil
}
