// Command ontrack is the playout engine's track-start hook. The engine
// execs it with the started file and the queue it came from; ontrack writes
// the play-history row, clears a consumed force-break trigger and refreshes
// the public now-playing snapshot before exiting.
//
// Usage: ontrack [-config config.yaml] <filename> <queue>
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/haywire-radio/haywire/internal/config"
	"github.com/haywire-radio/haywire/internal/engine"
	"github.com/haywire-radio/haywire/internal/icecast"
	"github.com/haywire-radio/haywire/internal/nowplaying"
	"github.com/haywire-radio/haywire/internal/recorder"
	"github.com/haywire-radio/haywire/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	if flag.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "usage: ontrack [-config config.yaml] <filename> <queue>")
		return 2
	}
	filename, queue := flag.Arg(0), flag.Arg(1)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ontrack: %v\n", err)
		return 1
	}

	// The engine blocks its playout thread on this hook, so everything runs
	// under one hard deadline.
	ctx, cancel := context.WithTimeout(context.Background(), recorder.Deadline)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	st, err := store.Open(cfg.Paths.DBFile())
	if err != nil {
		logger.Error("open store", "err", err)
		return 1
	}
	defer st.Close()

	eng := engine.New(cfg.Engine.Socket)
	stats := icecast.New(cfg.Icecast)
	exporter := nowplaying.New(cfg, st, eng, stats, logger)

	rec := recorder.New(cfg, st, exporter, logger)
	if err := rec.Record(ctx, filename, queue); err != nil {
		logger.Error("record track start", "file", filename, "queue", queue, "err", err)
		return 1
	}
	return 0
}
