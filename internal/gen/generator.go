package gen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haywire-radio/haywire/internal/chain"
	"github.com/haywire-radio/haywire/internal/config"
	"github.com/haywire-radio/haywire/internal/mix"
	"github.com/haywire-radio/haywire/internal/observe"
	"github.com/haywire-radio/haywire/internal/phraselog"
	"github.com/haywire-radio/haywire/internal/store"
	"github.com/haywire-radio/haywire/pkg/provider/script"
	"github.com/haywire-radio/haywire/pkg/provider/voice"
)

// Job is the generation-run row name for break production.
const Job = "break_generate"

// phraseContext is how many recent phrases feed the negative-context list.
const phraseContext = 20

var (
	// ErrSkipped is returned when the kill-switch sentinel exists.
	ErrSkipped = errors.New("gen: generation disabled by kill switch")

	// ErrNoInput is returned when both weather and news failed.
	ErrNoInput = errors.New("gen: no inputs available")

	// ErrNoBed is returned when no bed asset exists to mix under the voice.
	ErrNoBed = errors.New("gen: no bed assets available")
)

// WeatherSource provides current conditions.
type WeatherSource interface {
	Fetch(ctx context.Context) (*Weather, error)
}

// NewsSource provides recent headlines.
type NewsSource interface {
	Fetch(ctx context.Context) ([]Headline, error)
}

// AudioMixer combines a voice track with a bed into the final artifact.
type AudioMixer interface {
	Run(ctx context.Context, p mix.Params) error
}

// Deps wires the generator's collaborators. All fields are required except
// Now, which defaults to time.Now.
type Deps struct {
	Config  *config.Config
	Store   *store.Store
	Weather WeatherSource
	News    NewsSource
	Phrases *phraselog.Log
	Scripts *chain.Chain[script.Provider]
	Voices  *chain.Chain[voice.Provider]
	Mixer   AudioMixer
	Log     *slog.Logger
	Now     func() time.Time
}

// Generator produces one break artifact per Run and publishes it atomically
// as next.mp3 under the breaks directory.
type Generator struct {
	d       Deps
	prompts *PromptBuilder
	metrics *observe.Metrics
}

// New creates a Generator from its dependencies.
func New(d Deps) *Generator {
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Generator{
		d:       d,
		prompts: NewPromptBuilder(d.Config.Station, d.Config.Announcer, d.Config.Content),
		metrics: observe.DefaultMetrics(),
	}
}

// Result describes one completed (or aborted) generation run.
type Result struct {
	Status     string // ok | fail | skipped
	OutputPath string
	Script     string
}

// Run executes the full pipeline: gather inputs, synthesize a script,
// synthesize voice, mix with a bed, publish, record. The run row is written
// for every outcome including failures.
func (g *Generator) Run(ctx context.Context) (*Result, error) {
	started := g.d.Now()
	res, err := g.run(ctx, started)
	g.metrics.RecordGeneration(ctx, g.d.Now().Sub(started), res.Status)

	run := store.Run{Job: Job, Status: res.Status, Started: started, Finished: g.d.Now(), Output: res.OutputPath}
	if err != nil {
		run.Error = err.Error()
	}
	if rerr := g.d.Store.RecordRun(ctx, run); rerr != nil {
		g.d.Log.Error("record generation run", "error", rerr)
	}
	return res, err
}

func (g *Generator) run(ctx context.Context, started time.Time) (*Result, error) {
	paths := g.d.Config.Paths

	if _, err := os.Stat(paths.KillGeneration()); err == nil {
		g.d.Log.Info("kill switch present, skipping generation", "path", paths.KillGeneration())
		return &Result{Status: "skipped"}, ErrSkipped
	}

	inputs, err := g.gather(ctx, started)
	if err != nil {
		return &Result{Status: "fail"}, err
	}
	if inputs.Degraded() {
		g.d.Log.Warn("generating from partial inputs",
			"weather", inputs.Weather != nil, "headlines", len(inputs.Headlines))
	}

	scriptStart := g.d.Now()
	text, err := g.synthesizeScript(ctx, inputs)
	g.metrics.RecordStageDuration(ctx, "script", g.d.Now().Sub(scriptStart))
	if err != nil {
		return &Result{Status: "fail"}, err
	}

	voiceStart := g.d.Now()
	voicePath, err := g.synthesizeVoice(ctx, text)
	g.metrics.RecordStageDuration(ctx, "tts", g.d.Now().Sub(voiceStart))
	if err != nil {
		return &Result{Status: "fail"}, err
	}
	defer os.Remove(voicePath)

	mixStart := g.d.Now()
	mixed, err := g.mixBreak(ctx, voicePath)
	g.metrics.RecordStageDuration(ctx, "mix", g.d.Now().Sub(mixStart))
	if err != nil {
		return &Result{Status: "fail"}, err
	}

	if err := g.publish(mixed); err != nil {
		os.Remove(mixed)
		return &Result{Status: "fail"}, err
	}

	if phrases := OpeningPhrases(text, 3); len(phrases) > 0 {
		if err := g.d.Phrases.Append(phrases...); err != nil {
			g.d.Log.Warn("append recent phrases", "error", err)
		}
	}

	g.d.Log.Info("break published", "path", paths.NextBreak(), "words", WordCount(text))
	return &Result{Status: "ok", OutputPath: paths.NextBreak(), Script: text}, nil
}

// gather fetches weather and news in parallel. Either source may fail; only
// a total blackout aborts the run.
func (g *Generator) gather(ctx context.Context, now time.Time) (Inputs, error) {
	in := Inputs{Now: now.In(g.d.Config.Station.Location())}

	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		w, err := g.d.Weather.Fetch(gctx)
		if err != nil {
			g.d.Log.Warn("weather fetch failed", "error", err)
			return nil
		}
		in.Weather = w
		return nil
	})
	eg.Go(func() error {
		hs, err := g.d.News.Fetch(gctx)
		if err != nil {
			g.d.Log.Warn("news fetch failed", "error", err)
			return nil
		}
		in.Headlines = hs
		return nil
	})
	// Fetch errors are downgraded to warnings above, so Wait only
	// propagates context cancellation.
	if err := eg.Wait(); err != nil {
		return in, err
	}

	if in.Empty() {
		return in, ErrNoInput
	}

	recent, err := g.d.Phrases.Recent(phraseContext)
	if err != nil {
		g.d.Log.Warn("read recent phrases", "error", err)
	}
	in.RecentPhrases = recent
	return in, nil
}

// synthesizeScript runs the script chain with word-count validation. Out-of-
// range scripts get up to two stricter retries; then the closest candidate
// wins. Chain exhaustion falls back to a templated script.
func (g *Generator) synthesizeScript(ctx context.Context, in Inputs) (string, error) {
	system := g.prompts.System()
	user := g.prompts.User(in)
	content := g.d.Config.Content

	var best string
	bestDist := -1
	for attempt := 0; attempt < 3; attempt++ {
		text, err := chain.Execute(ctx, g.d.Scripts, func(ctx context.Context, p script.Provider) (string, error) {
			return p.Generate(ctx, script.Request{
				SystemPrompt: system,
				UserPrompt:   user,
				Temperature:  0.9,
				MaxTokens:    1024,
			})
		})
		if err != nil {
			if errors.Is(err, chain.ErrAllProvidersFailed) {
				g.d.Log.Warn("all script providers failed, using templated script")
				return g.prompts.Fallback(in), nil
			}
			return "", err
		}

		words := WordCount(text)
		if words >= content.MinWords && words <= content.MaxWords {
			return text, nil
		}
		dist := content.MinWords - words
		if words > content.MaxWords {
			dist = words - content.MaxWords
		}
		if bestDist < 0 || dist < bestDist {
			best, bestDist = text, dist
		}
		g.d.Log.Warn("script outside word range, retrying stricter",
			"words", words, "min", content.MinWords, "max", content.MaxWords, "attempt", attempt+1)
		user = g.prompts.StrictRetry(user, words)
	}
	return best, nil
}

// synthesizeVoice runs the voice chain and writes the audio to a temp file
// in the breaks directory so the later rename stays on one filesystem.
func (g *Generator) synthesizeVoice(ctx context.Context, text string) (string, error) {
	audio, err := chain.Execute(ctx, g.d.Voices, func(ctx context.Context, p voice.Provider) ([]byte, error) {
		return p.Synthesize(ctx, voice.Request{
			Text:         text,
			Instructions: g.d.Config.Announcer.Delivery,
		})
	})
	if err != nil {
		return "", fmt.Errorf("gen: voice synthesis: %w", err)
	}

	f, err := os.CreateTemp(g.d.Config.Paths.BreaksDir(), ".voice-*.mp3")
	if err != nil {
		return "", fmt.Errorf("gen: voice temp file: %w", err)
	}
	if _, err := f.Write(audio); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("gen: write voice audio: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("gen: close voice audio: %w", err)
	}
	return f.Name(), nil
}

// mixBreak combines the voice track with a random bed into a temp artifact.
func (g *Generator) mixBreak(ctx context.Context, voicePath string) (string, error) {
	bed, err := g.pickBed(ctx)
	if err != nil {
		return "", err
	}

	out := filepath.Join(g.d.Config.Paths.BreaksDir(),
		fmt.Sprintf(".next-%d.mp3.tmp", g.d.Now().UnixNano()))
	err = g.d.Mixer.Run(ctx, mix.Params{
		VoicePath:     voicePath,
		BedPath:       bed,
		OutPath:       out,
		BedPrerollSec: 1.5,
	})
	if err != nil {
		os.Remove(out)
		return "", err
	}
	return out, nil
}

func (g *Generator) pickBed(ctx context.Context) (string, error) {
	beds, err := g.d.Store.AssetsByKind(ctx, store.KindBed)
	if err != nil {
		return "", fmt.Errorf("gen: list beds: %w", err)
	}
	if len(beds) == 0 {
		return "", ErrNoBed
	}
	return beds[rand.IntN(len(beds))].Path, nil
}

// publish performs the rename dance: the previous next.mp3 becomes
// last_good.mp3, then the fresh artifact becomes next.mp3. Both renames are
// atomic on the shared filesystem; readers never see a partial file.
func (g *Generator) publish(tmpPath string) error {
	paths := g.d.Config.Paths
	next := paths.NextBreak()

	if _, err := os.Stat(next); err == nil {
		if err := os.Rename(next, paths.LastGoodBreak()); err != nil {
			return fmt.Errorf("gen: rotate last_good: %w", err)
		}
	}
	if err := os.Rename(tmpPath, next); err != nil {
		return fmt.Errorf("gen: publish next: %w", err)
	}
	return nil
}
