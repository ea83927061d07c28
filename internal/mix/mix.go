// Package mix invokes the external audio processor that combines a voice
// take with a music bed: bed preroll, fade-in, sidechain ducking under the
// voice, fade-out, and loudness normalization to the broadcast target
// (−18 LUFS integrated, −1.0 dBTP, 44.1 kHz stereo).
//
// The package owns only argument construction and exit-code handling; all
// DSP lives in ffmpeg. Mix subprocesses run at lowered scheduling priority
// so they never starve the audio engine.
package mix

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ErrMixFailed indicates a non-zero mixer exit. The caller must leave prior
// artifacts untouched.
var ErrMixFailed = errors.New("mix: mixer exited non-zero")

// Params describes one mix job.
type Params struct {
	// VoicePath is the raw voice take.
	VoicePath string

	// BedPath is the instrumental bed.
	BedPath string

	// OutPath receives the finished MP3. The caller is responsible for
	// atomic publication; mix writes OutPath directly (it should be a temp
	// path on the destination filesystem).
	OutPath string

	// BedPrerollSec is how long the bed plays before the voice enters.
	BedPrerollSec float64
}

// Mixer runs ffmpeg mix jobs.
type Mixer struct {
	binary   string
	niceness int
}

// New creates a Mixer using the given ffmpeg binary at the given niceness.
func New(binary string, niceness int) *Mixer {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &Mixer{binary: binary, niceness: niceness}
}

// Args returns the full argument vector (excluding the binary) for p.
// Exposed for tests; Run is the execution path.
func (m *Mixer) Args(p Params) []string {
	delayMs := int(p.BedPrerollSec * 1000)
	// The voice enters after the bed preroll; the bed is compressed under
	// the voice via its sidechain. The reverse/fade/reverse pair applies a
	// tail fade without knowing the final duration up front.
	filter := strings.Join([]string{
		fmt.Sprintf("[0:a]adelay=%d|%d[voice]", delayMs, delayMs),
		"[voice]asplit=2[vmain][vside]",
		"[1:a]afade=t=in:d=1.5[bedin]",
		"[bedin][vside]sidechaincompress=threshold=0.03:ratio=12:attack=20:release=400[duck]",
		"[duck][vmain]amix=inputs=2:duration=first:dropout_transition=3[mixed]",
		"[mixed]areverse,afade=t=in:d=2,areverse[tail]",
		"[tail]loudnorm=I=-18:TP=-1.0:LRA=11[out]",
	}, ";")

	return []string{
		"-hide_banner", "-nostdin", "-y",
		"-i", p.VoicePath,
		"-stream_loop", "-1", "-i", p.BedPath,
		"-filter_complex", filter,
		"-map", "[out]",
		"-ar", "44100", "-ac", "2",
		"-codec:a", "libmp3lame", "-b:a", "192k",
		p.OutPath,
	}
}

// Run executes the mix. On a non-zero exit it returns [ErrMixFailed]
// wrapping the tail of the mixer's stderr.
func (m *Mixer) Run(ctx context.Context, p Params) error {
	if p.VoicePath == "" || p.BedPath == "" || p.OutPath == "" {
		return fmt.Errorf("mix: voice, bed, and out paths are all required")
	}

	argv := append([]string{"-n", strconv.Itoa(m.niceness), m.binary}, m.Args(p)...)
	cmd := exec.CommandContext(ctx, "nice", argv...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("mix: %w", ctx.Err())
		}
		return fmt.Errorf("%w: %v: %s", ErrMixFailed, err, tail(stderr.String(), 512))
	}
	return nil
}

// tail returns the last n bytes of s; ffmpeg buries the useful error at the
// end of its output.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "…" + s[len(s)-n:]
}
