// Package voice defines the Provider interface for text-to-speech backends.
//
// A voice provider wraps a speech synthesis service (ElevenLabs, OpenAI) and
// produces a complete encoded audio clip for a finished break script. Unlike
// a conversational pipeline there is no value in streaming partial audio to
// the caller: the mixer needs the whole voice take before it can duck the
// bed under it.
//
// Implementations must be safe for concurrent use.
package voice

import "context"

// Request carries one finished script to synthesise.
type Request struct {
	// Text is the full break script.
	Text string

	// Instructions is the configuration-driven director prefix (voice
	// persona, scene, delivery style). Backends without a direction channel
	// may ignore it.
	Instructions string
}

// Provider is the abstraction over any TTS backend.
//
// Synthesize returns a complete encoded audio clip (MP3 unless the backend
// documents otherwise). Failures should be returned as chain faults where
// the backend can classify them from an HTTP status.
type Provider interface {
	// Name returns the configured log name of this provider instance.
	Name() string

	// Synthesize converts req.Text to speech and returns the encoded bytes.
	Synthesize(ctx context.Context, req Request) ([]byte, error)
}
