// Package script defines the Provider interface for break-script synthesis
// backends.
//
// A script provider wraps a text-generation API (OpenAI, Anthropic, a local
// Ollama instance, …) and exposes a uniform single-shot interface for the
// content generator. Providers classify their failures as chain faults so
// that the provider chain can decide between retrying, waiting, and moving
// on.
//
// Implementations must be safe for concurrent use.
package script

import "context"

// Request carries everything a backend needs to produce one break script.
type Request struct {
	// SystemPrompt is the assembled station identity, persona, tone rules,
	// and negative context.
	SystemPrompt string

	// UserPrompt carries the gathered inputs (weather, headlines) and the
	// length target.
	UserPrompt string

	// Temperature controls output randomness in [0.0, 2.0].
	Temperature float64

	// MaxTokens caps completion length. Zero means the backend default.
	MaxTokens int
}

// Provider is the abstraction over any script synthesis backend.
//
// Generate must respect ctx cancellation and return promptly when it fires.
// Failures should be returned as [github.com/haywire-radio/haywire/internal/chain.Fault]
// values where the backend can classify them.
type Provider interface {
	// Name returns the configured log name of this provider instance.
	Name() string

	// Generate produces the script text for req.
	Generate(ctx context.Context, req Request) (string, error)
}
