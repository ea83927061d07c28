// Package openai provides a voice provider backed by the OpenAI speech API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/haywire-radio/haywire/internal/chain"
	"github.com/haywire-radio/haywire/pkg/provider/voice"
)

const defaultModel = "gpt-4o-mini-tts"

// Provider implements voice.Provider using the OpenAI audio/speech endpoint.
// The model's Instructions channel carries the director prefix natively.
type Provider struct {
	name   string
	client oai.Client
	model  string
	voice  string
}

// Option is a functional option for Provider.
type Option func(*Provider)

// WithModel overrides the default speech model.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// New constructs an OpenAI voice Provider. voiceName selects the built-in
// voice (e.g. "onyx", "nova").
func New(name, apiKey, voiceName string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if voiceName == "" {
		return nil, fmt.Errorf("openai: voiceName must not be empty")
	}
	p := &Provider{
		name:  name,
		model: defaultModel,
		voice: voiceName,
		client: oai.NewClient(
			option.WithAPIKey(apiKey),
			option.WithHTTPClient(&http.Client{Timeout: 120 * time.Second}),
			option.WithMaxRetries(0), // the chain owns retry policy
		),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements voice.Provider.
func (p *Provider) Name() string { return p.name }

// Synthesize implements voice.Provider.
func (p *Provider) Synthesize(ctx context.Context, req voice.Request) ([]byte, error) {
	if req.Text == "" {
		return nil, chain.Faultf(chain.FaultPermanent, "openai: empty text")
	}

	params := oai.AudioSpeechNewParams{
		Model:          p.model,
		Input:          req.Text,
		Voice:          oai.AudioSpeechNewParamsVoice(p.voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatMP3,
	}
	if req.Instructions != "" {
		params.Instructions = param.NewOpt(req.Instructions)
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, chain.Faultf(chain.FaultTransient, "openai: read audio body: %v", err)
	}
	if len(audio) == 0 {
		return nil, chain.Faultf(chain.FaultTransient, "openai: empty audio body")
	}
	return audio, nil
}

// classify maps SDK errors onto chain faults using the HTTP status when one
// is available.
func classify(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		f := chain.FromStatus(apiErr.StatusCode, err)
		if f.Kind == chain.FaultRateLimited {
			if ra, perr := time.ParseDuration(apiErr.Response.Header.Get("Retry-After") + "s"); perr == nil {
				f.RetryAfter = ra
			}
		}
		return f
	}
	return chain.Classify(err)
}
