// Package openai provides a script provider backed by the OpenAI API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/haywire-radio/haywire/internal/chain"
	"github.com/haywire-radio/haywire/pkg/provider/script"
)

// Provider implements script.Provider using the OpenAI chat completions API.
type Provider struct {
	name   string
	client oai.Client
	model  string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New constructs an OpenAI script Provider. name is the log label.
func New(name, apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	cfg := &config{timeout: 60 * time.Second}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}),
		option.WithMaxRetries(0), // the chain owns retry policy
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &Provider{name: name, client: oai.NewClient(reqOpts...), model: model}, nil
}

// Name implements script.Provider.
func (p *Provider) Name() string { return p.name }

// Generate implements script.Provider.
func (p *Provider) Generate(ctx context.Context, req script.Request) (string, error) {
	params := oai.ChatCompletionNewParams{
		Model: shared.ChatModel(p.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(req.SystemPrompt),
			oai.UserMessage(req.UserPrompt),
		},
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", chain.Faultf(chain.FaultTransient, "openai: empty choices in response")
	}
	return resp.Choices[0].Message.Content, nil
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
