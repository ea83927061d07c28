// Package elevenlabs provides an ElevenLabs-backed voice provider using the
// ElevenLabs streaming WebSocket API. The full clip is accumulated before it
// is returned; the streaming transport is used because it is the only
// endpoint that accepts per-connection output-format and voice-settings
// overrides together.
//
// Delivery direction is encoded through voice settings (stability, style);
// the API has no separate director channel, so Request.Instructions is not
// sent.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"

	"github.com/haywire-radio/haywire/internal/chain"
	"github.com/haywire-radio/haywire/pkg/provider/voice"
)

const (
	wsEndpointFmt    = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input?model_id=%s&output_format=%s"
	defaultModel     = "eleven_multilingual_v2"
	defaultOutputFmt = "mp3_44100_128"
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithStability sets the voice stability in [0,1]. Lower values give more
// expressive reads.
func WithStability(s float64) Option {
	return func(p *Provider) { p.stability = s }
}

// Provider implements voice.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	name      string
	apiKey    string
	voiceID   string
	model     string
	stability float64
}

// New creates an ElevenLabs Provider. apiKey and voiceID must be non-empty.
func New(name, apiKey, voiceID string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	if voiceID == "" {
		return nil, errors.New("elevenlabs: voiceID must not be empty")
	}
	p := &Provider{
		name:      name,
		apiKey:    apiKey,
		voiceID:   voiceID,
		model:     defaultModel,
		stability: 0.5,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements voice.Provider.
func (p *Provider) Name() string { return p.name }

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// boiMessage is the initial "begin of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

// textMessage carries a text fragment.
type textMessage struct {
	Text string `json:"text"`
	// Flush forces generation of all buffered text.
	Flush bool `json:"flush,omitempty"`
}

// audioResponse is the JSON message received over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded audio
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}

// Synthesize implements voice.Provider. It opens a WebSocket, sends the
// script, and accumulates audio chunks until the final frame.
func (p *Provider) Synthesize(ctx context.Context, req voice.Request) ([]byte, error) {
	if req.Text == "" {
		return nil, chain.Faultf(chain.FaultPermanent, "elevenlabs: empty text")
	}

	wsURL := fmt.Sprintf(wsEndpointFmt, p.voiceID, p.model, defaultOutputFmt)
	conn, resp, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, chain.FromStatus(resp.StatusCode, fmt.Errorf("elevenlabs: dial: %w", err))
		}
		return nil, chain.Faultf(chain.FaultTransient, "elevenlabs: dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// BOI authenticates and configures the stream. ElevenLabs requires a
	// non-empty first text value.
	boi := boiMessage{
		Text:          " ",
		VoiceSettings: &voiceSettings{Stability: p.stability, SimilarityBoost: 0.75},
		XiAPIKey:      p.apiKey,
	}
	if err := writeJSON(ctx, conn, boi); err != nil {
		return nil, chain.Faultf(chain.FaultTransient, "elevenlabs: send BOI: %v", err)
	}
	if err := writeJSON(ctx, conn, textMessage{Text: req.Text + " ", Flush: true}); err != nil {
		return nil, chain.Faultf(chain.FaultTransient, "elevenlabs: send text: %v", err)
	}
	// Empty text is the end-of-input marker.
	if err := writeJSON(ctx, conn, textMessage{Text: ""}); err != nil {
		return nil, chain.Faultf(chain.FaultTransient, "elevenlabs: send EOS: %v", err)
	}

	var buf bytes.Buffer
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			// A normal closure after audio means the final frame carried no
			// isFinal marker; accept what we have.
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure && buf.Len() > 0 {
				return buf.Bytes(), nil
			}
			return nil, chain.Faultf(chain.FaultTransient, "elevenlabs: read: %v", err)
		}

		var ar audioResponse
		if err := json.Unmarshal(msg, &ar); err != nil {
			return nil, chain.Faultf(chain.FaultTransient, "elevenlabs: decode frame: %v", err)
		}
		if ar.Code != 0 && ar.Code != http.StatusOK {
			return nil, chain.FromStatus(ar.Code, fmt.Errorf("elevenlabs: %s", ar.Message))
		}
		if ar.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(ar.Audio)
			if err != nil {
				return nil, chain.Faultf(chain.FaultTransient, "elevenlabs: decode audio: %v", err)
			}
			buf.Write(chunk)
		}
		if ar.IsFinal {
			if buf.Len() == 0 {
				return nil, chain.Faultf(chain.FaultTransient, "elevenlabs: stream ended with no audio")
			}
			return buf.Bytes(), nil
		}
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}
