// Package openaitts provides an OpenAI speech-API-backed synthesizer. It
// implements the tts.Synthesizer interface.
//
// Synthesis uses the /v1/audio/speech endpoint with the raw "pcm" response
// format, which the API emits as 24 kHz 16-bit mono little-endian samples.
// The provider resamples to the configured output rate (16 kHz by default,
// the pipeline rate) before delivering chunks.
package openaitts

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/cadenza/pkg/audio"
	"github.com/MrWong99/cadenza/pkg/provider/tts"
)

// DefaultModel is the default OpenAI speech model.
const DefaultModel = oai.SpeechModelGPT4oMiniTTS

// Ensure Provider implements the tts.Synthesizer interface.
var _ tts.Synthesizer = (*Provider)(nil)

const (
	// apiSampleRate is the fixed rate of the "pcm" response format.
	apiSampleRate = 24000

	defaultOutputRate = 16000

	// pcmChunkSize is the size of each PCM chunk handed to onChunk.
	pcmChunkSize = 4096
)

// builtinVoiceIDs lists the voices the speech endpoint accepts, sorted.
// OpenAI exposes no listing API; the set is maintained here.
var builtinVoiceIDs = []string{
	"alloy", "ash", "ballad", "coral", "echo", "fable",
	"nova", "onyx", "sage", "shimmer", "verse",
}

// Provider implements tts.Synthesizer using the OpenAI speech API.
type Provider struct {
	client       oai.Client
	model        string
	voice        string
	instructions string
	speed        float64
	outputRate   int
}

// config holds optional configuration for the provider.
type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
	model        string
	instructions string
	speed        float64
	outputRate   int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithModel sets the speech model (e.g., "gpt-4o-mini-tts", "tts-1").
func WithModel(model string) Option {
	return func(c *config) {
		c.model = model
	}
}

// WithInstructions sets free-form delivery instructions for models that
// support them (e.g., "speak softly and quickly").
func WithInstructions(instructions string) Option {
	return func(c *config) {
		c.instructions = instructions
	}
}

// WithSpeed sets the playback speed multiplier. The API accepts 0.25 to 4.0.
func WithSpeed(speed float64) Option {
	return func(c *config) {
		c.speed = speed
	}
}

// WithOutputSampleRate configures the rate synthesised PCM is resampled to
// before delivery. Defaults to 16000, the pipeline rate. Set to 0 to emit
// PCM at the API's native 24 kHz.
func WithOutputSampleRate(rate int) Option {
	return func(c *config) {
		c.outputRate = rate
	}
}

// New constructs an OpenAI speech Provider speaking with the given voice
// (e.g., "nova"). apiKey and voice must be non-empty.
func New(apiKey string, voice string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai tts: apiKey must not be empty")
	}
	if voice == "" {
		return nil, fmt.Errorf("openai tts: voice must not be empty")
	}

	cfg := &config{
		model:      DefaultModel,
		outputRate: defaultOutputRate,
	}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.speed != 0 && (cfg.speed < 0.25 || cfg.speed > 4.0) {
		return nil, fmt.Errorf("openai tts: speed %g out of range [0.25, 4.0]", cfg.speed)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	client := oai.NewClient(reqOpts...)
	return &Provider{
		client:       client,
		model:        cfg.model,
		voice:        voice,
		instructions: cfg.instructions,
		speed:        cfg.speed,
		outputRate:   cfg.outputRate,
	}, nil
}

// Synthesize implements tts.Synthesizer. It issues one speech request for
// text, resamples the returned PCM to the configured output rate, and
// delivers it through onChunk in pcmChunkSize slices.
func (p *Provider) Synthesize(ctx context.Context, text string, onChunk func(pcm []byte) error) error {
	if text == "" {
		return nil
	}

	resp, err := p.client.Audio.Speech.New(ctx, p.speechParams(text))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("openai tts: speech request: %w", err)
	}
	defer resp.Body.Close()

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("openai tts: read audio: %w", err)
	}

	if p.outputRate > 0 && p.outputRate != apiSampleRate {
		pcm = audio.ResampleMono16(pcm, apiSampleRate, p.outputRate)
	}

	for len(pcm) > 0 {
		end := min(pcmChunkSize, len(pcm))
		if err := onChunk(pcm[:end]); err != nil {
			return err
		}
		pcm = pcm[end:]
	}
	return nil
}

// speechParams converts the provider configuration and utterance text into
// OpenAI SDK params.
func (p *Provider) speechParams(text string) oai.AudioSpeechNewParams {
	params := oai.AudioSpeechNewParams{
		Model:          oai.SpeechModel(p.model),
		Input:          text,
		Voice:          oai.AudioSpeechNewParamsVoice(p.voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if p.instructions != "" {
		params.Instructions = param.NewOpt(p.instructions)
	}
	if p.speed != 0 {
		params.Speed = param.NewOpt(p.speed)
	}
	return params
}

// ListVoices returns the fixed voice catalogue the speech endpoint accepts.
func (p *Provider) ListVoices(_ context.Context) ([]tts.Voice, error) {
	voices := make([]tts.Voice, 0, len(builtinVoiceIDs))
	for _, id := range builtinVoiceIDs {
		voices = append(voices, tts.Voice{
			ID:       id,
			Name:     id,
			Provider: "openai",
			Labels:   map[string]string{"type": "builtin"},
		})
	}
	return voices, nil
}
