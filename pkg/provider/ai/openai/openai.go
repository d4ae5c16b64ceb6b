// Package openai provides AI providers backed by the OpenAI API: a
// [ai.Transcriber] using the audio transcriptions endpoint and a [ai.Refiner]
// using chat completions.
package openai

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/nils-skog/dictare/pkg/provider/ai"
	"github.com/nils-skog/dictare/pkg/types"
)

const (
	defaultTranscribeModel = "whisper-1"
	defaultRefineModel     = "gpt-4o-mini"

	// defaultRefineTemperature keeps refinement output close to deterministic.
	defaultRefineTemperature = 0.3

	defaultSampleRate = 16000
	defaultChannels   = 1
)

// Compile-time interface checks.
var (
	_ ai.Transcriber = (*Transcriber)(nil)
	_ ai.Refiner     = (*Refiner)(nil)
)

// config holds optional configuration shared by both provider types.
type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
}

// Option is a functional option for [NewTranscriber] and [NewRefiner].
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

// newClient builds an OpenAI SDK client from the shared option set.
func newClient(apiKey string, opts ...Option) (oai.Client, error) {
	if apiKey == "" {
		return oai.Client{}, fmt.Errorf("openai: apiKey must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
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

	return oai.NewClient(reqOpts...), nil
}

// ─── Transcriber ─────────────────────────────────────────────────────────────

// Transcriber implements [ai.Transcriber] using the OpenAI audio
// transcriptions API. Audio payloads are raw 16-bit signed little-endian PCM;
// the provider wraps them in a WAV container before upload.
type Transcriber struct {
	client     oai.Client
	model      string
	language   string
	sampleRate int
	channels   int
}

// TranscriberOption is a functional option specific to [NewTranscriber].
type TranscriberOption func(*Transcriber)

// WithLanguage sets the ISO-639-1 language hint sent with each request
// (e.g., "en"). Empty lets the model auto-detect.
func WithLanguage(lang string) TranscriberOption {
	return func(t *Transcriber) {
		t.language = lang
	}
}

// WithSampleRate sets the PCM sample rate in Hz used when wrapping payloads
// as WAV. Must match the capture pipeline. Defaults to 16000.
func WithSampleRate(rate int) TranscriberOption {
	return func(t *Transcriber) {
		t.sampleRate = rate
	}
}

// NewTranscriber constructs a Transcriber. model defaults to "whisper-1" when
// empty.
func NewTranscriber(apiKey, model string, opts []Option, topts ...TranscriberOption) (*Transcriber, error) {
	client, err := newClient(apiKey, opts...)
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = defaultTranscribeModel
	}
	t := &Transcriber{
		client:     client,
		model:      model,
		sampleRate: defaultSampleRate,
		channels:   defaultChannels,
	}
	for _, o := range topts {
		o(t)
	}
	return t, nil
}

// Transcribe implements [ai.Transcriber].
func (t *Transcriber) Transcribe(ctx context.Context, audio []byte) (ai.Transcript, error) {
	if len(audio) == 0 {
		return ai.Transcript{}, fmt.Errorf("openai: audio payload is empty")
	}

	wav := ai.EncodeWAV(audio, t.sampleRate, t.channels)

	params := oai.AudioTranscriptionNewParams{
		Model: t.model,
		File:  oai.File(bytes.NewReader(wav), "audio.wav", "audio/wav"),
	}
	if t.language != "" {
		params.Language = param.NewOpt(t.language)
	}

	resp, err := t.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return ai.Transcript{}, fmt.Errorf("openai: transcription: %w", err)
	}

	return ai.Transcript{
		Text:     strings.TrimSpace(resp.Text),
		Language: t.language,
	}, nil
}

// ─── Refiner ─────────────────────────────────────────────────────────────────

// Refiner implements [ai.Refiner] using OpenAI chat completions with the
// mode-specific system prompts from [ai.SystemPrompt].
type Refiner struct {
	client      oai.Client
	model       string
	temperature float64
}

// RefinerOption is a functional option specific to [NewRefiner].
type RefinerOption func(*Refiner)

// WithTemperature overrides the refinement sampling temperature.
// Default: 0.3.
func WithTemperature(temp float64) RefinerOption {
	return func(r *Refiner) {
		r.temperature = temp
	}
}

// NewRefiner constructs a Refiner. model defaults to "gpt-4o-mini" when empty.
func NewRefiner(apiKey, model string, opts []Option, ropts ...RefinerOption) (*Refiner, error) {
	client, err := newClient(apiKey, opts...)
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = defaultRefineModel
	}
	r := &Refiner{
		client:      client,
		model:       model,
		temperature: defaultRefineTemperature,
	}
	for _, o := range ropts {
		o(r)
	}
	return r, nil
}

// Refine implements [ai.Refiner].
func (r *Refiner) Refine(ctx context.Context, text string, mode types.RefinementMode) (string, error) {
	if err := ai.ValidateRefineInput(text, mode); err != nil {
		return "", err
	}

	params := oai.ChatCompletionNewParams{
		Model: shared.ChatModel(r.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(ai.SystemPrompt(mode)),
			oai.UserMessage(text),
		},
		Temperature: param.NewOpt(r.temperature),
	}

	resp, err := r.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai: refine completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: empty choices in refine response")
	}

	refined := strings.TrimSpace(resp.Choices[0].Message.Content)
	if refined == "" {
		return "", fmt.Errorf("openai: refine returned empty text")
	}
	return refined, nil
}
