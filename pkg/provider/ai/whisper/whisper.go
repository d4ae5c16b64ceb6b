// Package whisper provides a local whisper.cpp-backed [ai.Transcriber].
//
// It connects to a running whisper-server binary (which exposes a REST API at
// POST /inference) and submits the full recorded utterance as a single batch
// inference request. Because the dictation pipeline is batch by design —
// audio is captured first, then transcribed on stop — no streaming or
// silence segmentation is needed here.
//
// Usage:
//
//	t, err := whisper.New("http://localhost:8080",
//	    whisper.WithLanguage("en"),
//	)
//	result, err := t.Transcribe(ctx, pcm)
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/nils-skog/dictare/pkg/provider/ai"
)

const (
	defaultLanguage   = "en"
	defaultSampleRate = 16000
	defaultChannels   = 1
)

// Compile-time assertion that Transcriber implements ai.Transcriber.
var _ ai.Transcriber = (*Transcriber)(nil)

// Option is a functional option for configuring a Transcriber.
type Option func(*Transcriber)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with — this is the default.
func WithModel(model string) Option {
	return func(t *Transcriber) {
		t.model = model
	}
}

// WithLanguage sets the language code sent to the whisper.cpp server
// (e.g., "en", "de", "fr"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(t *Transcriber) {
		t.language = lang
	}
}

// WithSampleRate sets the audio sample rate in Hz. This must match the actual
// sample rate of the PCM payloads passed to Transcribe. Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(t *Transcriber) {
		t.sampleRate = rate
	}
}

// WithHTTPClient replaces the default HTTP client (30 s timeout). Useful in
// tests and for custom transport configuration.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transcriber) {
		t.httpClient = c
	}
}

// Transcriber implements [ai.Transcriber] backed by a local whisper.cpp HTTP
// server. It is safe for concurrent use — the Transcriber is read-only after
// construction.
type Transcriber struct {
	serverURL  string
	model      string
	language   string
	sampleRate int
	channels   int
	httpClient *http.Client
}

// New creates a Transcriber that connects to the whisper.cpp HTTP server at
// serverURL (e.g., "http://localhost:8080"). serverURL must be non-empty.
// Functional options may be provided to override defaults.
func New(serverURL string, opts ...Option) (*Transcriber, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	t := &Transcriber{
		serverURL:  serverURL,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		channels:   defaultChannels,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Transcribe implements [ai.Transcriber]. The audio payload is raw 16-bit
// signed little-endian PCM; it is wrapped in a WAV container and POSTed to
// the whisper.cpp /inference endpoint as multipart/form-data.
func (t *Transcriber) Transcribe(ctx context.Context, audio []byte) (ai.Transcript, error) {
	if len(audio) == 0 {
		return ai.Transcript{}, fmt.Errorf("whisper: audio payload is empty")
	}

	wav := ai.EncodeWAV(audio, t.sampleRate, t.channels)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	// Primary audio field.
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return ai.Transcript{}, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return ai.Transcript{}, fmt.Errorf("whisper: write wav data: %w", err)
	}

	// Optional hint fields.
	if t.language != "" {
		if err := mw.WriteField("language", t.language); err != nil {
			return ai.Transcript{}, fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if t.model != "" {
		if err := mw.WriteField("model", t.model); err != nil {
			return ai.Transcript{}, fmt.Errorf("whisper: write model field: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return ai.Transcript{}, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	endpoint := t.serverURL + "/inference"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return ai.Transcript{}, fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return ai.Transcript{}, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ai.Transcript{}, fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return ai.Transcript{}, fmt.Errorf("whisper: read response body: %w", err)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return ai.Transcript{}, fmt.Errorf("whisper: parse JSON response: %w", err)
	}

	return ai.Transcript{
		Text:     strings.TrimSpace(result.Text),
		Language: t.language,
		Duration: pcmDuration(audio, t.sampleRate, t.channels),
	}, nil
}

// pcmDuration returns the duration of a 16-bit PCM payload. Returns 0 for
// invalid inputs.
func pcmDuration(pcm []byte, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	bytesPerSec := sampleRate * channels * 2
	return time.Duration(len(pcm)) * time.Second / time.Duration(bytesPerSec)
}
