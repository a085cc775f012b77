// Package openai implements [asr.Model] using the OpenAI audio transcription
// API.
//
// Segments are shipped as WAV-wrapped PCM, so no local model files are
// needed. The API returns plain text without inline markers. Useful as a
// fallback backend behind a local model, or for deployments without GPU
// capacity.
package openai

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/skaldlabs/skald/pkg/provider/asr"
)

// DefaultModel is the transcription model used when none is configured.
const DefaultModel = "whisper-1"

// Model calls the OpenAI transcription endpoint for each segment.
type Model struct {
	client     oai.Client
	model      string
	sampleRate int
}

// options holds optional settings for [New].
type options struct {
	baseURL    string
	timeout    time.Duration
	sampleRate int
}

// Option configures a [Model] created by [New].
type Option func(*options)

// WithBaseURL overrides the API endpoint, e.g. for an OpenAI-compatible
// gateway.
func WithBaseURL(url string) Option {
	return func(o *options) {
		if url != "" {
			o.baseURL = url
		}
	}
}

// WithTimeout sets the HTTP client timeout for transcription requests.
// The default is 30 seconds; the inference pool applies its own, usually
// shorter, deadline on top.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithSampleRate sets the PCM sample rate declared in the WAV wrapper.
// Default: 16000.
func WithSampleRate(rate int) Option {
	return func(o *options) {
		if rate > 0 {
			o.sampleRate = rate
		}
	}
}

// New creates a Model using the given API key and transcription model name.
// An empty model selects [DefaultModel].
func New(apiKey, model string, opts ...Option) (*Model, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai asr: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	o := options{
		timeout:    30 * time.Second,
		sampleRate: 16000,
	}
	for _, opt := range opts {
		opt(&o)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: o.timeout}),
	}
	if o.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(o.baseURL))
	}

	return &Model{
		client:     oai.NewClient(reqOpts...),
		model:      model,
		sampleRate: o.sampleRate,
	}, nil
}

// Transcribe uploads one WAV-wrapped segment and returns the recognized text.
// The language hint is forwarded when it is a concrete language; "auto" lets
// the API detect.
func (m *Model) Transcribe(ctx context.Context, samples []float32, language string) (asr.Result, error) {
	if len(samples) == 0 {
		return asr.Result{}, nil
	}

	params := oai.AudioTranscriptionNewParams{
		Model: oai.AudioModel(m.model),
		File:  oai.File(bytes.NewReader(encodeWAV(samples, m.sampleRate)), "segment.wav", "audio/wav"),
	}
	if language != "" && language != "auto" {
		params.Language = param.NewOpt(language)
	}

	resp, err := m.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return asr.Result{}, fmt.Errorf("openai asr: transcribe: %w", err)
	}

	return asr.Result{Text: resp.Text}, nil
}

// encodeWAV wraps float32 PCM in a minimal 16-bit mono RIFF/WAVE container.
func encodeWAV(samples []float32, rate int) []byte {
	dataLen := uint32(len(samples) * 2)

	var buf bytes.Buffer
	buf.Grow(44 + int(dataLen))

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataLen))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	binary.Write(&buf, binary.LittleEndian, uint32(rate))
	binary.Write(&buf, binary.LittleEndian, uint32(rate*2))
	binary.Write(&buf, binary.LittleEndian, uint16(2))
	binary.Write(&buf, binary.LittleEndian, uint16(16))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, dataLen)
	for _, s := range samples {
		v := math.Round(float64(s) * 32767)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		binary.Write(&buf, binary.LittleEndian, int16(v))
	}

	return buf.Bytes()
}

// Ensure Model implements the interface at compile time.
var _ asr.Model = (*Model)(nil)
