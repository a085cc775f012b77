// Package sherpa implements [asr.Model] using a local SenseVoice model
// through the sherpa-onnx CGO bindings.
//
// SenseVoice is a multilingual offline recognizer that emits inline <|...|>
// markers for language, emotion, and audio events. The model is loaded once
// at construction; each Transcribe call creates a short-lived decode stream,
// which the bindings allow concurrently against a shared recognizer.
package sherpa

import (
	"context"
	"fmt"

	onnx "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"

	"github.com/skaldlabs/skald/pkg/provider/asr"
)

// Model wraps a sherpa-onnx offline recognizer loaded with SenseVoice weights.
type Model struct {
	rec        *onnx.OfflineRecognizer
	sampleRate int
}

// config holds construction-time settings, applied via [Option] values.
type config struct {
	language   string
	numThreads int
	sampleRate int
}

// Option configures a [Model] created by [New].
type Option func(*config)

// WithLanguage fixes the recognized language ("zh", "en", "ja", "ko", "yue").
// The default "auto" lets SenseVoice detect the language and emit a language
// marker in the output text. The per-call language hint on Transcribe is
// ignored; the recognizer language is fixed at load time.
func WithLanguage(lang string) Option {
	return func(c *config) {
		if lang != "" {
			c.language = lang
		}
	}
}

// WithNumThreads sets the ONNX Runtime intra-op thread count. Default: 2.
func WithNumThreads(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.numThreads = n
		}
	}
}

// WithSampleRate sets the expected input sample rate in Hz. Default: 16000.
func WithSampleRate(rate int) Option {
	return func(c *config) {
		if rate > 0 {
			c.sampleRate = rate
		}
	}
}

// New loads the SenseVoice model at modelPath with the token table at
// tokensPath. The returned Model holds CGO resources; call [Model.Close] when
// done.
func New(modelPath, tokensPath string, opts ...Option) (*Model, error) {
	if modelPath == "" {
		return nil, fmt.Errorf("sherpa asr: model path must not be empty")
	}
	if tokensPath == "" {
		return nil, fmt.Errorf("sherpa asr: tokens path must not be empty")
	}

	cfg := config{
		language:   "auto",
		numThreads: 2,
		sampleRate: 16000,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	recCfg := onnx.OfflineRecognizerConfig{
		FeatConfig: onnx.FeatureConfig{
			SampleRate: cfg.sampleRate,
			FeatureDim: 80,
		},
		ModelConfig: onnx.OfflineModelConfig{
			SenseVoice: onnx.OfflineSenseVoiceModelConfig{
				Model:                       modelPath,
				Language:                    cfg.language,
				UseInverseTextNormalization: 1,
			},
			Tokens:     tokensPath,
			NumThreads: cfg.numThreads,
			Debug:      0,
		},
	}

	rec := onnx.NewOfflineRecognizer(&recCfg)
	if rec == nil {
		return nil, fmt.Errorf("sherpa asr: failed to load model %q", modelPath)
	}

	return &Model{rec: rec, sampleRate: cfg.sampleRate}, nil
}

// Transcribe decodes one utterance. The decode itself is a blocking CGO call;
// ctx is checked before work starts, so callers racing a deadline get
// ctx.Err() without paying for a decode.
func (m *Model) Transcribe(ctx context.Context, samples []float32, _ string) (asr.Result, error) {
	if err := ctx.Err(); err != nil {
		return asr.Result{}, err
	}
	if len(samples) == 0 {
		return asr.Result{}, nil
	}

	stream := onnx.NewOfflineStream(m.rec)
	defer onnx.DeleteOfflineStream(stream)

	stream.AcceptWaveform(m.sampleRate, samples)
	m.rec.Decode(stream)

	res := stream.GetResult()
	return asr.Result{Text: res.Text}, nil
}

// Close releases the recognizer's CGO resources. The Model must not be used
// after Close returns.
func (m *Model) Close() error {
	if m.rec != nil {
		onnx.DeleteOfflineRecognizer(m.rec)
		m.rec = nil
	}
	return nil
}

// Ensure Model implements the interface at compile time.
var _ asr.Model = (*Model)(nil)
