// Package sherpa implements [speaker.Model] using a local speaker-embedding
// model (3D-Speaker, WeSpeaker, or similar ONNX export) through the
// sherpa-onnx CGO bindings.
//
// The extractor is loaded once at construction; each Embed call runs a
// short-lived stream against it.
package sherpa

import (
	"context"
	"fmt"

	onnx "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"

	"github.com/skaldlabs/skald/pkg/provider/speaker"
)

// Model wraps a sherpa-onnx speaker embedding extractor.
type Model struct {
	ex         *onnx.SpeakerEmbeddingExtractor
	sampleRate int
}

// config holds construction-time settings, applied via [Option] values.
type config struct {
	numThreads int
	sampleRate int
}

// Option configures a [Model] created by [New].
type Option func(*config)

// WithNumThreads sets the ONNX Runtime intra-op thread count. Default: 1.
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

// New loads the embedding model at modelPath. The returned Model holds CGO
// resources; call [Model.Close] when done.
func New(modelPath string, opts ...Option) (*Model, error) {
	if modelPath == "" {
		return nil, fmt.Errorf("sherpa speaker: model path must not be empty")
	}

	cfg := config{
		numThreads: 1,
		sampleRate: 16000,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	exCfg := onnx.SpeakerEmbeddingExtractorConfig{
		Model:      modelPath,
		NumThreads: cfg.numThreads,
		Debug:      0,
		Provider:   "cpu",
	}

	ex := onnx.NewSpeakerEmbeddingExtractor(&exCfg)
	if ex == nil {
		return nil, fmt.Errorf("sherpa speaker: failed to load model %q", modelPath)
	}

	return &Model{ex: ex, sampleRate: cfg.sampleRate}, nil
}

// Dim returns the embedding dimension of the loaded model.
func (m *Model) Dim() int {
	return m.ex.Dim()
}

// Embed computes the voiceprint for one utterance. The compute is a blocking
// CGO call; ctx is checked before work starts.
func (m *Model) Embed(ctx context.Context, samples []float32) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("sherpa speaker: empty audio")
	}

	stream := m.ex.CreateStream()
	defer onnx.DeleteOnlineStream(stream)

	stream.AcceptWaveform(m.sampleRate, samples)
	stream.InputFinished()

	if !m.ex.IsReady(stream) {
		return nil, fmt.Errorf("sherpa speaker: audio too short for embedding")
	}

	return m.ex.Compute(stream), nil
}

// Close releases the extractor's CGO resources. The Model must not be used
// after Close returns.
func (m *Model) Close() error {
	if m.ex != nil {
		onnx.DeleteSpeakerEmbeddingExtractor(m.ex)
		m.ex = nil
	}
	return nil
}

// Ensure Model implements the interface at compile time.
var _ speaker.Model = (*Model)(nil)
