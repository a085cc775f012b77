// Package sherpa implements [vad.Engine] using the Silero VAD model through
// the sherpa-onnx CGO bindings.
//
// Each stream owns its own native detector instance, so streams are
// independent and the engine itself carries no mutable state. The detector
// applies the minimum-speech and hangover rules natively; the adapter splits
// overlong emitted segments because the captured detector surface reports
// segments only after they close.
//
// The detector does not expose in-progress speech, so [vad.Stream.Pending]
// always reports inactive for this backend. Force-closing at the maximum
// speech length therefore happens when the segment is emitted, not while it
// is still open.
package sherpa

import (
	"fmt"

	onnx "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"

	"github.com/skaldlabs/skald/pkg/provider/vad"
)

// DefaultThreshold is the Silero speech probability threshold used when the
// config leaves it unset.
const DefaultThreshold = 0.5

// windowSize is the Silero model's fixed analysis window in samples.
const windowSize = 512

// Engine creates Silero-backed detection streams.
type Engine struct {
	modelPath string
}

// New returns an [Engine] that loads the Silero ONNX model at modelPath for
// each stream.
func New(modelPath string) (*Engine, error) {
	if modelPath == "" {
		return nil, fmt.Errorf("sherpa vad: model path must not be empty")
	}
	return &Engine{modelPath: modelPath}, nil
}

// NewStream creates a native detector configured from cfg.
func (e *Engine) NewStream(cfg vad.StreamConfig) (vad.Stream, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("sherpa vad: sample rate %d invalid", cfg.SampleRate)
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}

	vadCfg := onnx.VadModelConfig{
		SileroVad: onnx.SileroVadModelConfig{
			Model:              e.modelPath,
			Threshold:          cfg.Threshold,
			MinSilenceDuration: float32(cfg.HangoverMs) / 1000,
			MinSpeechDuration:  float32(cfg.MinSpeechMs) / 1000,
			WindowSize:         windowSize,
		},
		SampleRate: cfg.SampleRate,
		NumThreads: 1,
		Debug:      0,
	}

	// The internal buffer must hold at least one maximum-length segment.
	bufSeconds := float32(30)
	if cfg.MaxSpeechMs > 0 {
		if s := float32(cfg.MaxSpeechMs)/1000 + 10; s > bufSeconds {
			bufSeconds = s
		}
	}

	det := onnx.NewVoiceActivityDetector(&vadCfg, bufSeconds)
	if det == nil {
		return nil, fmt.Errorf("sherpa vad: failed to load model %q", e.modelPath)
	}

	rate := int64(cfg.SampleRate)
	return &stream{
		det:        det,
		minSamples: int64(cfg.MinSpeechMs) * rate / 1000,
		maxSamples: int64(cfg.MaxSpeechMs) * rate / 1000,
	}, nil
}

// Ensure Engine implements vad.Engine at compile time.
var _ vad.Engine = (*Engine)(nil)

// stream wraps one native detector instance.
type stream struct {
	det        *onnx.VoiceActivityDetector
	minSamples int64
	maxSamples int64
	closed     bool
}

// Push feeds samples to the detector and drains any segments it has closed.
func (s *stream) Push(samples []float32) ([]vad.Span, error) {
	if s.closed {
		return nil, fmt.Errorf("sherpa vad: stream closed")
	}

	s.det.AcceptWaveform(samples)

	var out []vad.Span
	for !s.det.IsEmpty() {
		seg := s.det.Front()
		s.det.Pop()

		span := vad.Span{
			Start: int64(seg.Start),
			End:   int64(seg.Start) + int64(len(seg.Samples)),
		}
		out = s.append(out, span)
	}
	return out, nil
}

// append applies the length rules: overlong segments are split at the
// maximum, and pieces below the minimum are dropped.
func (s *stream) append(out []vad.Span, span vad.Span) []vad.Span {
	if s.maxSamples > 0 {
		for span.Len() > s.maxSamples {
			out = append(out, vad.Span{Start: span.Start, End: span.Start + s.maxSamples})
			span.Start += s.maxSamples
		}
	}
	if span.Len() < s.minSamples {
		return out
	}
	return append(out, span)
}

// Pending always reports inactive; the native detector does not expose open
// intervals.
func (s *stream) Pending() (int64, bool) {
	return 0, false
}

// Reset discards any segments queued inside the detector.
func (s *stream) Reset() {
	if s.closed {
		return
	}
	for !s.det.IsEmpty() {
		s.det.Pop()
	}
}

// Close releases the native detector. Idempotent.
func (s *stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	onnx.DeleteVoiceActivityDetector(s.det)
	return nil
}

// Ensure stream implements vad.Stream at compile time.
var _ vad.Stream = (*stream)(nil)
