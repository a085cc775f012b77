// Package energy implements [vad.Engine] with a frame-level RMS energy
// detector.
//
// It needs no model files, which makes it the default backend: audio is cut
// into 10 ms frames, each frame is classified as voiced when its RMS energy
// reaches the configured threshold, and a hangover counter decides when an
// utterance has ended. Detection quality is below a trained model's, but the
// segment boundaries it produces drive the same downstream pipeline.
//
// The threshold is linear RMS on samples normalized to [-1, 1]. Values around
// 0.01 to 0.02 work for close-microphone speech.
package energy

import (
	"fmt"
	"math"
	"sync"

	"github.com/skaldlabs/skald/pkg/provider/vad"
)

// DefaultThreshold is the RMS voicing threshold used when the config leaves
// it unset.
const DefaultThreshold = 0.01

// framesPerSecond fixes the analysis frame length at 10 ms.
const framesPerSecond = 100

// Engine creates RMS-based detection streams.
type Engine struct{}

// New returns an [Engine]. It is stateless; all state lives in streams.
func New() *Engine {
	return &Engine{}
}

// NewStream validates cfg and returns a detector stream.
func (e *Engine) NewStream(cfg vad.StreamConfig) (vad.Stream, error) {
	if cfg.SampleRate < framesPerSecond {
		return nil, fmt.Errorf("energy vad: sample rate %d too low", cfg.SampleRate)
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}

	rate := int64(cfg.SampleRate)
	return &stream{
		cfg:         cfg,
		frameSize:   cfg.SampleRate / framesPerSecond,
		minSamples:  int64(cfg.MinSpeechMs) * rate / 1000,
		maxSamples:  int64(cfg.MaxSpeechMs) * rate / 1000,
		hangSamples: int64(cfg.HangoverMs) * rate / 1000,
	}, nil
}

// Ensure Engine implements vad.Engine at compile time.
var _ vad.Engine = (*Engine)(nil)

// stream is the per-session detector state machine.
type stream struct {
	cfg         vad.StreamConfig
	frameSize   int
	minSamples  int64
	maxSamples  int64
	hangSamples int64

	// framePos is the stream offset of the frame currently being filled.
	framePos int64

	// partial buffers samples until a full frame is available.
	partial []float32

	inSpeech    bool
	speechStart int64
	lastVoiced  int64
	silenceRun  int64

	mu     sync.Mutex
	closed bool
}

// Push consumes samples frame by frame and returns any intervals closed by
// them.
func (s *stream) Push(samples []float32) ([]vad.Span, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("energy vad: stream closed")
	}

	var out []vad.Span
	for len(samples) > 0 {
		n := s.frameSize - len(s.partial)
		if n > len(samples) {
			n = len(samples)
		}
		s.partial = append(s.partial, samples[:n]...)
		samples = samples[n:]

		if len(s.partial) < s.frameSize {
			break
		}
		out = s.processFrame(s.partial, out)
		s.partial = s.partial[:0]
	}
	return out, nil
}

// processFrame classifies one full frame and advances the state machine.
func (s *stream) processFrame(frame []float32, out []vad.Span) []vad.Span {
	start := s.framePos
	end := start + int64(s.frameSize)
	s.framePos = end

	if rms(frame) >= float64(s.cfg.Threshold) {
		if !s.inSpeech {
			s.inSpeech = true
			s.speechStart = start
		}
		s.silenceRun = 0
		s.lastVoiced = end

		// Force-close overlong speech; detection continues in a new interval.
		for s.maxSamples > 0 && s.lastVoiced-s.speechStart >= s.maxSamples {
			cut := s.speechStart + s.maxSamples
			out = s.emit(out, s.speechStart, cut)
			s.speechStart = cut
		}
		return out
	}

	if s.inSpeech {
		s.silenceRun += int64(s.frameSize)
		if s.silenceRun >= s.hangSamples {
			out = s.emit(out, s.speechStart, s.lastVoiced)
			s.inSpeech = false
			s.silenceRun = 0
		}
	}
	return out
}

// emit appends the interval unless it is below the minimum speech length.
func (s *stream) emit(out []vad.Span, start, end int64) []vad.Span {
	if end-start < s.minSamples {
		return out
	}
	return append(out, vad.Span{Start: start, End: end})
}

// Pending reports the open interval, if any.
func (s *stream) Pending() (int64, bool) {
	return s.speechStart, s.inSpeech
}

// Reset clears voicing state. Buffered partial-frame audio and the stream
// position are preserved so later spans stay on the same offset scale.
func (s *stream) Reset() {
	s.inSpeech = false
	s.silenceRun = 0
}

// Close marks the stream closed. Idempotent.
func (s *stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// rms returns the root mean square of one frame.
func rms(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, v := range frame {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum / float64(len(frame)))
}
