// Package vad defines the voice activity detection abstraction used to cut
// speech segments out of a continuous audio stream.
//
// An [Engine] is a factory for per-session [Stream] values. A Stream consumes
// PCM incrementally and reports closed speech intervals as [Span] values with
// offsets relative to the total audio pushed into that stream. Mapping
// stream-relative offsets onto the session's absolute sample timeline is the
// caller's job; streams know nothing about buffer trims.
//
// Implementations live in subpackages: energy (zero-dependency RMS detector)
// and sherpa (Silero model via sherpa-onnx), plus a mock package for testing.
package vad

// Span is one closed speech interval, in samples since the start of the
// stream. End is exclusive. Spans returned by a Stream are disjoint and
// strictly ordered by Start.
type Span struct {
	Start int64
	End   int64
}

// Len returns the span length in samples.
func (s Span) Len() int64 {
	return s.End - s.Start
}

// StreamConfig holds the detection parameters for one [Stream].
type StreamConfig struct {
	// SampleRate is the PCM sample rate in Hz.
	SampleRate int

	// Threshold is the voicing threshold. Its scale is backend specific:
	// speech probability for model-based detectors, linear RMS for the
	// energy detector.
	Threshold float32

	// MinSpeechMs drops detected intervals shorter than this many
	// milliseconds.
	MinSpeechMs int

	// MaxSpeechMs force-closes an interval that reaches this many
	// milliseconds of continuous speech; detection continues in a new
	// interval.
	MaxSpeechMs int

	// HangoverMs is the silence run that closes an active interval. Shorter
	// dips stay inside the interval, so pauses below this bound are bridged.
	HangoverMs int
}

// Stream is a stateful detector for a single audio stream. Implementations
// are not safe for concurrent use; each session confines its stream to one
// goroutine.
type Stream interface {
	// Push analyses the next chunk of mono float32 PCM and returns any
	// intervals the chunk closed, in order. A nil result means no interval
	// closed yet.
	Push(samples []float32) ([]Span, error)

	// Pending reports whether a speech interval is currently open, and its
	// start offset. Backends that cannot observe in-progress speech return
	// (0, false).
	Pending() (start int64, active bool)

	// Reset clears detection state. The stream position is preserved so that
	// later spans stay on the same offset scale.
	Reset()

	// Close releases any resources held by the stream. Calling Close more
	// than once is safe.
	Close() error
}

// Engine creates detection streams. Implementations must be safe for
// concurrent use: sessions are opened from multiple handler goroutines.
type Engine interface {
	// NewStream creates a detector for a single audio stream. Returns an
	// error if the configuration is invalid or backend resources cannot be
	// allocated.
	NewStream(cfg StreamConfig) (Stream, error)
}
