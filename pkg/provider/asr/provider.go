// Package asr defines the speech recognition provider abstraction used by the
// transcription pipeline.
//
// Unlike a streaming recognizer, a [Model] transcribes one bounded utterance
// per call: the session pipeline cuts speech segments out of its rolling audio
// buffer and submits each slice through the shared inference pool. Backends
// that maintain heavyweight state (loaded ONNX or GGML models) construct it
// once and reuse it across calls.
//
// Implementations live in subpackages (sherpa, whisper, openai) plus a mock
// package for testing.
package asr

import "context"

// Result is the raw recognizer output for a single audio slice, before any
// tag formatting is applied. Text may contain inline <|...|> markers for
// language, emotion, and audio events depending on the backend; the transcript
// formatter interprets them downstream.
type Result struct {
	// Text is the raw recognized text, including any inline markers.
	Text string

	// Confidence is the recognizer's overall confidence in [0, 1]. Zero when
	// the backend does not report one.
	Confidence float64
}

// Model is the abstraction over a speech recognition backend.
//
// Implementations must be safe for concurrent use: the inference pool invokes
// Transcribe from multiple workers at once. Implementations should observe ctx
// cancellation between processing steps and return ctx.Err() promptly once the
// deadline has passed.
type Model interface {
	// Transcribe recognizes a single slice of mono float32 PCM normalized to
	// [-1, 1] at the backend's configured sample rate. language is a hint from
	// the session ("auto" lets the backend decide); backends that fix the
	// language at construction time may ignore it.
	Transcribe(ctx context.Context, samples []float32, language string) (Result, error)
}
