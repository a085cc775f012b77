package session

// Result codes carried on the wire.
const (
	// CodeOK marks a successful transcription.
	CodeOK = 0

	// CodeSkipped marks a segment dropped before producing text: inference
	// deadline expired, or the worker pool refused the submission.
	CodeSkipped = 1

	// CodeModelError marks a segment whose model call failed outright.
	CodeModelError = 2

	// CodeFatal marks the final frame of a session that died on a protocol
	// violation or an internal invariant failure.
	CodeFatal = 99
)

// Error kinds carried in the msg field of non-zero-code results.
const (
	KindAudioTooShort    = "audio_too_short"
	KindLowEnergy        = "audio_low_energy"
	KindInferenceTimeout = "inference_timeout"
	KindDispatcherBusy   = "dispatcher_busy"
	KindModelError       = "model_error"
	KindProtocolError    = "protocol_error"
	KindFatalInvariant   = "fatal_invariant"
)

// Result is one outbound frame. Exactly one Result is emitted per accepted
// speech segment, in segment order; empty-text recognitions emit nothing.
type Result struct {
	// Code classifies the outcome: CodeOK, CodeSkipped, CodeModelError, or
	// CodeFatal.
	Code int `json:"code"`

	// Msg is the error kind for non-zero codes, empty otherwise.
	Msg string `json:"msg"`

	// Data is the display text, prefixed with "[speaker_id]: " when speaker
	// verification is enabled. Empty for non-zero codes.
	Data string `json:"data"`

	// SpeakerID is the session-local speaker label, empty when speaker
	// verification is disabled.
	SpeakerID string `json:"speaker_id"`

	// IsNewLine reports that this segment starts a new display line.
	IsNewLine bool `json:"is_new_line"`

	// SegmentType is the line-break classification: "new_speaker", "pause",
	// "continue", or "traditional". Empty for non-zero codes.
	SegmentType string `json:"segment_type"`

	// Language is the recognizer-reported language of the segment, falling
	// back to the session's language hint.
	Language string `json:"language"`

	// Timestamp is the emission wall time in epoch seconds.
	Timestamp float64 `json:"timestamp"`

	// Confidence is the recognizer's confidence in [0, 1].
	Confidence float64 `json:"confidence"`
}
