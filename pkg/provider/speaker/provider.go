// Package speaker defines the speaker-embedding provider abstraction used for
// diarization.
//
// A [Model] maps one speech segment to a fixed-dimension voiceprint vector.
// The session's speaker tracker compares voiceprints by cosine similarity to
// assign stable per-session speaker labels; backends only compute embeddings
// and carry no identity state.
package speaker

import "context"

// Model is the abstraction over a speaker-embedding backend.
//
// Implementations must be safe for concurrent use; the inference pool invokes
// Embed from multiple workers at once.
type Model interface {
	// Embed computes a voiceprint for one slice of mono float32 PCM
	// normalized to [-1, 1] at the backend's configured sample rate. The
	// returned vector has a fixed dimension per backend and is not
	// normalized; similarity metrics must handle magnitude themselves.
	Embed(ctx context.Context, samples []float32) ([]float32, error)
}
