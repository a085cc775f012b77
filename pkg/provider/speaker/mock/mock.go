// Package mock provides a test double for the speaker package interfaces.
//
// Use [Model] to inject scripted embeddings and inspect the audio slices that
// were submitted. Example:
//
//	m := &mock.Model{Embedding: []float32{1, 0, 0}}
//	emb, err := m.Embed(ctx, samples)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/skaldlabs/skald/pkg/provider/speaker"
)

// EmbedCall records a single invocation of [Model.Embed].
type EmbedCall struct {
	// Samples is a copy of the audio slice passed to Embed.
	Samples []float32
}

// Model is a mock implementation of [speaker.Model].
//
// Configure the fields before use; calls are recorded and the configured
// values returned. Safe for concurrent use.
type Model struct {
	mu sync.Mutex

	// Embeddings are returned one per Embed call, in order. Once exhausted
	// (or when empty), Embedding is returned instead.
	Embeddings [][]float32

	// Embedding is the fallback returned by Embed when Embeddings is
	// exhausted.
	Embedding []float32

	// EmbedErr, if non-nil, is returned by every Embed call.
	EmbedErr error

	// Delay, if non-zero, makes Embed wait before returning, honouring ctx
	// cancellation.
	Delay time.Duration

	// EmbedCalls records every call to Embed in order.
	EmbedCalls []EmbedCall
}

// Embed records the call and returns the next scripted embedding.
func (m *Model) Embed(ctx context.Context, samples []float32) ([]float32, error) {
	m.mu.Lock()
	cp := make([]float32, len(samples))
	copy(cp, samples)
	m.EmbedCalls = append(m.EmbedCalls, EmbedCall{Samples: cp})

	emb := m.Embedding
	if len(m.Embeddings) > 0 {
		emb = m.Embeddings[0]
		m.Embeddings = m.Embeddings[1:]
	}
	err := m.EmbedErr
	delay := m.Delay
	m.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return emb, nil
}

// ResetCalls clears all recorded call history.
func (m *Model) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EmbedCalls = nil
}

// Ensure Model implements the interface at compile time.
var _ speaker.Model = (*Model)(nil)
