// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify that streams are created with the expected
// StreamConfig. Use Stream to inject scripted spans and inspect the sample
// chunks that were pushed.
//
// Example:
//
//	st := &mock.Stream{
//	    Spans: [][]vad.Span{{{Start: 0, End: 16000}}},
//	}
//	eng := &mock.Engine{Stream: st}
//	handle, _ := eng.NewStream(cfg)
package mock

import (
	"sync"

	"github.com/skaldlabs/skald/pkg/provider/vad"
)

// NewStreamCall records a single invocation of Engine.NewStream.
type NewStreamCall struct {
	// Cfg is the StreamConfig passed to NewStream.
	Cfg vad.StreamConfig
}

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Stream is the Stream returned by NewStream. If nil, NewStream returns
	// a new default Stream.
	Stream vad.Stream

	// NewStreamErr, if non-nil, is returned as the error from NewStream.
	NewStreamErr error

	// NewStreamCalls records every call to NewStream in order.
	NewStreamCalls []NewStreamCall
}

// NewStream records the call and returns Stream, NewStreamErr.
func (e *Engine) NewStream(cfg vad.StreamConfig) (vad.Stream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewStreamCalls = append(e.NewStreamCalls, NewStreamCall{Cfg: cfg})
	if e.NewStreamErr != nil {
		return nil, e.NewStreamErr
	}
	if e.Stream != nil {
		return e.Stream, nil
	}
	return &Stream{}, nil
}

// ResetCalls clears all recorded calls. Thread-safe.
func (e *Engine) ResetCalls() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewStreamCalls = nil
}

// Ensure Engine implements vad.Engine at compile time.
var _ vad.Engine = (*Engine)(nil)

// PushCall records a single invocation of Stream.Push.
type PushCall struct {
	// Samples is a copy of the chunk passed to Push.
	Samples []float32
}

// Stream is a mock implementation of vad.Stream.
type Stream struct {
	mu sync.Mutex

	// Spans are returned one batch per Push call, in order. Once exhausted,
	// Push returns nil spans.
	Spans [][]vad.Span

	// PushErr, if non-nil, is returned by every Push call.
	PushErr error

	// PendingStart and PendingActive are returned by Pending.
	PendingStart  int64
	PendingActive bool

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// PushCalls records every call to Push in order.
	PushCalls []PushCall

	// ResetCallCount is the number of times Reset was called.
	ResetCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Push records the call and returns the next scripted span batch.
func (s *Stream) Push(samples []float32) ([]vad.Span, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]float32, len(samples))
	copy(cp, samples)
	s.PushCalls = append(s.PushCalls, PushCall{Samples: cp})
	if s.PushErr != nil {
		return nil, s.PushErr
	}
	if len(s.Spans) == 0 {
		return nil, nil
	}
	spans := s.Spans[0]
	s.Spans = s.Spans[1:]
	return spans, nil
}

// Pending returns PendingStart, PendingActive.
func (s *Stream) Pending() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PendingStart, s.PendingActive
}

// Reset records the call by incrementing ResetCallCount.
func (s *Stream) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCallCount++
}

// Close records the call and returns CloseErr.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// ResetCalls clears all recorded call history. Thread-safe.
func (s *Stream) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PushCalls = nil
	s.ResetCallCount = 0
	s.CloseCallCount = 0
}

// Ensure Stream implements vad.Stream at compile time.
var _ vad.Stream = (*Stream)(nil)
