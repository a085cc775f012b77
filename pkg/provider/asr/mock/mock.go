// Package mock provides a test double for the asr package interfaces.
//
// Use [Model] to inject scripted recognition results and inspect the audio
// slices that were submitted. Example:
//
//	m := &mock.Model{Result: asr.Result{Text: "hello world"}}
//	res, err := m.Transcribe(ctx, samples, "auto")
//	// res.Text == "hello world", m.TranscribeCalls has one entry
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/skaldlabs/skald/pkg/provider/asr"
)

// TranscribeCall records a single invocation of [Model.Transcribe].
type TranscribeCall struct {
	// Samples is a copy of the audio slice passed to Transcribe.
	Samples []float32

	// Language is the language hint passed to Transcribe.
	Language string
}

// Model is a mock implementation of [asr.Model].
//
// All fields may be set before use; method calls are recorded and the
// configured values returned. The zero value is usable and returns empty
// results. Safe for concurrent use.
type Model struct {
	mu sync.Mutex

	// Results are returned one per Transcribe call, in order. Once exhausted
	// (or when empty), Result is returned instead.
	Results []asr.Result

	// Result is the fallback returned by Transcribe when Results is exhausted.
	Result asr.Result

	// TranscribeErr, if non-nil, is returned by every Transcribe call.
	TranscribeErr error

	// Delay, if non-zero, makes Transcribe wait before returning. The wait
	// honours ctx cancellation, so deadline and saturation paths can be
	// exercised deterministically.
	Delay time.Duration

	// TranscribeCalls records every call to Transcribe in order.
	TranscribeCalls []TranscribeCall
}

// Transcribe records the call and returns the next scripted result.
func (m *Model) Transcribe(ctx context.Context, samples []float32, language string) (asr.Result, error) {
	m.mu.Lock()
	cp := make([]float32, len(samples))
	copy(cp, samples)
	m.TranscribeCalls = append(m.TranscribeCalls, TranscribeCall{Samples: cp, Language: language})

	res := m.Result
	if len(m.Results) > 0 {
		res = m.Results[0]
		m.Results = m.Results[1:]
	}
	err := m.TranscribeErr
	delay := m.Delay
	m.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return asr.Result{}, ctx.Err()
		}
	}
	if err != nil {
		return asr.Result{}, err
	}
	return res, nil
}

// ResetCalls clears all recorded call history.
func (m *Model) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TranscribeCalls = nil
}

// Ensure Model implements the interface at compile time.
var _ asr.Model = (*Model)(nil)
