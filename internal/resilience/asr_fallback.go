package resilience

import (
	"context"

	"github.com/skaldlabs/skald/pkg/provider/asr"
)

// ASRFallback implements [asr.Model] with automatic failover across multiple
// recognition backends. Each backend has its own circuit breaker; when the
// primary fails or its breaker is open, the next healthy fallback is tried.
type ASRFallback struct {
	group *FallbackGroup[asr.Model]
}

// Compile-time interface assertion.
var _ asr.Model = (*ASRFallback)(nil)

// NewASRFallback creates an [ASRFallback] with primary as the preferred backend.
func NewASRFallback(primary asr.Model, primaryName string, cfg FallbackConfig) *ASRFallback {
	return &ASRFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional recognition backend as a fallback.
func (f *ASRFallback) AddFallback(name string, model asr.Model) {
	f.group.AddFallback(name, model)
}

// Transcribe recognizes the slice against the first healthy backend. If the
// primary fails, subsequent fallbacks are tried with the same slice. A
// cancelled context fails every remaining entry immediately, so the group
// error surfaces the cancellation.
func (f *ASRFallback) Transcribe(ctx context.Context, samples []float32, language string) (asr.Result, error) {
	return ExecuteWithResult(f.group, func(m asr.Model) (asr.Result, error) {
		return m.Transcribe(ctx, samples, language)
	})
}
