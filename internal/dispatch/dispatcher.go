// Package dispatch runs model inference on a bounded worker pool shared
// across sessions.
//
// The pool is a weighted semaphore: a submission either takes a slot
// immediately or fails with [ErrBusy], so one slow session can never queue
// unbounded work behind another. Every accepted call runs under its own
// deadline and resolves a [Future]; the caller decides how to surface
// timeouts and cancellations.
package dispatch

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/skaldlabs/skald/pkg/provider/asr"
	"github.com/skaldlabs/skald/pkg/provider/speaker"
)

// ErrBusy is returned by Submit methods when every pool slot is taken.
var ErrBusy = errors.New("dispatch: worker pool saturated")

// ErrTimeout resolves a future whose inference exceeded the per-call
// deadline.
var ErrTimeout = errors.New("dispatch: inference deadline exceeded")

// Future is the pending result of one inference call. Value blocks until the
// call resolves; Done is for select loops.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Done returns a channel closed when the future has resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Value waits for resolution and returns the outcome. A timed-out call
// returns [ErrTimeout]; a call cancelled through the submission context
// returns that context's error.
func (f *Future[T]) Value() (T, error) {
	<-f.done
	return f.val, f.err
}

// resolve completes the future. Called exactly once per future.
func (f *Future[T]) resolve(val T, err error) {
	f.val = val
	f.err = err
	close(f.done)
}

// Dispatcher owns the shared pool. Safe for concurrent use.
type Dispatcher struct {
	sem     *semaphore.Weighted
	timeout time.Duration
}

// New creates a Dispatcher with size worker slots and a per-call deadline.
func New(size int, timeout time.Duration) *Dispatcher {
	if size <= 0 {
		size = 4
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		sem:     semaphore.NewWeighted(int64(size)),
		timeout: timeout,
	}
}

// SubmitASR schedules one transcription. ctx scopes the call to the owning
// session: cancelling it cancels the inference and resolves the future with
// the context error. Returns [ErrBusy] without scheduling when the pool is
// saturated.
func (d *Dispatcher) SubmitASR(ctx context.Context, model asr.Model, samples []float32, language string) (*Future[asr.Result], error) {
	return submit(d, ctx, func(callCtx context.Context) (asr.Result, error) {
		return model.Transcribe(callCtx, samples, language)
	})
}

// SubmitSpeakerVerify schedules one voiceprint extraction. Same saturation
// and cancellation behaviour as [Dispatcher.SubmitASR].
func (d *Dispatcher) SubmitSpeakerVerify(ctx context.Context, model speaker.Model, samples []float32) (*Future[[]float32], error) {
	return submit(d, ctx, func(callCtx context.Context) ([]float32, error) {
		return model.Embed(callCtx, samples)
	})
}

// submit takes a pool slot and runs fn on a worker goroutine. A generic free
// function because methods cannot introduce type parameters.
func submit[T any](d *Dispatcher, ctx context.Context, fn func(context.Context) (T, error)) (*Future[T], error) {
	if !d.sem.TryAcquire(1) {
		return nil, ErrBusy
	}

	f := &Future[T]{done: make(chan struct{})}
	go func() {
		defer d.sem.Release(1)

		callCtx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()

		val, err := fn(callCtx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				// Session-side cancellation wins over the deadline.
				err = ctx.Err()
			case errors.Is(err, context.DeadlineExceeded):
				err = ErrTimeout
			}
		}
		f.resolve(val, err)
	}()
	return f, nil
}
