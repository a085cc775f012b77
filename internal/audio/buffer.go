// Package audio provides the rolling PCM buffer and sample-level helpers for
// the transcription pipeline.
//
// A [Buffer] holds a bounded window of recent 16-bit mono audio and keeps an
// absolute sample offset that only ever moves forward, so every byte a client
// has ever sent maps to a stable position on the session timeline even after
// old audio is discarded. Segment detection and slicing both work in this
// absolute coordinate space.
package audio

import (
	"fmt"
	"math"
	"time"
)

// BufferConfig sizes a [Buffer]. All durations are converted to samples at
// SampleRate.
type BufferConfig struct {
	// SampleRate is the PCM sample rate in Hz.
	SampleRate int

	// BufferSeconds is the rolling window capacity in seconds of audio.
	BufferSeconds int

	// CleanupThreshold is the fill fraction at which the trim policy fires
	// on append, e.g. 0.8.
	CleanupThreshold float64

	// CleanupRatio is the fraction of capacity discarded per trim, e.g. 0.3.
	// The discard amount is rounded up.
	CleanupRatio float64

	// SilenceResetSeconds is how long the buffer may go without voice
	// activity before a silence reset discards all but the keep tail.
	SilenceResetSeconds int

	// KeepAudioSeconds is the tail preserved by a silence reset.
	KeepAudioSeconds int
}

// Buffer is a bounded rolling window of int16 PCM with absolute offsets.
//
// The zero value is not usable; construct with [NewBuffer]. A Buffer is not
// safe for concurrent use; the owning session confines it to its ingest
// goroutine and hands copies downstream.
type Buffer struct {
	buf      []int16
	capacity int

	// startOffset is the absolute sample offset of buf[0].
	startOffset int64

	trimAt       int
	trimBy       int
	keepSamples  int
	silenceReset time.Duration

	lastVoiceOffset int64
	lastVoiceTime   time.Time
}

// NewBuffer constructs a Buffer. The voice-activity clock starts at now, so a
// freshly opened session is not treated as already silent.
func NewBuffer(cfg BufferConfig, now time.Time) *Buffer {
	capacity := cfg.SampleRate * cfg.BufferSeconds
	return &Buffer{
		buf:          make([]int16, 0, capacity),
		capacity:     capacity,
		trimAt:       int(cfg.CleanupThreshold * float64(capacity)),
		trimBy:       int(math.Ceil(cfg.CleanupRatio * float64(capacity))),
		keepSamples:  cfg.SampleRate * cfg.KeepAudioSeconds,
		silenceReset: time.Duration(cfg.SilenceResetSeconds) * time.Second,
		lastVoiceTime: now,
	}
}

// Append adds samples to the window, running the trim policy as needed. The
// trim is synchronous and at most O(capacity); Append never blocks on
// anything else.
func (b *Buffer) Append(samples []int16) {
	if len(samples) == 0 {
		return
	}

	// A chunk at or beyond capacity replaces the whole window.
	if len(samples) >= b.capacity {
		skip := len(samples) - b.capacity
		b.startOffset += int64(len(b.buf)) + int64(skip)
		b.buf = b.buf[:b.capacity]
		copy(b.buf, samples[skip:])
		return
	}

	if len(b.buf) >= b.trimAt {
		b.trimHead(b.trimBy)
	}
	for len(b.buf)+len(samples) > b.capacity {
		b.trimHead(b.trimBy)
	}

	b.buf = append(b.buf, samples...)
}

// trimHead discards the oldest n samples and advances the absolute offset.
func (b *Buffer) trimHead(n int) {
	if n > len(b.buf) {
		n = len(b.buf)
	}
	if n <= 0 {
		return
	}
	copy(b.buf, b.buf[n:])
	b.buf = b.buf[:len(b.buf)-n]
	b.startOffset += int64(n)
}

// Snapshot returns a copy of the window plus the absolute offsets it covers.
// end is exclusive.
func (b *Buffer) Snapshot() (samples []int16, start, end int64) {
	out := make([]int16, len(b.buf))
	copy(out, b.buf)
	return out, b.startOffset, b.startOffset + int64(len(b.buf))
}

// Slice returns a copy of the samples in the absolute range [from, to),
// clipped to what the window still holds. Returns nil when the range has been
// fully evicted or is empty after clipping.
func (b *Buffer) Slice(from, to int64) []int16 {
	lo := from - b.startOffset
	hi := to - b.startOffset
	if lo < 0 {
		lo = 0
	}
	if hi > int64(len(b.buf)) {
		hi = int64(len(b.buf))
	}
	if lo >= hi {
		return nil
	}
	out := make([]int16, hi-lo)
	copy(out, b.buf[lo:hi])
	return out
}

// Fill returns the number of samples currently held.
func (b *Buffer) Fill() int {
	return len(b.buf)
}

// StartOffset returns the absolute offset of the oldest held sample.
func (b *Buffer) StartOffset() int64 {
	return b.startOffset
}

// EndOffset returns the absolute offset one past the newest held sample.
func (b *Buffer) EndOffset() int64 {
	return b.startOffset + int64(len(b.buf))
}

// NoteVoiceActivity records that voice was present up to the absolute sample
// offset end, postponing the silence reset.
func (b *Buffer) NoteVoiceActivity(end int64, now time.Time) {
	if end > b.lastVoiceOffset {
		b.lastVoiceOffset = end
	}
	b.lastVoiceTime = now
}

// MaybeSilenceReset trims the window down to the keep tail once no voice has
// been observed for the configured silence span. It reports whether samples
// were discarded; while the silent interval continues, repeated calls keep
// the window at the tail size and return false once there is nothing left to
// discard.
func (b *Buffer) MaybeSilenceReset(now time.Time) bool {
	if b.silenceReset <= 0 || now.Sub(b.lastVoiceTime) < b.silenceReset {
		return false
	}
	excess := len(b.buf) - b.keepSamples
	if excess <= 0 {
		return false
	}
	b.trimHead(excess)
	return true
}

// Validate checks the window's internal consistency. A non-nil error means
// the session must terminate; offsets or bounds can no longer be trusted.
func (b *Buffer) Validate() error {
	if len(b.buf) > b.capacity {
		return fmt.Errorf("audio: fill %d exceeds capacity %d", len(b.buf), b.capacity)
	}
	if b.startOffset < 0 {
		return fmt.Errorf("audio: negative start offset %d", b.startOffset)
	}
	return nil
}
