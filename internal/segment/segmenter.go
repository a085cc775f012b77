// Package segment turns raw VAD output into speech intervals on the
// session's absolute sample timeline.
//
// The VAD stream sees one continuous tape of audio and reports spans relative
// to it. The rolling buffer, meanwhile, trims and silence-resets, so the
// absolute offset of the audio being fed can jump forward between feeds. The
// [Segmenter] bridges the two worlds with feed anchors: every feed records
// the (stream position, absolute offset) pair where it started, and detected
// spans are translated through the most recent anchor at or before them.
package segment

import (
	"fmt"

	"github.com/skaldlabs/skald/internal/audio"
	"github.com/skaldlabs/skald/pkg/provider/vad"
)

// Interval is one detected speech segment in absolute samples. End is
// exclusive. Intervals emitted by a Segmenter are disjoint and strictly
// ordered by Start.
type Interval struct {
	Start int64
	End   int64
}

// Len returns the interval length in samples.
func (iv Interval) Len() int64 {
	return iv.End - iv.Start
}

// Config holds the segmenter's length rules, mirrored from the pipeline
// configuration.
type Config struct {
	// SampleRate is the PCM sample rate in Hz.
	SampleRate int

	// MinSpeechMs drops intervals shorter than this.
	MinSpeechMs int

	// MaxSpeechMs splits intervals longer than this. The split pieces are
	// exactly this long except for the final remainder.
	MaxSpeechMs int
}

// anchor maps a stream-relative position to an absolute offset.
type anchor struct {
	stream int64
	abs    int64
}

// Segmenter owns one VAD stream and the anchor bookkeeping for a session.
// Not safe for concurrent use; the session's ingest goroutine owns it.
type Segmenter struct {
	stream     vad.Stream
	sampleRate int
	minSamples int64
	maxSamples int64

	// fed is the total number of samples pushed into the VAD stream.
	fed int64

	// lastFedAbs is the absolute offset up to which audio has been fed.
	lastFedAbs int64

	anchors []anchor
}

// New creates a Segmenter around an open VAD stream. The Segmenter takes
// ownership of the stream; Close releases it.
func New(stream vad.Stream, cfg Config) *Segmenter {
	rate := int64(cfg.SampleRate)
	return &Segmenter{
		stream:     stream,
		sampleRate: cfg.SampleRate,
		minSamples: int64(cfg.MinSpeechMs) * rate / 1000,
		maxSamples: int64(cfg.MaxSpeechMs) * rate / 1000,
	}
}

// Detect feeds the unseen portion of a buffer snapshot to the VAD stream and
// returns any intervals it closed, on the absolute timeline. samples covers
// the absolute range [start, end); audio before lastFedAbs has already been
// analysed and is skipped, so overlapping snapshots are cheap.
func (s *Segmenter) Detect(samples []int16, start, end int64) ([]Interval, error) {
	feedFrom := s.lastFedAbs
	if feedFrom < start {
		// A trim or silence reset evicted audio that was never fed. The
		// stream tape stays contiguous; the anchor records the jump.
		feedFrom = start
	}
	if feedFrom >= end {
		return nil, nil
	}

	part := samples[feedFrom-start : end-start]
	s.anchors = append(s.anchors, anchor{stream: s.fed, abs: feedFrom})
	s.fed += int64(len(part))
	s.lastFedAbs = end

	spans, err := s.stream.Push(audio.ToFloat32(part))
	if err != nil {
		return nil, fmt.Errorf("segment: vad push: %w", err)
	}

	var out []Interval
	for _, span := range spans {
		out = s.appendAbsolute(out, span)
	}

	s.pruneAnchors()
	return out, nil
}

// appendAbsolute maps one stream span to the absolute timeline and applies
// the length rules.
func (s *Segmenter) appendAbsolute(out []Interval, span vad.Span) []Interval {
	iv := Interval{Start: s.toAbsolute(span.Start), End: s.toAbsolute(span.End)}

	if s.maxSamples > 0 {
		for iv.Len() > s.maxSamples {
			out = append(out, Interval{Start: iv.Start, End: iv.Start + s.maxSamples})
			iv.Start += s.maxSamples
		}
	}
	if iv.Len() < s.minSamples {
		return out
	}
	return append(out, iv)
}

// toAbsolute translates a stream position through the latest anchor at or
// before it.
func (s *Segmenter) toAbsolute(streamPos int64) int64 {
	a := anchor{}
	for i := len(s.anchors) - 1; i >= 0; i-- {
		if s.anchors[i].stream <= streamPos {
			a = s.anchors[i]
			break
		}
	}
	return a.abs + (streamPos - a.stream)
}

// pruneAnchors discards anchors that no future span can need. Spans always
// end at or before the fed position and never exceed twice the maximum
// length, which bounds how far back a lookup can reach.
func (s *Segmenter) pruneAnchors() {
	horizon := s.fed - 2*s.maxSamples
	for len(s.anchors) > 1 && s.anchors[1].stream <= horizon {
		s.anchors = s.anchors[1:]
	}
}

// Pending reports an open, not yet closed speech interval in absolute
// samples, when the VAD backend can observe one.
func (s *Segmenter) Pending() (start int64, active bool) {
	streamStart, active := s.stream.Pending()
	if !active {
		return 0, false
	}
	return s.toAbsolute(streamStart), true
}

// Reset clears the VAD stream's detection state, for example after a silence
// reset discarded the audio a half-open interval pointed into.
func (s *Segmenter) Reset() {
	s.stream.Reset()
}

// Close releases the VAD stream.
func (s *Segmenter) Close() error {
	return s.stream.Close()
}
