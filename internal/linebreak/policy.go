// Package linebreak decides how successive transcription results join into
// lines.
//
// A [Policy] looks at the speaker of each accepted result and the pause since
// the previous one and classifies the result as starting a new line (speaker
// change or long pause) or continuing the current one. With smart line
// breaking disabled every result starts its own line, which matches the
// behaviour of plain segment-per-line transcribers.
package linebreak

// SegmentType labels why a result starts (or does not start) a new line.
type SegmentType string

const (
	// TypeNewSpeaker marks the first result of a session or a speaker change.
	TypeNewSpeaker SegmentType = "new_speaker"

	// TypePause marks a same-speaker result after a pause at or above the
	// threshold.
	TypePause SegmentType = "pause"

	// TypeContinue marks a same-speaker result within the pause threshold.
	TypeContinue SegmentType = "continue"

	// TypeTraditional is used for every result when smart line breaking is
	// disabled.
	TypeTraditional SegmentType = "traditional"
)

// Policy carries the decision state across one session's results. Not safe
// for concurrent use; the session's collator owns it.
type Policy struct {
	smart            bool
	pauseThresholdMs int64

	started     bool
	prevSpeaker string
	prevEndMs   int64
}

// New creates a Policy. pauseThresholdMs is the gap at which a same-speaker
// result starts a new line; smart false disables the whole procedure.
func New(smart bool, pauseThresholdMs int64) *Policy {
	return &Policy{smart: smart, pauseThresholdMs: pauseThresholdMs}
}

// Decide classifies one accepted result and updates the policy state. The
// gap is measured from the previous result's end to this result's start,
// both in session milliseconds; a gap of exactly the threshold counts as a
// pause.
func (p *Policy) Decide(speakerID string, startMs, endMs int64) (newLine bool, typ SegmentType) {
	defer func() {
		p.started = true
		p.prevSpeaker = speakerID
		p.prevEndMs = endMs
	}()

	if !p.smart {
		return true, TypeTraditional
	}
	if !p.started || speakerID != p.prevSpeaker {
		return true, TypeNewSpeaker
	}
	if startMs-p.prevEndMs >= p.pauseThresholdMs {
		return true, TypePause
	}
	return false, TypeContinue
}
