// Package speaker assigns stable per-session speaker labels to speech
// segments.
//
// The heavy work — computing a voiceprint for a segment — happens on the
// shared inference pool through a speaker embedding model. The [Tracker] here
// owns everything stateful: a bounded registry of known voiceprints, a short
// history of recent turns, and the dynamic similarity threshold that decides
// whether a segment belongs to a known speaker or a new one. All Tracker
// state is confined to the owning session's collator goroutine.
package speaker

import (
	"container/list"
	"errors"
	"fmt"
	"math"
)

// Sentinel errors for the segment quality gate. Both are recoverable: the
// session inherits the previous speaker instead of failing the segment.
var (
	// ErrAudioTooShort rejects segments below the minimum duration.
	ErrAudioTooShort = errors.New("speaker: audio too short for verification")

	// ErrLowEnergy rejects segments whose RMS energy is below the floor.
	ErrLowEnergy = errors.New("speaker: audio energy too low for verification")
)

// Config tunes a [Tracker]. Zero values fall back to the documented defaults.
type Config struct {
	// ThresholdBase is the starting cosine similarity threshold. Default 0.42.
	ThresholdBase float64

	// MinDurationMs is the shortest segment accepted for verification.
	// Default 400.
	MinDurationMs int64

	// MinEnergyRMS is the quietest segment accepted, as linear RMS on
	// normalized samples. Default 0.003.
	MinEnergyRMS float64

	// RegistryCap bounds the known-speaker registry; the least recently
	// matched speaker is evicted on overflow. Default 32.
	RegistryCap int

	// HistoryCap bounds the recent-turn history. Default 8.
	HistoryCap int
}

// Threshold adjustment rules. Short utterances demand stronger evidence; a
// long silence before a repeat of the same candidate relaxes it slightly.
const (
	shortUtteranceMs    = 1000
	shortUtteranceBoost = 0.05
	longSilenceMs       = 2000
	longSilenceRelief   = 0.03
	thresholdFloor      = 0.30
	thresholdCeil       = 0.70
)

// Decision is the outcome of identifying one segment.
type Decision struct {
	// SpeakerID is the assigned label, "speaker_1" upward per session.
	SpeakerID string

	// Score is the best cosine similarity against the registry. Zero when the
	// registry was empty.
	Score float64

	// IsNew reports that no known speaker matched and a fresh label was
	// allocated.
	IsNew bool
}

// turn is one history entry.
type turn struct {
	speakerID string
	endMs     int64
}

// registryEntry is one known speaker. Entries live in an LRU list, most
// recently matched at the front.
type registryEntry struct {
	id        string
	embedding []float32
}

// Tracker holds one session's speaker state. Not safe for concurrent use.
type Tracker struct {
	cfg Config

	registry *list.List               // of *registryEntry, LRU order
	byID     map[string]*list.Element // speaker id -> registry element
	history  []turn
	nextID   int
}

// NewTracker creates a Tracker with cfg, filling in defaults for zero fields.
func NewTracker(cfg Config) *Tracker {
	if cfg.ThresholdBase <= 0 {
		cfg.ThresholdBase = 0.42
	}
	if cfg.MinDurationMs <= 0 {
		cfg.MinDurationMs = 400
	}
	if cfg.MinEnergyRMS <= 0 {
		cfg.MinEnergyRMS = 0.003
	}
	if cfg.RegistryCap <= 0 {
		cfg.RegistryCap = 32
	}
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = 8
	}
	return &Tracker{
		cfg:      cfg,
		registry: list.New(),
		byID:     make(map[string]*list.Element),
	}
}

// CheckQuality gates a segment before its embedding is computed, so rejected
// audio never occupies an inference slot. Exactly the minimum duration and
// exactly the minimum RMS both pass.
func (t *Tracker) CheckQuality(durationMs int64, rms float64) error {
	if durationMs < t.cfg.MinDurationMs {
		return fmt.Errorf("%w: %dms < %dms", ErrAudioTooShort, durationMs, t.cfg.MinDurationMs)
	}
	if rms < t.cfg.MinEnergyRMS {
		return fmt.Errorf("%w: rms %.4f < %.4f", ErrLowEnergy, rms, t.cfg.MinEnergyRMS)
	}
	return nil
}

// Identify matches a segment voiceprint against the registry and returns the
// assigned speaker. startMs and endMs locate the segment on the session
// timeline; together with the history they drive the dynamic threshold. The
// first-seen embedding of a speaker is kept verbatim; later matches only
// refresh the LRU order.
func (t *Tracker) Identify(embedding []float32, startMs, endMs int64) Decision {
	best, bestScore := t.bestMatch(embedding)

	threshold := t.effectiveThreshold(endMs-startMs, startMs, best)
	if best != nil && bestScore >= threshold {
		entry := best.Value.(*registryEntry)
		t.registry.MoveToFront(best)
		t.recordTurn(entry.id, endMs)
		return Decision{SpeakerID: entry.id, Score: bestScore}
	}

	id := t.allocateID()
	t.register(id, embedding)
	t.recordTurn(id, endMs)
	return Decision{SpeakerID: id, Score: bestScore, IsNew: true}
}

// Inherit assigns the previous speaker to a segment whose verification was
// rejected or failed. With no history yet, a fresh label is allocated (but
// not registered — there is no usable voiceprint to match against later).
func (t *Tracker) Inherit(endMs int64) string {
	id := t.lastSpeakerID()
	if id == "" {
		id = t.allocateID()
	}
	t.recordTurn(id, endMs)
	return id
}

// effectiveThreshold computes the similarity bar for this segment.
func (t *Tracker) effectiveThreshold(durationMs, startMs int64, best *list.Element) float64 {
	threshold := t.cfg.ThresholdBase
	if durationMs < shortUtteranceMs {
		threshold += shortUtteranceBoost
	}
	if best != nil && len(t.history) > 0 {
		last := t.history[len(t.history)-1]
		silence := startMs - last.endMs
		if silence > longSilenceMs && best.Value.(*registryEntry).id == last.speakerID {
			threshold -= longSilenceRelief
		}
	}
	return math.Min(math.Max(threshold, thresholdFloor), thresholdCeil)
}

// bestMatch scans the registry for the highest cosine similarity.
func (t *Tracker) bestMatch(embedding []float32) (*list.Element, float64) {
	var best *list.Element
	bestScore := math.Inf(-1)
	for e := t.registry.Front(); e != nil; e = e.Next() {
		score := cosine(embedding, e.Value.(*registryEntry).embedding)
		if score > bestScore {
			best, bestScore = e, score
		}
	}
	if best == nil {
		return nil, 0
	}
	return best, bestScore
}

// register stores a new speaker, evicting the least recently matched one
// when the registry is full.
func (t *Tracker) register(id string, embedding []float32) {
	if t.registry.Len() >= t.cfg.RegistryCap {
		oldest := t.registry.Back()
		t.registry.Remove(oldest)
		delete(t.byID, oldest.Value.(*registryEntry).id)
	}
	cp := make([]float32, len(embedding))
	copy(cp, embedding)
	t.byID[id] = t.registry.PushFront(&registryEntry{id: id, embedding: cp})
}

// recordTurn appends to the bounded history.
func (t *Tracker) recordTurn(id string, endMs int64) {
	t.history = append(t.history, turn{speakerID: id, endMs: endMs})
	if len(t.history) > t.cfg.HistoryCap {
		t.history = t.history[len(t.history)-t.cfg.HistoryCap:]
	}
}

// lastSpeakerID returns the most recent turn's speaker, or empty.
func (t *Tracker) lastSpeakerID() string {
	if len(t.history) == 0 {
		return ""
	}
	return t.history[len(t.history)-1].speakerID
}

// allocateID mints the next per-session label.
func (t *Tracker) allocateID() string {
	t.nextID++
	return fmt.Sprintf("speaker_%d", t.nextID)
}

// Known returns the number of speakers currently registered.
func (t *Tracker) Known() int {
	return t.registry.Len()
}

// cosine computes cosine similarity between two vectors. Mismatched or
// zero-magnitude vectors score 0, which can never pass the threshold floor.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
