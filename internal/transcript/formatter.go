// Package transcript turns raw recognizer output into display text.
//
// SenseVoice-style recognizers interleave the transcription with inline
// <|...|> markers carrying the detected language, the speaker's emotion, and
// non-speech audio events. [Format] extracts the language, maps known audio
// events to display emoji, strips everything else, and reports whether any
// presentable content remains. Plain-text backends (whisper, cloud APIs) pass
// through unchanged apart from trimming.
package transcript

import (
	"regexp"
	"strings"
	"unicode"
)

// Event is a non-speech audio event detected by the recognizer.
type Event string

const (
	EventLaugh    Event = "laugh"
	EventApplause Event = "applause"
	EventMusic    Event = "music"
	EventBGM      Event = "bgm"
	EventCry      Event = "cry"
	EventCough    Event = "cough"
	EventSigh     Event = "sigh"
	EventNeutral  Event = "neutral"
)

// Formatted is the outcome of formatting one raw recognition.
type Formatted struct {
	// Text is the display text with markers resolved and whitespace trimmed.
	Text string

	// Language is the recognizer's language marker ("zh", "en", "ja", "ko",
	// "yue", "auto"), or empty when the raw text carried none.
	Language string

	// Events lists the audio events found, in order of appearance.
	Events []Event

	// Empty reports that no letter, digit, or CJK character survived
	// formatting. The caller drops such recognitions without emitting.
	Empty bool
}

// languageTags maps marker payloads to result language codes. <|nospeech|>
// is intentionally absent from the output side: it marks the segment as
// carrying no language rather than naming one.
var languageTags = map[string]string{
	"zh":   "zh",
	"en":   "en",
	"ja":   "ja",
	"ko":   "ko",
	"yue":  "yue",
	"auto": "auto",
}

// eventTags maps marker payloads to events. Keys are lowercased; SenseVoice
// emits them with varying capitalization across model versions.
var eventTags = map[string]Event{
	"laughter": EventLaugh,
	"applause": EventApplause,
	"music":    EventMusic,
	"bgm":      EventBGM,
	"cry":      EventCry,
	"crying":   EventCry,
	"cough":    EventCough,
	"sigh":     EventSigh,
	"neutral":  EventNeutral,
}

// eventEmoji is the in-place replacement for each event marker. Neutral is
// deliberately invisible.
var eventEmoji = map[Event]string{
	EventLaugh:    "😄",
	EventApplause: "👏",
	EventMusic:    "🎵",
	EventBGM:      "🎼",
	EventCry:      "😭",
	EventCough:    "🤧",
	EventSigh:     "😔",
	EventNeutral:  "",
}

// markerRe matches one inline <|...|> marker.
var markerRe = regexp.MustCompile(`<\|([^|<>]*)\|>`)

// Format resolves the inline markers in raw. The first language marker wins;
// known event markers are replaced by their emoji where they stand; unknown
// markers (emotion tags, itn flags, future additions) are stripped without
// producing an event.
func Format(raw string) Formatted {
	var f Formatted

	text := markerRe.ReplaceAllStringFunc(raw, func(marker string) string {
		payload := strings.ToLower(strings.Trim(marker, "<|>"))

		if lang, ok := languageTags[payload]; ok {
			if f.Language == "" {
				f.Language = lang
			}
			return ""
		}
		if ev, ok := eventTags[payload]; ok {
			f.Events = append(f.Events, ev)
			return eventEmoji[ev]
		}
		return ""
	})

	f.Text = strings.TrimSpace(text)
	f.Empty = !hasContent(f.Text)
	return f
}

// hasContent reports whether s contains at least one letter or digit.
// unicode.IsLetter covers CJK ideographs, kana, and hangul, so a
// Chinese-only transcription counts as content while a string of emoji and
// punctuation does not.
func hasContent(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
