// Package types defines the shared types used across all Glossa packages.
//
// These types form the common vocabulary between providers, the scorer, the
// sequencer, the quiz, and the script and progress stores. Each package defines
// its own domain types; cross-cutting data structures live here to avoid
// circular imports.
package types

import (
	"strings"
	"time"
)

// Speaker identifies who utters a [Turn].
type Speaker int

const (
	// SpeakerSystem is the conversation partner (the NPC). System turns are
	// spoken through text-to-speech.
	SpeakerSystem Speaker = iota

	// SpeakerLearner is the person practising. Learner turns are listened to
	// and scored.
	SpeakerLearner
)

// String returns the lowercase name of the speaker.
func (s Speaker) String() string {
	switch s {
	case SpeakerSystem:
		return "system"
	case SpeakerLearner:
		return "learner"
	default:
		return "unknown"
	}
}

// ParseSpeaker maps the names used in script files and generated dialogues
// onto a Speaker. "npc" and "system" map to SpeakerSystem; "user" and
// "learner" map to SpeakerLearner. Matching is case-insensitive.
func ParseSpeaker(s string) (Speaker, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "system", "npc":
		return SpeakerSystem, true
	case "learner", "user":
		return SpeakerLearner, true
	}
	return 0, false
}

// Turn is one scripted utterance in a conversation. Turns are immutable once
// loaded into a session.
type Turn struct {
	// ID is the script-assigned identifier of the turn.
	ID string

	// StepIndex defines strict conversation order. Two turns of the same
	// conversation never share a StepIndex.
	StepIndex int

	// Speaker says who utters the phrase.
	Speaker Speaker

	// Phrase holds the utterance keyed by language tag.
	Phrase map[string]string

	// Transliteration holds a romanised or phonetic rendering keyed by
	// language tag. For logographic languages this is the expected phonetic
	// string the scorer compares against.
	Transliteration map[string]string

	// Translation holds the learner-facing gloss keyed by language tag.
	Translation map[string]string
}

// PhraseIn returns the phrase for lang, or "" if the turn has none.
func (t Turn) PhraseIn(lang string) string {
	return t.Phrase[lang]
}

// ExpectedIn returns the string a learner's speech is compared against in
// lang. Logographic languages are scored on phonetic tokens, so callers pass
// phonetic=true for them and the transliteration is preferred when present.
func (t Turn) ExpectedIn(lang string, phonetic bool) string {
	if phonetic {
		if tr := t.Transliteration[lang]; tr != "" {
			return tr
		}
	}
	return t.Phrase[lang]
}

// TurnRecord is a rendered copy of a [Turn] in the conversation history.
type TurnRecord struct {
	Turn Turn

	// Completed is true for System records as soon as they are appended and
	// for Learner records once accepted.
	Completed bool

	// SpokenTranscript is the latest hypothesis heard for a Learner record.
	SpokenTranscript string
}

// WordEntry is a bilingual vocabulary record. Quiz words are derived from it
// by picking a display and an answer language.
type WordEntry struct {
	ID    string
	Forms map[string]string
}

// QuizWord is a single quiz question.
type QuizWord struct {
	// DisplayForm is shown to the learner (usually in their mother language).
	DisplayForm string

	// AnswerForm is the expected spoken answer.
	AnswerForm string

	// AnswerLanguage is the language tag AnswerForm is spoken in.
	AnswerLanguage string
}

// QuizWords derives quiz questions from entries, displaying the mother
// language and expecting the target language. Entries missing the target
// form are skipped; a missing display form falls back to the answer.
func QuizWords(entries []WordEntry, mother, target string) []QuizWord {
	out := make([]QuizWord, 0, len(entries))
	for _, e := range entries {
		answer := strings.TrimSpace(e.Forms[target])
		if answer == "" {
			continue
		}
		display := strings.TrimSpace(e.Forms[mother])
		if display == "" {
			display = answer
		}
		out = append(out, QuizWord{DisplayForm: display, AnswerForm: answer, AnswerLanguage: target})
	}
	return out
}

// Dialogue is a complete conversation script with its vocabulary.
type Dialogue struct {
	ID          string
	CharacterID string
	Title       string
	Turns       []Turn
	Words       []WordEntry

	// LastStep, when positive, designates the step index at which the
	// conversation completes even if more turns follow.
	LastStep int
}

// Alternative is one ranked recognition hypothesis.
type Alternative struct {
	Text string

	// Confidence is in the range 0.0–1.0. May be zero if the provider does
	// not report confidence.
	Confidence float64
}

// Transcript represents a speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Alternatives are ordered best first. A result always carries at least
	// one alternative.
	Alternatives []Alternative

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) result.
	IsFinal bool

	// Timestamp marks when the utterance started, relative to stream start.
	Timestamp time.Duration
}

// Text returns the top-ranked hypothesis, or "" when there is none.
func (t Transcript) Text() string {
	if len(t.Alternatives) == 0 {
		return ""
	}
	return t.Alternatives[0].Text
}

// Confidence returns the confidence of the top-ranked hypothesis.
func (t Transcript) Confidence() float64 {
	if len(t.Alternatives) == 0 {
		return 0
	}
	return t.Alternatives[0].Confidence
}

// VoiceProfile describes a TTS voice.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Language is the BCP-47 tag the voice speaks (e.g. "ru-RU"). Empty means
	// the voice is multilingual or unknown.
	Language string

	// PitchShift adjusts pitch (-10 to +10, 0 = default).
	PitchShift float64

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default).
	SpeedFactor float64

	// Metadata holds provider-specific voice attributes (gender, age, accent, etc.).
	Metadata map[string]string
}

// KeywordBoost represents a keyword to boost in STT recognition. The
// expected phrase of a learner turn is boosted so rare words are heard.
type KeywordBoost struct {
	// Keyword is the text to boost.
	Keyword string

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64
}
