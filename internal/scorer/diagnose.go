package scorer

import (
	"slices"
	"strings"

	"github.com/antzucaro/matchr"
)

// soundsAlikeFloor is the Jaro-Winkler similarity a phonetically overlapping
// token needs before it is reported as sounding alike.
const soundsAlikeFloor = 0.70

// Miss describes an expected token the learner did not say exactly.
type Miss struct {
	// Expected is the missed token.
	Expected string

	// Heard is the closest spoken token, or "" when nothing was spoken.
	Heard string

	// Similarity is the Jaro-Winkler similarity of Expected and Heard.
	Similarity float64

	// SoundsAlike is true when Heard shares a Double Metaphone code with
	// Expected and is similar enough to be a mispronunciation rather than a
	// different word.
	SoundsAlike bool
}

// Diagnose lists the expected tokens missing from spoken, each paired with
// the nearest spoken token. It only covers the spaced family and never
// influences [Scorer.Score].
func (s *Scorer) Diagnose(spoken, expected, lang string) []Miss {
	sc := s.tables.Lookup(lang)
	if sc.Family != FamilySpaced {
		return nil
	}
	st := strings.Fields(normalize(spoken, sc))
	et := strings.Fields(normalize(expected, sc))

	var misses []Miss
	for _, e := range et {
		if slices.Contains(st, e) {
			continue
		}
		m := Miss{Expected: e}
		eCodes := metaphoneCodes(e)
		for _, w := range st {
			sim := matchr.JaroWinkler(w, e, false)
			alike := codesOverlap(eCodes, metaphoneCodes(w)) && sim >= soundsAlikeFloor
			// A phonetic match outranks a closer spelling.
			if (alike && !m.SoundsAlike) || (alike == m.SoundsAlike && sim > m.Similarity) {
				m.Heard, m.Similarity, m.SoundsAlike = w, sim, alike
			}
		}
		misses = append(misses, m)
	}
	return misses
}

// Diagnose reports missed tokens using the built-in tables.
func Diagnose(spoken, expected, lang string) []Miss {
	return defaultScorer.Diagnose(spoken, expected, lang)
}

// metaphoneCodes returns the non-empty Double Metaphone codes of word.
func metaphoneCodes(word string) map[string]struct{} {
	codes := make(map[string]struct{}, 2)
	p, s := matchr.DoubleMetaphone(word)
	if p != "" {
		codes[p] = struct{}{}
	}
	if s != "" {
		codes[s] = struct{}{}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
