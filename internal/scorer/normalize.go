package scorer

import (
	"strings"
	"unicode"
)

// punctuation is removed by the common pre-clean.
const punctuation = ".,?!;:"

// preClean lowercases, trims and strips punctuation.
func preClean(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(punctuation, r) {
			return -1
		}
		return r
	}, s)
}

// normalize applies the pre-clean and the script's variant folding.
func normalize(s string, sc Script) string {
	s = preClean(s)
	return strings.Map(func(r rune) rune {
		for _, sh := range sc.Shifts {
			if sh.Range.Contains(r) {
				r += sh.Delta
				break
			}
		}
		for _, rr := range sc.Strip {
			if rr.Contains(r) {
				return -1
			}
		}
		if v, ok := sc.Replace[r]; ok {
			r = v
		}
		if sc.DropSpaces && unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

// stripTones removes pinyin tone diacritics.
func (t Tables) stripTones(s string) string {
	return strings.Map(func(r rune) rune {
		if v, ok := t.ToneMarks[r]; ok {
			return v
		}
		return r
	}, s)
}

// toPhonemes converts every rune of s into a phonetic token, falling back to
// the rune itself. Whitespace runes produce no token.
func (t Tables) toPhonemes(s string) []string {
	var out []string
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		if p, ok := t.Phonemes[r]; ok {
			out = append(out, p)
			continue
		}
		out = append(out, string(r))
	}
	return out
}

func (t Tables) hasIdeograph(s string) bool {
	for _, r := range s {
		if t.Ideographs.Contains(r) {
			return true
		}
	}
	return false
}
