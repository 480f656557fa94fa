// Package scorer judges how closely a spoken hypothesis matches an expected
// phrase.
//
// Scoring is dispatched by language family (see [Family]): whitespace
// tokens for most languages, ideograph-to-phoneme conversion for Mandarin,
// and character overlap for Japanese and Arabic. All per-language data lives
// in [Tables], so a Scorer is a pure function of its inputs and is safe for
// concurrent use.
package scorer

import (
	"math"
	"slices"
	"strings"
	"unicode/utf8"
)

// PassThreshold is the score a hypothesis must reach to be accepted.
const PassThreshold = 60

const (
	partialMinLen    = 3
	partialAgreement = 0.7
	partialCredit    = 0.8
	verbosityBonus   = 5
	shortSpokenRatio = 0.6
)

// MatchResult is the outcome of scoring one hypothesis.
type MatchResult struct {
	// ScorePercent is in [0,100].
	ScorePercent int

	// MatchedTokens lists the expected tokens considered hit, in expected
	// order. For the character family these are single characters.
	MatchedTokens []string
}

// Passed reports whether the result reaches [PassThreshold].
func (m MatchResult) Passed() bool { return m.ScorePercent >= PassThreshold }

// Scorer scores hypotheses against [Tables].
type Scorer struct {
	tables Tables
}

// Option is a functional option for configuring a [Scorer].
type Option func(*Scorer)

// WithTables replaces the built-in lookup tables.
func WithTables(t Tables) Option {
	return func(s *Scorer) { s.tables = t }
}

// New returns a Scorer using [DefaultTables] unless overridden.
func New(opts ...Option) *Scorer {
	s := &Scorer{tables: DefaultTables()}
	for _, o := range opts {
		o(s)
	}
	return s
}

var defaultScorer = New()

// Score scores spoken against expected using the built-in tables.
func Score(spoken, expected, lang string) MatchResult {
	return defaultScorer.Score(spoken, expected, lang)
}

// Highlight returns the expected tokens hit by spoken using the built-in
// tables.
func Highlight(spoken, expected, lang string) []string {
	return defaultScorer.Highlight(spoken, expected, lang)
}

// BestOf scores every alternative with the built-in tables and returns the
// best one.
func BestOf(alternatives []string, expected, lang string) (int, MatchResult) {
	return defaultScorer.BestOf(alternatives, expected, lang)
}

// Family reports the family lang is scored with.
func (s *Scorer) Family(lang string) Family {
	return s.tables.Lookup(lang).Family
}

// Score returns the match score of spoken against expected in lang.
// Empty input scores 0. Strings that are equal after trimming score 100.
func (s *Scorer) Score(spoken, expected, lang string) MatchResult {
	if strings.TrimSpace(spoken) == "" || strings.TrimSpace(expected) == "" {
		return MatchResult{}
	}
	if strings.TrimSpace(spoken) == strings.TrimSpace(expected) {
		return MatchResult{ScorePercent: 100, MatchedTokens: s.expectedTokens(expected, lang)}
	}

	sc := s.tables.Lookup(lang)
	cs, ce := normalize(spoken, sc), normalize(expected, sc)
	if cs == "" || ce == "" {
		return MatchResult{}
	}

	switch sc.Family {
	case FamilyLogographic:
		return s.scoreLogographic(cs, ce)
	case FamilyCharacter:
		return scoreCharacters(cs, ce)
	default:
		return scoreSpaced(cs, ce)
	}
}

// Highlight returns the tokens of expected that spoken hit, computed by the
// same rules as [Scorer.Score].
func (s *Scorer) Highlight(spoken, expected, lang string) []string {
	return s.Score(spoken, expected, lang).MatchedTokens
}

// BestOf scores each alternative and returns the index and result of the
// highest score. Ties keep the earlier (higher ranked) alternative. An empty
// slice returns -1.
func (s *Scorer) BestOf(alternatives []string, expected, lang string) (int, MatchResult) {
	best, bestIdx := MatchResult{}, -1
	for i, alt := range alternatives {
		r := s.Score(alt, expected, lang)
		if bestIdx < 0 || r.ScorePercent > best.ScorePercent {
			best, bestIdx = r, i
		}
		if best.ScorePercent == 100 {
			break
		}
	}
	return bestIdx, best
}

func (s *Scorer) expectedTokens(expected, lang string) []string {
	sc := s.tables.Lookup(lang)
	ce := normalize(expected, sc)
	switch sc.Family {
	case FamilyLogographic:
		return strings.Fields(s.tables.stripTones(ce))
	case FamilyCharacter:
		return uniqueRunes(ce)
	default:
		return strings.Fields(ce)
	}
}

func scoreSpaced(spoken, expected string) MatchResult {
	st, et := strings.Fields(spoken), strings.Fields(expected)
	if len(et) == 0 {
		return MatchResult{}
	}

	var hits float64
	matched := make([]string, 0, len(et))
	for _, e := range et {
		if slices.Contains(st, e) {
			hits++
			matched = append(matched, e)
			continue
		}
		if slices.ContainsFunc(st, func(w string) bool { return partialMatch(w, e) }) {
			hits += partialCredit
			matched = append(matched, e)
		}
	}
	if len(matched) == len(et) && hits == float64(len(et)) {
		return MatchResult{ScorePercent: 100, MatchedTokens: matched}
	}

	pct := hits / float64(len(et)) * 100
	if len(st) > len(et) {
		pct += verbosityBonus
	}
	return MatchResult{ScorePercent: clampRound(pct), MatchedTokens: matched}
}

// partialMatch reports whether two tokens agree position by position on at
// least 70% of the longer token's characters.
func partialMatch(spoken, expected string) bool {
	a, b := []rune(spoken), []rune(expected)
	if len(a) < partialMinLen || len(b) < partialMinLen {
		return false
	}
	same := 0
	for i := range min(len(a), len(b)) {
		if a[i] == b[i] {
			same++
		}
	}
	return float64(same)/float64(max(len(a), len(b))) >= partialAgreement
}

func (s *Scorer) scoreLogographic(spoken, expected string) MatchResult {
	if !s.tables.hasIdeograph(spoken) {
		return MatchResult{}
	}
	st := s.tables.toPhonemes(spoken)
	et := strings.Fields(s.tables.stripTones(expected))
	if len(et) == 0 {
		return MatchResult{}
	}
	matched := make([]string, 0, len(et))
	for _, e := range et {
		if slices.Contains(st, e) {
			matched = append(matched, e)
		}
	}
	return MatchResult{
		ScorePercent:  clampRound(float64(len(matched)) / float64(len(et)) * 100),
		MatchedTokens: matched,
	}
}

func scoreCharacters(spoken, expected string) MatchResult {
	spokenSet := make(map[rune]struct{}, len(spoken))
	for _, r := range spoken {
		spokenSet[r] = struct{}{}
	}

	total, hit := 0, 0
	var matched []string
	seen := make(map[rune]struct{})
	for _, r := range expected {
		total++
		if _, ok := spokenSet[r]; !ok {
			continue
		}
		hit++
		if _, dup := seen[r]; !dup {
			seen[r] = struct{}{}
			matched = append(matched, string(r))
		}
	}

	pct := float64(hit) / float64(total) * 100
	if ratio := float64(utf8.RuneCountInString(spoken)) / float64(total); ratio < shortSpokenRatio {
		pct *= ratio
	}
	return MatchResult{ScorePercent: clampRound(pct), MatchedTokens: matched}
}

func uniqueRunes(s string) []string {
	seen := make(map[rune]struct{})
	var out []string
	for _, r := range s {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, string(r))
	}
	return out
}

func clampRound(pct float64) int {
	return int(math.Max(0, math.Min(100, math.Round(pct))))
}
