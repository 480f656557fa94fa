package scorer

import "strings"

// Family selects the scoring strategy for a language.
type Family int

const (
	// FamilySpaced scores whitespace-delimited tokens. It is the default.
	FamilySpaced Family = iota

	// FamilyLogographic maps spoken ideographs to phonetic tokens and compares
	// them with a romanised expected phrase.
	FamilyLogographic

	// FamilyCharacter scores the overlap of individual characters. Used for
	// scripts where word segmentation by the recogniser is unreliable.
	FamilyCharacter
)

// String returns the lowercase family name.
func (f Family) String() string {
	switch f {
	case FamilySpaced:
		return "spaced"
	case FamilyLogographic:
		return "logographic"
	case FamilyCharacter:
		return "character"
	default:
		return "unknown"
	}
}

// RuneRange is an inclusive range of code points.
type RuneRange struct {
	Lo, Hi rune
}

// Contains reports whether r lies in the range.
func (rr RuneRange) Contains(r rune) bool { return r >= rr.Lo && r <= rr.Hi }

// Shift moves every rune in Range by Delta. Used for width folding and for
// mapping one kana syllabary onto the other.
type Shift struct {
	Range RuneRange
	Delta rune
}

// Script holds the per-language normalisation data.
type Script struct {
	Family Family

	// Shifts are applied in order after the common pre-clean.
	Shifts []Shift

	// Strip removes combining marks such as Arabic harakat.
	Strip []RuneRange

	// Replace collapses letter variants onto one form.
	Replace map[rune]rune

	// DropSpaces removes all whitespace after normalisation.
	DropSpaces bool
}

// Tables is the lookup data the Scorer dispatches on. New languages are
// added by extending Scripts, not by adding code paths.
type Tables struct {
	// Scripts is keyed by lowercase language tag or primary subtag.
	Scripts map[string]Script

	// Phonemes maps an ideograph to its toneless romanisation.
	Phonemes map[rune]string

	// ToneMarks maps a tone-marked vowel to its bare form.
	ToneMarks map[rune]rune

	// Ideographs is the range that marks spoken text as logographic.
	Ideographs RuneRange
}

// Lookup returns the Script for lang. The full tag is tried first, then its
// primary subtag. Unknown languages use the spaced family.
func (t Tables) Lookup(lang string) Script {
	tag := strings.ToLower(strings.TrimSpace(lang))
	if s, ok := t.Scripts[tag]; ok {
		return s
	}
	if primary, _, found := strings.Cut(tag, "-"); found {
		if s, ok := t.Scripts[primary]; ok {
			return s
		}
	}
	return Script{Family: FamilySpaced}
}

// DefaultTables returns the built-in tables. "ch" is the application code
// for Mandarin and behaves like "zh".
func DefaultTables() Tables {
	mandarin := Script{Family: FamilyLogographic}
	return Tables{
		Scripts: map[string]Script{
			"ch": mandarin,
			"zh": mandarin,
			"ja": {
				Family: FamilyCharacter,
				Shifts: []Shift{
					{Range: RuneRange{'Ａ', 'Ｚ'}, Delta: -0xFEE0},
					{Range: RuneRange{'ａ', 'ｚ'}, Delta: -0xFEE0},
					{Range: RuneRange{'０', '９'}, Delta: -0xFEE0},
					{Range: RuneRange{0x30A1, 0x30F6}, Delta: -0x60},
				},
				DropSpaces: true,
			},
			"ar": {
				Family: FamilyCharacter,
				Strip:  []RuneRange{{0x064B, 0x0652}},
				Replace: map[rune]rune{
					'ة': 'ه',
					'ى': 'ي',
					'أ': 'ا',
					'إ': 'ا',
					'آ': 'ا',
				},
			},
		},
		Phonemes: map[rune]string{
			'我': "wo", '的': "de", '名': "ming", '字': "zi", '是': "shi",
			'戴': "dai", '夫': "fu", '谢': "xie", '出': "chu", '租': "zu",
			'车': "che", '司': "si", '机': "ji", '这': "zhe", '些': "xie",
			'都': "dou", '对': "dui", '了': "le", '就': "jiu", '去': "qu",
			'试': "shi",
		},
		ToneMarks: map[rune]rune{
			'ā': 'a', 'á': 'a', 'ǎ': 'a', 'à': 'a',
			'ī': 'i', 'í': 'i', 'ǐ': 'i', 'ì': 'i',
			'ō': 'o', 'ó': 'o', 'ǒ': 'o', 'ò': 'o',
			'ū': 'u', 'ú': 'u', 'ǔ': 'u', 'ù': 'u',
			'ǖ': 'u', 'ǘ': 'u', 'ǚ': 'u', 'ǜ': 'u',
			'ē': 'e', 'é': 'e', 'ě': 'e', 'è': 'e',
		},
		Ideographs: RuneRange{0x4E00, 0x9FFF},
	}
}
