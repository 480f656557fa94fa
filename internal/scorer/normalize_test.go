package scorer

import (
	"slices"
	"testing"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	tables := DefaultTables()
	tests := []struct {
		name string
		lang string
		in   string
		want string
	}{
		{"spaced punctuation and case", "fr", "  Bonjour, Anna! ", "bonjour anna"},
		{"unknown language", "xx", "Yes; no?", "yes no"},
		{"katakana folds to hiragana", "ja", "カタ カナ", "かたかな"},
		{"full width latin", "ja-JP", "ＡＢＣ１", "abc1"},
		{"arabic harakat", "ar", "مَدْرَسَة", "مدرسه"},
		{"arabic alef variants", "ar", "أهلا إلى", "اهلا الي"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := normalize(tt.in, tables.Lookup(tt.lang)); got != tt.want {
				t.Errorf("normalize(%q, %s) = %q, want %q", tt.in, tt.lang, got, tt.want)
			}
		})
	}
}

func TestLookup(t *testing.T) {
	t.Parallel()

	tables := DefaultTables()
	tests := []struct {
		lang string
		want Family
	}{
		{"ja-JP", FamilyCharacter},
		{" CH ", FamilyLogographic},
		{"zh-cn", FamilyLogographic},
		{"ar", FamilyCharacter},
		{"en-US", FamilySpaced},
		{"", FamilySpaced},
	}
	for _, tt := range tests {
		if got := tables.Lookup(tt.lang).Family; got != tt.want {
			t.Errorf("Lookup(%q).Family = %s, want %s", tt.lang, got, tt.want)
		}
	}
}

func TestStripTones(t *testing.T) {
	t.Parallel()

	if got := DefaultTables().stripTones("nǐ hǎo lǜ"); got != "ni hao lu" {
		t.Errorf("stripTones = %q, want %q", got, "ni hao lu")
	}
}

func TestToPhonemes(t *testing.T) {
	t.Parallel()

	tables := DefaultTables()
	got := tables.toPhonemes("我 是x")
	want := []string{"wo", "shi", "x"}
	if !slices.Equal(got, want) {
		t.Errorf("toPhonemes = %v, want %v", got, want)
	}
	if !tables.hasIdeograph("taxi 出租车") {
		t.Error("hasIdeograph: want true for mixed text")
	}
	if tables.hasIdeograph("chuzuche") {
		t.Error("hasIdeograph: want false for pinyin")
	}
}
