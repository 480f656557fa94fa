package scorer_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/glossa/internal/scorer"
)

func TestScore(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		spoken   string
		expected string
		lang     string
		want     int
	}{
		{"empty spoken", "", "hello", "en", 0},
		{"empty expected", "hello", " ", "en", 0},
		{"exact visual match", "Привет, как дела?", "Привет, как дела?", "ru", 100},
		{"punctuation and case", "hello world", "Hello, World!", "en", 100},
		{"all tokens any order", "you are how today", "how are you today", "en", 100},
		{"all tokens with extras", "well how are you today friend", "how are you today", "en", 100},
		{"three of four", "how are you", "how are you today", "en", 75},
		{"verbosity bonus", "i like red apples too", "i like green apples", "en", 80},
		{"partial token", "restaurent", "restaurant", "en", 80},
		{"short tokens never partial", "oh", "ok", "en", 0},
		{"accent counts as partial", "buenos dias", "buenos días", "es", 90},
		{"mandarin half", "我的", "wǒ de míng zi", "CH", 50},
		{"mandarin full", "我的名字是", "wǒ de míng zi", "CH", 100},
		{"mandarin region tag", "我的名字", "wo de ming zi", "zh-CN", 100},
		{"mandarin romanised speech", "wo de ming zi", "wǒ de míng zi", "CH", 0},
		{"japanese katakana folds", "アリガトウ", "ありがとう", "ja", 100},
		{"japanese full width", "ＡＢＣ", "abc", "ja-JP", 100},
		{"japanese spaces dropped", "あり がとう", "ありがとう", "ja", 100},
		{"japanese short penalty", "あり", "ありがとうございます", "ja", 4},
		{"arabic taa marbuta", "مدرسه", "مدرسة", "ar", 100},
		{"arabic harakat", "مَدْرَسَة", "مدرسة", "ar", 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := scorer.Score(tt.spoken, tt.expected, tt.lang)
			if got.ScorePercent != tt.want {
				t.Errorf("Score(%q, %q, %q) = %d, want %d", tt.spoken, tt.expected, tt.lang, got.ScorePercent, tt.want)
			}
		})
	}
}

func TestScore_AllTokensPresentIsFull(t *testing.T) {
	t.Parallel()
	expected := "the train leaves at nine"
	spokens := []string{
		"the train leaves at nine",
		"nine at leaves train the",
		"i think the train leaves at nine today",
	}
	for _, s := range spokens {
		if got := scorer.Score(s, expected, "en").ScorePercent; got != 100 {
			t.Errorf("Score(%q) = %d, want 100", s, got)
		}
	}
}

func TestScore_Deterministic(t *testing.T) {
	t.Parallel()
	a := scorer.Score("how are yu", "how are you today", "en")
	b := scorer.Score("how are yu", "how are you today", "en")
	if a.ScorePercent != b.ScorePercent || !slices.Equal(a.MatchedTokens, b.MatchedTokens) {
		t.Errorf("results differ: %+v vs %+v", a, b)
	}
}

func TestScore_ShortSpokenNeverExceedsOverlap(t *testing.T) {
	t.Parallel()
	// Every spoken character appears in the expected phrase, so the
	// unpenalised overlap is the share of expected characters covered.
	expected := "こんにちはせかい"
	for _, spoken := range []string{"こ", "こん", "こんに", "こんにち"} {
		got := scorer.Score(spoken, expected, "ja").ScorePercent
		covered := len([]rune(spoken)) * 100 / len([]rune(expected))
		if got > covered {
			t.Errorf("Score(%q) = %d, exceeds overlap %d", spoken, got, covered)
		}
	}
}

func TestHighlight(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		spoken   string
		expected string
		lang     string
		want     []string
	}{
		{"exact and partial", "how are you todey", "How are you today?", "en", []string{"how", "are", "you", "today"}},
		{"missing token", "how you", "how are you", "en", []string{"how", "you"}},
		{"mandarin", "我的", "wǒ de míng zi", "CH", []string{"wo", "de"}},
		{"character family dedupes", "ここ", "ここに", "ja", []string{"こ"}},
		{"nothing spoken", "", "how are you", "en", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := scorer.Highlight(tt.spoken, tt.expected, tt.lang)
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("Highlight = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBestOf(t *testing.T) {
	t.Parallel()

	alts := []string{"how are", "how are you today", "hi"}
	idx, res := scorer.BestOf(alts, "how are you today", "en")
	if idx != 1 || res.ScorePercent != 100 {
		t.Errorf("BestOf = (%d, %d), want (1, 100)", idx, res.ScorePercent)
	}
	if !res.Passed() {
		t.Error("expected Passed")
	}

	idx, res = scorer.BestOf(nil, "hello", "en")
	if idx != -1 || res.ScorePercent != 0 {
		t.Errorf("BestOf(nil) = (%d, %d), want (-1, 0)", idx, res.ScorePercent)
	}

	// Ties keep the higher ranked alternative.
	idx, _ = scorer.BestOf([]string{"how", "you"}, "how are you", "en")
	if idx != 0 {
		t.Errorf("tie index = %d, want 0", idx)
	}
}

func TestFamily(t *testing.T) {
	t.Parallel()
	s := scorer.New()
	tests := map[string]scorer.Family{
		"CH":    scorer.FamilyLogographic,
		"zh-CN": scorer.FamilyLogographic,
		"ja-JP": scorer.FamilyCharacter,
		"ar":    scorer.FamilyCharacter,
		"ru":    scorer.FamilySpaced,
		"":      scorer.FamilySpaced,
	}
	for lang, want := range tests {
		if got := s.Family(lang); got != want {
			t.Errorf("Family(%q) = %v, want %v", lang, got, want)
		}
	}
}

func TestWithTables_AddsLanguageByData(t *testing.T) {
	t.Parallel()

	tables := scorer.DefaultTables()
	tables.Scripts["ko"] = scorer.Script{Family: scorer.FamilyCharacter, DropSpaces: true}
	s := scorer.New(scorer.WithTables(tables))

	if got := s.Family("ko-KR"); got != scorer.FamilyCharacter {
		t.Fatalf("Family(ko-KR) = %v", got)
	}
	if got := s.Score("안녕 하세요", "안녕하세요", "ko").ScorePercent; got != 100 {
		t.Errorf("Score = %d, want 100", got)
	}
}
