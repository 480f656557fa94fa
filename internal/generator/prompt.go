package generator

import (
	"fmt"
	"strings"
)

var languageNames = map[string]string{
	"en": "English",
	"ru": "Russian",
	"ch": "Chinese",
	"zh": "Chinese",
	"ja": "Japanese",
	"ar": "Arabic",
	"es": "Spanish",
	"fr": "French",
	"de": "German",
	"it": "Italian",
	"pt": "Portuguese",
}

// LanguageName returns the English name of an app language code, or the
// code itself when it is unknown.
func LanguageName(code string) string {
	if n, ok := languageNames[strings.ToLower(code)]; ok {
		return n
	}
	return code
}

// Prompt renders the instructions sent to the model for req.
func Prompt(req Request) string {
	target := LanguageName(req.TargetLanguage)
	mother := LanguageName(req.MotherLanguage)
	prefs := req.Preferences
	if strings.TrimSpace(prefs) == "" {
		prefs = "No specific preferences"
	}

	var b strings.Builder
	b.WriteString("You must generate a dialogue following these strict instructions:\n")
	fmt.Fprintf(&b, "- The dialogue must be in %s.\n", target)
	if len(req.RequiredWords) > 0 {
		fmt.Fprintf(&b, "- It must include all of these words naturally: %s.\n", strings.Join(req.RequiredWords, ", "))
	}
	fmt.Fprintf(&b, "- It should have %d exchanges (alternating between NPC and User).\n", req.Length.exchanges())
	b.WriteString("- The dialogue MUST start with the NPC speaking first.\n")
	fmt.Fprintf(&b, "- Provide translation to %s.\n", mother)
	if target == "Chinese" {
		// Chinese turns are scored on pinyin syllables.
		b.WriteString("- Provide transliteration of the dialogue in pinyin, using no capital letters and no punctuation.\n")
	} else {
		fmt.Fprintf(&b, "- Provide transliteration of the dialogue in %s, using no capital letters and no punctuation, approximating sounds with %s letters.\n", target, mother)
	}
	b.WriteString("- The dialogue should be natural and real-life like.\n")
	fmt.Fprintf(&b, "- Linguistic complexity: %s\n", req.Linguistic.instructions())
	b.WriteString("- If the user's preferences conflict with these instructions, prioritize the instructions.\n\n")
	fmt.Fprintf(&b, "Additionally, consider the user's preferences: %s.\n\n", prefs)
	b.WriteString("Return only a JSON array of objects, each with:\n")
	b.WriteString(`- "speaker": "NPC" or "User" (MUST start with "NPC")` + "\n")
	fmt.Fprintf(&b, "- \"text\": the dialogue text in %s\n", target)
	fmt.Fprintf(&b, "- \"translation\": the translation in %s\n", mother)
	fmt.Fprintf(&b, "- \"transliteration\": the transliteration for %s speakers\n", mother)
	return b.String()
}
