// Package langdetect tags imported records with the language of their text.
package langdetect

import (
	"strings"
	"sync"
	"unicode"

	lingua "github.com/pemistahl/lingua-go"
)

// Undetermined is stored when the text is too short or ambiguous.
const Undetermined = "und"

const minLetters = 12

// feedLanguages are the languages the incident feeds publish in.
var feedLanguages = []lingua.Language{
	lingua.English,
	lingua.German,
	lingua.French,
	lingua.Spanish,
	lingua.Portuguese,
	lingua.Italian,
	lingua.Dutch,
	lingua.Russian,
	lingua.Japanese,
	lingua.Chinese,
	lingua.Korean,
	lingua.Indonesian,
}

var (
	detectorOnce sync.Once
	detector     lingua.LanguageDetector
)

// Detect returns the ISO 639-1 code of text, or Undetermined.
func Detect(text string) string {
	sample := strings.TrimSpace(text)
	if letterCount(sample) < minLetters {
		return Undetermined
	}

	language, exists := getDetector().DetectLanguageOf(sample)
	if !exists {
		return Undetermined
	}

	code := strings.ToLower(language.IsoCode639_1().String())
	if len(code) != 2 {
		return Undetermined
	}
	return code
}

// DetectRecord prefers the description, which carries more signal than a
// headline, and falls back to the title.
func DetectRecord(title, description string) string {
	if code := Detect(description); code != Undetermined {
		return code
	}
	return Detect(title)
}

func letterCount(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			n++
		}
	}
	return n
}

func getDetector() lingua.LanguageDetector {
	detectorOnce.Do(func() {
		detector = lingua.NewLanguageDetectorBuilder().
			FromLanguages(feedLanguages...).
			WithMinimumRelativeDistance(0.1).
			Build()
	})
	return detector
}
