package store

import (
	"strings"
	"unicode"
)

// Tokenize lowercases text and splits on Unicode word boundaries.
// Tokens shorter than two runes are dropped. Both indexing and querying
// use this function so term matching stays consistent.
func Tokenize(text string) []string {
	lower := strings.ToLower(text)
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) < 2 {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}
