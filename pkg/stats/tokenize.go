package stats

import (
	"unicode"
)

// Tokenizer counts the tokens of a text.
type Tokenizer func(text string) int

// CountTokens splits text into word and punctuation tokens and returns
// their number. A word is a maximal run of letters, digits and marks,
// joined across a single inner apostrophe, hyphen or decimal point; every
// other non-space rune is a token of its own.
func CountTokens(text string) int {
	runes := []rune(text)
	n := 0
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case isWordRune(r):
			n++
			i++
			for i < len(runes) {
				if isWordRune(runes[i]) {
					i++
					continue
				}
				if isJoiner(runes[i]) && i+1 < len(runes) && isWordRune(runes[i+1]) {
					i += 2
					continue
				}
				break
			}
		default:
			n++
			i++
		}
	}
	return n
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r)
}

func isJoiner(r rune) bool {
	return r == '\'' || r == '’' || r == '-' || r == '.'
}
