package hftokenizer

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// word is a pre-token with its byte offsets in the original text.
type word struct {
	text       string
	start, end int
}

// preTokenize splits text on whitespace and, for BERT, on punctuation and CJK characters,
// keeping byte offsets into the original text. Added tokens are matched first and kept whole.
// Control characters are dropped when cleanText is set.
func (t *Tokenizer) preTokenize(text string) []word {
	var words []word
	offset := 0
	for offset < len(text) {
		pos, token := t.nextAddedToken(text[offset:])
		if pos < 0 {
			words = t.splitWords(text, offset, len(text), words)
			break
		}
		words = t.splitWords(text, offset, offset+pos, words)
		start := offset + pos
		words = append(words, word{text: token, start: start, end: start + len(token)})
		offset = start + len(token)
	}
	return words
}

// nextAddedToken returns the byte position of the first added token in text, preferring the
// longest one at equal positions, or -1.
func (t *Tokenizer) nextAddedToken(text string) (int, string) {
	best, bestToken := -1, ""
	for _, token := range t.addedList {
		pos := strings.Index(text, token)
		if pos >= 0 && (best < 0 || pos < best) {
			best, bestToken = pos, token
		}
	}
	return best, bestToken
}

func (t *Tokenizer) splitWords(text string, from, to int, words []word) []word {
	start := -1
	flush := func(end int) {
		if start >= 0 {
			words = append(words, word{text: text[start:end], start: start, end: end})
			start = -1
		}
	}
	for i, r := range text[from:to] {
		i += from
		size := utf8.RuneLen(r)
		switch {
		case isWhitespace(r), t.cleanText && (r == 0 || r == unicode.ReplacementChar || isControl(r)):
			flush(i)
		case t.splitPunctuation && isPunctuation(r), t.handleChinese && isChinese(r):
			flush(i)
			words = append(words, word{text: text[i : i+size], start: i, end: i + size})
		default:
			if start < 0 {
				start = i
			}
		}
	}
	flush(to)
	return words
}

// normalize applies lower-casing and accent stripping to a single pre-token.
func (t *Tokenizer) normalize(text string) string {
	if t.lowercase {
		text = strings.ToLower(text)
	}
	if t.stripAccents {
		text = removeAccents(norm.NFD.String(text))
	}
	return text
}

func isWhitespace(r rune) bool {
	if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
		return true
	}
	return unicode.Is(unicode.Zs, r)
}

func isControl(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return false
	}
	return unicode.IsControl(r) || unicode.In(r, unicode.Cf)
}

func isPunctuation(r rune) bool {
	// ASCII punctuation
	if (r >= 33 && r <= 47) || (r >= 58 && r <= 64) ||
		(r >= 91 && r <= 96) || (r >= 123 && r <= 126) {
		return true
	}
	return unicode.IsPunct(r)
}

// isChinese matches the CJK Unified Ideographs blocks, as BERT's basic tokenizer does.
func isChinese(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x20000 && r <= 0x2A6DF) ||
		(r >= 0x2A700 && r <= 0x2B73F) ||
		(r >= 0x2B740 && r <= 0x2B81F) ||
		(r >= 0x2B820 && r <= 0x2CEAF) ||
		(r >= 0xF900 && r <= 0xFAFF) ||
		(r >= 0x2F800 && r <= 0x2FA1F)
}

func removeAccents(text string) string {
	var result strings.Builder
	for _, r := range text {
		if !unicode.Is(unicode.Mn, r) { // Mn = Mark, Nonspacing
			result.WriteRune(r)
		}
	}
	return result.String()
}
