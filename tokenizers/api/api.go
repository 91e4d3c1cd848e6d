// Package api defines the Tokenizer API.
// It's kept separate so the implementations under tokenizers/ and the label alignment code
// can share it without importing each other.
package api

import "fmt"

// TokenSpan represents the byte span of a token in the original text.
// Start and End are byte offsets (not rune offsets), suitable for slicing
// Go strings directly: originalText[span.Start:span.End].
//
// Token classification uses the spans to attribute each sub-word to the word that contains it.
type TokenSpan struct {
	Start int // start byte position (inclusive)
	End   int // end byte position (exclusive)
}

// EncodingResult contains tokens with their spans in the original text.
type EncodingResult struct {
	IDs   []int       // token IDs
	Spans []TokenSpan // byte spans for each token (use originalText[span.Start:span.End] to extract)
}

// Tokenizer interface allows one to convert text to "tokens" (integer ids) and back.
//
// Encode never adds special tokens: boundary tokens are the caller's responsibility, see SpecialTokenID.
type Tokenizer interface {
	Encode(text string) []int
	Decode([]int) string

	// SpecialTokenID returns ID for given special token if registered, or an error if not.
	SpecialTokenID(token SpecialToken) (int, error)
}

// TokenizerWithSpans extends Tokenizer with span tracking capability.
type TokenizerWithSpans interface {
	Tokenizer

	// EncodeWithSpans returns tokens along with their byte spans in the original text.
	EncodeWithSpans(text string) EncodingResult
}

// FallibleTokenizer reports encoding failures, which Tokenizer.Encode can only log.
type FallibleTokenizer interface {
	Tokenizer

	// TryEncode is Encode returning the error of the underlying tokenizer, if any.
	TryEncode(text string) ([]int, error)
}

// PieceTokenizer exposes the sub-word pieces themselves, not only their ids.
type PieceTokenizer interface {
	Tokenizer

	// Tokenize splits text into sub-word pieces, without special tokens.
	Tokenize(text string) []string

	// ConvertTokensToIDs maps pieces to ids. Unknown pieces map to the unknown token id.
	ConvertTokensToIDs(tokens []string) []int
}

// SpecialToken is an enum of commonly used special tokens.
type SpecialToken int

const (
	TokBeginningOfSentence SpecialToken = iota
	TokEndOfSentence
	TokUnknown
	TokPad
	TokMask
	TokClassification
	TokSpecialTokensCount
)

var specialTokenNames = [...]string{
	TokBeginningOfSentence: "beginning_of_sentence",
	TokEndOfSentence:       "end_of_sentence",
	TokUnknown:             "unknown",
	TokPad:                 "pad",
	TokMask:                "mask",
	TokClassification:      "classification",
	TokSpecialTokensCount:  "special_tokens_count",
}

// String implements fmt.Stringer.
func (s SpecialToken) String() string {
	if s < 0 || int(s) >= len(specialTokenNames) {
		return fmt.Sprintf("SpecialToken(%d)", int(s))
	}
	return specialTokenNames[s]
}

// Options configure how a tokenizer is built from a repository.
type Options struct {
	// LowerCase overrides the tokenizer's own lower-casing setting, when not nil.
	LowerCase *bool
}
