package hftokenizer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wimlds/tokclass/tokenizers/api"
)

// Test tokenizer.json content for a WordPiece model (BERT-style)
var testWordPieceTokenizerJSON = []byte(`{
  "version": "1.0",
  "truncation": null,
  "padding": null,
  "added_tokens": [
    {"id": 0, "content": "[PAD]", "single_word": false, "lstrip": false, "rstrip": false, "normalized": false, "special": true},
    {"id": 100, "content": "[UNK]", "single_word": false, "lstrip": false, "rstrip": false, "normalized": false, "special": true},
    {"id": 101, "content": "[CLS]", "single_word": false, "lstrip": false, "rstrip": false, "normalized": false, "special": true},
    {"id": 102, "content": "[SEP]", "single_word": false, "lstrip": false, "rstrip": false, "normalized": false, "special": true},
    {"id": 103, "content": "[MASK]", "single_word": false, "lstrip": false, "rstrip": false, "normalized": false, "special": true}
  ],
  "normalizer": {
    "type": "BertNormalizer",
    "lowercase": true
  },
  "pre_tokenizer": {
    "type": "BertPreTokenizer"
  },
  "post_processor": null,
  "decoder": {
    "type": "WordPiece",
    "prefix": "##"
  },
  "model": {
    "type": "WordPiece",
    "unk_token": "[UNK]",
    "continuing_subword_prefix": "##",
    "max_input_chars_per_word": 100,
    "vocab": {
      "[PAD]": 0,
      "hello": 1,
      "world": 2,
      "test": 3,
      "##ing": 4,
      "##ed": 5,
      "!": 6,
      "cafe": 7,
      "[UNK]": 100,
      "[CLS]": 101,
      "[SEP]": 102,
      "[MASK]": 103,
      "the": 104,
      "a": 105,
      "is": 106,
      "this": 107
    }
  }
}`)

var testBPETokenizerJSON = []byte(`{
  "version": "1.0",
  "added_tokens": [],
  "normalizer": null,
  "pre_tokenizer": {"type": "ByteLevel", "add_prefix_space": false},
  "model": {"type": "BPE", "unk_token": null, "vocab": {"hello": 2}, "merges": []}
}`)

func newTestTokenizer(t *testing.T) *Tokenizer {
	t.Helper()
	tok, err := NewFromContent(testWordPieceTokenizerJSON, api.Options{})
	require.NoError(t, err)
	return tok
}

func TestEncode(t *testing.T) {
	tok := newTestTokenizer(t)
	tests := []struct {
		name string
		text string
		want []int
	}{
		{"simple", "hello world", []int{1, 2}},
		{"lowercased", "Hello WORLD", []int{1, 2}},
		{"continuation", "testing tested", []int{3, 4, 3, 5}},
		{"punctuation", "hello!", []int{1, 6}},
		{"unknown word", "hello xyz", []int{1, 100}},
		{"accents stripped", "café", []int{7}},
		{"extra whitespace", "  hello\tworld \n", []int{1, 2}},
		{"empty", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tok.Encode(tt.text))
		})
	}
}

func TestEncodeWithSpans(t *testing.T) {
	tok := newTestTokenizer(t)
	text := "Hello testing!"
	result := tok.EncodeWithSpans(text)
	require.Equal(t, []int{1, 3, 4, 6}, result.IDs)
	require.Len(t, result.Spans, 4)

	expected := []string{"Hello", "test", "ing", "!"}
	for i, span := range result.Spans {
		assert.Equal(t, expected[i], text[span.Start:span.End], "token %d", i)
	}
}

func TestEncodeWithSpansNormalizedLengthChange(t *testing.T) {
	tok := newTestTokenizer(t)
	// "é" is 2 bytes, "e" after stripping is 1: the piece gets the whole word span.
	text := "a café"
	result := tok.EncodeWithSpans(text)
	require.Equal(t, []int{105, 7}, result.IDs)
	assert.Equal(t, api.TokenSpan{Start: 2, End: len(text)}, result.Spans[1])
}

func TestTokenizeAndConvert(t *testing.T) {
	tok := newTestTokenizer(t)
	pieces := tok.Tokenize("Testing the world")
	assert.Equal(t, []string{"test", "##ing", "the", "world"}, pieces)
	assert.Equal(t, []int{3, 4, 104, 2}, tok.ConvertTokensToIDs(pieces))
	assert.Equal(t, []int{100}, tok.ConvertTokensToIDs([]string{"nope"}))
}

func TestAddedTokenKeptWhole(t *testing.T) {
	tok := newTestTokenizer(t)
	assert.Equal(t, []int{1, 103}, tok.Encode("hello [MASK]"))
}

func TestLowerCaseOverride(t *testing.T) {
	lower := false
	tok, err := NewFromContent(testWordPieceTokenizerJSON, api.Options{LowerCase: &lower})
	require.NoError(t, err)
	assert.False(t, tok.LowerCase())
	assert.Equal(t, []int{100, 1}, tok.Encode("Hello hello"))
}

func TestDecode(t *testing.T) {
	tok := newTestTokenizer(t)
	assert.Equal(t, "testing world", tok.Decode([]int{3, 4, 2}))
}

func TestSpecialTokenID(t *testing.T) {
	tok := newTestTokenizer(t)
	tests := []struct {
		token api.SpecialToken
		want  int
	}{
		{api.TokPad, 0},
		{api.TokUnknown, 100},
		{api.TokBeginningOfSentence, 101},
		{api.TokClassification, 101},
		{api.TokEndOfSentence, 102},
		{api.TokMask, 103},
	}
	for _, tt := range tests {
		t.Run(tt.token.String(), func(t *testing.T) {
			id, err := tok.SpecialTokenID(tt.token)
			require.NoError(t, err)
			assert.Equal(t, tt.want, id)
		})
	}
	_, err := tok.SpecialTokenID(api.TokSpecialTokensCount)
	assert.Error(t, err)
}

func TestUnsupportedModel(t *testing.T) {
	_, err := NewFromContent(testBPETokenizerJSON, api.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BPE")

	_, err = NewFromContent([]byte("{not json"), api.Options{})
	assert.Error(t, err)
}

func TestNewFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokenizer.json")
	require.NoError(t, os.WriteFile(path, testWordPieceTokenizerJSON, 0644))
	tok, err := NewFromFile(path, api.Options{})
	require.NoError(t, err)
	assert.Equal(t, 16, tok.VocabSize())

	_, err = NewFromFile(filepath.Join(t.TempDir(), "missing.json"), api.Options{})
	assert.Error(t, err)
}
