// Package hftokenizer implements a tokenizer for HuggingFace's tokenizer.json format,
// for the WordPiece models used by BERT-style encoders.
//
// Besides ids, it reports the byte span of every token in the original text, which is what
// token classification needs to map sub-words back to words.
package hftokenizer

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/wimlds/tokclass/hub"
	"github.com/wimlds/tokclass/tokenizers/api"
)

// TokenizerJSON represents the structure of HuggingFace's tokenizer.json file.
// Fields the tokenizer doesn't use are kept as raw JSON.
type TokenizerJSON struct {
	Version       string          `json:"version"`
	Truncation    json.RawMessage `json:"truncation"`
	Padding       json.RawMessage `json:"padding"`
	AddedTokens   []AddedToken    `json:"added_tokens"`
	Normalizer    *Normalizer     `json:"normalizer"`
	PreTokenizer  *PreTokenizer   `json:"pre_tokenizer"`
	PostProcessor json.RawMessage `json:"post_processor"`
	Decoder       *Decoder        `json:"decoder"`
	Model         Model           `json:"model"`
}

// AddedToken represents a special token added to the vocabulary.
type AddedToken struct {
	ID         int    `json:"id"`
	Content    string `json:"content"`
	SingleWord bool   `json:"single_word"`
	Lstrip     bool   `json:"lstrip"`
	Rstrip     bool   `json:"rstrip"`
	Normalized bool   `json:"normalized"`
	Special    bool   `json:"special"`
}

// Normalizer represents the normalizer configuration.
type Normalizer struct {
	Type               string       `json:"type"`
	Lowercase          bool         `json:"lowercase"`
	StripAccents       *bool        `json:"strip_accents"`
	CleanText          *bool        `json:"clean_text"`
	HandleChineseChars *bool        `json:"handle_chinese_chars"`
	Normalizers        []Normalizer `json:"normalizers"`
}

// PreTokenizer represents the pre-tokenizer configuration.
type PreTokenizer struct {
	Type          string         `json:"type"`
	PreTokenizers []PreTokenizer `json:"pretokenizers"`
}

// Decoder represents the decoder configuration.
type Decoder struct {
	Type   string `json:"type"`
	Prefix string `json:"prefix"`
}

// Model represents the tokenizer model.
type Model struct {
	Type                    string         `json:"type"`
	Vocab                   map[string]int `json:"vocab"`
	UnkToken                string         `json:"unk_token"`
	ContinuingSubwordPrefix string         `json:"continuing_subword_prefix"`
	MaxInputCharsPerWord    int            `json:"max_input_chars_per_word"`
}

// Tokenizer implements api.TokenizerWithSpans and api.PieceTokenizer for WordPiece tokenizer.json files.
type Tokenizer struct {
	tokenizer *TokenizerJSON
	idToToken map[int]string

	// Normalization and pre-tokenization, resolved from the JSON.
	lowercase        bool
	stripAccents     bool
	cleanText        bool
	handleChinese    bool
	splitPunctuation bool

	prefix   string
	maxChars int

	// Special token IDs, -1 if not present.
	unkID  int
	padID  int
	clsID  int
	sepID  int
	maskID int

	// Added tokens lookup (content -> id), and their contents sorted longest first.
	addedTokens map[string]int
	addedList   []string
}

// Compile time assert that Tokenizer implements the api interfaces.
var (
	_ api.TokenizerWithSpans = &Tokenizer{}
	_ api.PieceTokenizer     = &Tokenizer{}
)

// New creates a HuggingFace tokenizer from the repo's tokenizer.json file.
func New(ctx context.Context, repo *hub.Repo, opts api.Options) (*Tokenizer, error) {
	if !repo.HasFile("tokenizer.json") {
		return nil, errors.Errorf("\"tokenizer.json\" file not found in repo %s", repo)
	}
	tokenizerFile, err := repo.DownloadFile(ctx, "tokenizer.json")
	if err != nil {
		return nil, errors.WithMessage(err, "can't download tokenizer.json file")
	}
	return NewFromFile(tokenizerFile, opts)
}

// NewFromFile creates a HuggingFace tokenizer from a local tokenizer.json file path.
func NewFromFile(filePath string, opts api.Options) (*Tokenizer, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read tokenizer.json file %q", filePath)
	}
	return NewFromContent(content, opts)
}

// NewFromContent creates a HuggingFace tokenizer from tokenizer.json content.
func NewFromContent(content []byte, opts api.Options) (*Tokenizer, error) {
	var tj TokenizerJSON
	if err := json.Unmarshal(content, &tj); err != nil {
		return nil, errors.Wrapf(err, "failed to parse tokenizer.json")
	}
	switch tj.Model.Type {
	case "WordPiece", "":
	default:
		return nil, errors.Errorf("tokenizer.json model type %q not supported, only WordPiece", tj.Model.Type)
	}
	if len(tj.Model.Vocab) == 0 {
		return nil, errors.New("tokenizer.json has an empty vocabulary")
	}

	t := &Tokenizer{
		tokenizer:   &tj,
		idToToken:   make(map[int]string, len(tj.Model.Vocab)),
		addedTokens: make(map[string]int),
		prefix:      tj.Model.ContinuingSubwordPrefix,
		maxChars:    tj.Model.MaxInputCharsPerWord,
		unkID:       -1,
		padID:       -1,
		clsID:       -1,
		sepID:       -1,
		maskID:      -1,
	}
	if t.prefix == "" {
		t.prefix = "##"
	}
	if t.maxChars == 0 {
		t.maxChars = 100
	}
	for token, id := range tj.Model.Vocab {
		t.idToToken[id] = token
	}
	for _, at := range tj.AddedTokens {
		t.addedTokens[at.Content] = at.ID
		t.idToToken[at.ID] = at.Content
		if at.Content != "" {
			t.addedList = append(t.addedList, at.Content)
		}
	}
	sort.SliceStable(t.addedList, func(i, j int) bool { return len(t.addedList[i]) > len(t.addedList[j]) })

	if tj.Normalizer != nil {
		t.configureNormalizer(tj.Normalizer)
	}
	if opts.LowerCase != nil {
		t.lowercase = *opts.LowerCase
		if tj.Normalizer == nil || tj.Normalizer.Type != "BertNormalizer" || tj.Normalizer.StripAccents == nil {
			t.stripAccents = t.lowercase
		}
	}
	if tj.PreTokenizer == nil {
		t.splitPunctuation = true
	} else {
		t.configurePreTokenizer(tj.PreTokenizer)
	}
	t.resolveSpecialTokens()
	return t, nil
}

func (t *Tokenizer) configureNormalizer(n *Normalizer) {
	switch n.Type {
	case "BertNormalizer":
		t.lowercase = n.Lowercase
		t.stripAccents = n.Lowercase
		if n.StripAccents != nil {
			t.stripAccents = *n.StripAccents
		}
		t.cleanText = n.CleanText == nil || *n.CleanText
		t.handleChinese = n.HandleChineseChars == nil || *n.HandleChineseChars
	case "Lowercase":
		t.lowercase = true
	case "StripAccents":
		t.stripAccents = true
	case "Sequence":
		for i := range n.Normalizers {
			t.configureNormalizer(&n.Normalizers[i])
		}
	}
}

func (t *Tokenizer) configurePreTokenizer(pt *PreTokenizer) {
	switch pt.Type {
	case "BertPreTokenizer", "Whitespace", "Punctuation":
		t.splitPunctuation = true
	case "Sequence":
		for i := range pt.PreTokenizers {
			t.configurePreTokenizer(&pt.PreTokenizers[i])
		}
	}
}

// resolveSpecialTokens finds the ids of the BERT special tokens.
func (t *Tokenizer) resolveSpecialTokens() {
	lookup := func(names ...string) int {
		for _, name := range names {
			if id, ok := t.TokenToID(name); ok {
				return id
			}
		}
		return -1
	}
	if t.tokenizer.Model.UnkToken != "" {
		t.unkID = lookup(t.tokenizer.Model.UnkToken)
	}
	if t.unkID == -1 {
		t.unkID = lookup("[UNK]", "<unk>")
	}
	t.padID = lookup("[PAD]", "<pad>")
	t.clsID = lookup("[CLS]", "<s>")
	t.sepID = lookup("[SEP]", "</s>")
	t.maskID = lookup("[MASK]", "<mask>")
}

// Encode converts text to a sequence of token IDs, without special tokens.
func (t *Tokenizer) Encode(text string) []int {
	return t.EncodeWithSpans(text).IDs
}

// EncodeWithSpans converts text to token IDs along with the byte span of each token in text.
//
// When normalization changes the length of a word (lower-casing or accent stripping of some
// scripts), all pieces of that word get the span of the whole word.
func (t *Tokenizer) EncodeWithSpans(text string) api.EncodingResult {
	var result api.EncodingResult
	for _, word := range t.preTokenize(text) {
		for _, p := range t.tokenizeWord(word.text) {
			span := api.TokenSpan{Start: word.start, End: word.end}
			if p.sameLength {
				span = api.TokenSpan{Start: word.start + p.start, End: word.start + p.end}
			}
			result.IDs = append(result.IDs, p.id)
			result.Spans = append(result.Spans, span)
		}
	}
	return result
}

// Tokenize splits text into WordPiece pieces, continuation pieces carrying the "##" prefix.
func (t *Tokenizer) Tokenize(text string) []string {
	var tokens []string
	for _, word := range t.preTokenize(text) {
		for _, p := range t.tokenizeWord(word.text) {
			tokens = append(tokens, t.idToToken[p.id])
		}
	}
	return tokens
}

// ConvertTokensToIDs maps pieces to their ids, using the unknown token for pieces not in the vocabulary.
func (t *Tokenizer) ConvertTokensToIDs(tokens []string) []int {
	ids := make([]int, len(tokens))
	for i, tok := range tokens {
		id, ok := t.TokenToID(tok)
		if !ok {
			id = t.unkID
		}
		ids[i] = id
	}
	return ids
}

// piece is one WordPiece token of a normalized word, with its byte offsets in the normalized word.
type piece struct {
	id         int
	start, end int
	sameLength bool
}

// tokenizeWord normalizes a pre-token and splits it with greedy longest-match-first WordPiece.
func (t *Tokenizer) tokenizeWord(word string) []piece {
	if id, ok := t.addedTokens[word]; ok {
		return []piece{{id: id, start: 0, end: len(word), sameLength: true}}
	}
	normalized := t.normalize(word)
	if normalized == "" {
		return nil
	}
	sameLength := len(normalized) == len(word)
	unknown := []piece{{id: t.unkID, start: 0, end: len(normalized), sameLength: sameLength}}
	if len([]rune(normalized)) > t.maxChars {
		return unknown
	}

	var pieces []piece
	start := 0
	for start < len(normalized) {
		end := len(normalized)
		found := false
		for start < end {
			substr := normalized[start:end]
			if start > 0 {
				substr = t.prefix + substr
			}
			if id, ok := t.tokenizer.Model.Vocab[substr]; ok {
				pieces = append(pieces, piece{id: id, start: start, end: end, sameLength: sameLength})
				found = true
				break
			}
			end--
		}
		if !found {
			return unknown
		}
		start = end
	}
	return pieces
}

// Decode converts a sequence of token IDs back to text, merging continuation pieces.
func (t *Tokenizer) Decode(ids []int) string {
	prefix := t.prefix
	if t.tokenizer.Decoder != nil && t.tokenizer.Decoder.Prefix != "" {
		prefix = t.tokenizer.Decoder.Prefix
	}
	var result strings.Builder
	for i, id := range ids {
		token, ok := t.idToToken[id]
		if !ok {
			continue
		}
		if strings.HasPrefix(token, prefix) {
			result.WriteString(strings.TrimPrefix(token, prefix))
			continue
		}
		if i > 0 {
			result.WriteString(" ")
		}
		result.WriteString(token)
	}
	return result.String()
}

// SpecialTokenID returns the ID for a given special token.
// Beginning and end of sentence map to [CLS] and [SEP] for BERT-style vocabularies.
func (t *Tokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	var id int
	switch token {
	case api.TokUnknown:
		id = t.unkID
	case api.TokPad:
		id = t.padID
	case api.TokBeginningOfSentence, api.TokClassification:
		id = t.clsID
	case api.TokEndOfSentence:
		id = t.sepID
	case api.TokMask:
		id = t.maskID
	default:
		id = -1
	}
	if id < 0 {
		return 0, errors.Errorf("special token %s not found", token)
	}
	return id, nil
}

// VocabSize returns the size of the vocabulary, including added tokens not in the model vocabulary.
func (t *Tokenizer) VocabSize() int {
	return len(t.idToToken)
}

// TokenToID converts a token string to its ID.
func (t *Tokenizer) TokenToID(token string) (int, bool) {
	if id, ok := t.addedTokens[token]; ok {
		return id, true
	}
	id, ok := t.tokenizer.Model.Vocab[token]
	return id, ok
}

// IDToToken converts a token ID to its string.
func (t *Tokenizer) IDToToken(id int) (string, bool) {
	token, ok := t.idToToken[id]
	return token, ok
}

// LowerCase reports whether the tokenizer lower-cases its input.
func (t *Tokenizer) LowerCase() bool {
	return t.lowercase
}
