// Package preprocess converts raw marked lines into fixed-length encoded examples for token classification.
//
// Each line is a sequence of space separated words. A word starting with the marker (by default "*")
// carries the marked label. Labels are given per word and replicated across the word's sub-word tokens,
// the sentence is wrapped in the two boundary tokens (labelled 0), truncated and right-padded to MaxLen.
//
// Alignment between sub-words and words comes from the byte spans of a single tokenization of the
// whole sentence, when the tokenizer provides them (api.TokenizerWithSpans). Otherwise each word is
// encoded separately and the results concatenated.
package preprocess

import (
	"slices"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/wimlds/tokclass/tokenizers/api"
)

var (
	// ErrAlignmentMismatch is returned in strict mode when the per-word pieces don't match the sentence encoding.
	ErrAlignmentMismatch = errors.New("sub-word alignment mismatch")

	// ErrEmptyLine is returned for lines without any word.
	ErrEmptyLine = errors.New("empty line")
)

// Options of the Preprocessor.
type Options struct {
	// MaxLen is the length of every encoded sequence, boundary tokens included. Must be at least 2.
	MaxLen int

	// Marker prefixes the marked words. Defaults to "*".
	Marker string

	// MarkedLabel is the label of marked words (0 or 1); unmarked words get 1-MarkedLabel.
	MarkedLabel int

	// StrictAlignment re-tokenizes every word into pieces and checks that their ids match the
	// sentence encoding, returning ErrAlignmentMismatch otherwise. Requires an api.PieceTokenizer.
	StrictAlignment bool

	// ZeroTypeIDPadding pads token type ids with 0 instead of the pad token id.
	ZeroTypeIDPadding bool
}

// Example is one encoded line. All slices have length MaxLen.
type Example struct {
	InputIDs      []int
	Labels        []int
	AttentionMask []int
	TokenTypeIDs  []int

	// Truncated is set when content tokens were dropped to fit MaxLen.
	Truncated bool
}

// Stats counts processed and truncated lines.
type Stats struct {
	Processed, Truncated int64
}

// Preprocessor encodes lines. It is safe for concurrent use.
type Preprocessor struct {
	tok                 api.Tokenizer
	opts                Options
	clsID, sepID, padID int

	processed, truncated atomic.Int64
}

// New creates a Preprocessor for the tokenizer.
func New(tok api.Tokenizer, opts Options) (*Preprocessor, error) {
	if opts.MaxLen < 2 {
		return nil, errors.Errorf("max_len must be at least 2 to hold the boundary tokens, got %d", opts.MaxLen)
	}
	if opts.Marker == "" {
		opts.Marker = "*"
	}
	if opts.MarkedLabel != 0 && opts.MarkedLabel != 1 {
		return nil, errors.Errorf("marked label must be 0 or 1, got %d", opts.MarkedLabel)
	}
	if opts.StrictAlignment {
		if _, ok := tok.(api.PieceTokenizer); !ok {
			return nil, errors.Errorf("strict alignment requires a tokenizer exposing its pieces, %T doesn't", tok)
		}
	}
	p := &Preprocessor{tok: tok, opts: opts}
	var err error
	if p.clsID, err = tok.SpecialTokenID(api.TokBeginningOfSentence); err != nil {
		return nil, errors.WithMessage(err, "tokenizer has no start boundary token")
	}
	if p.sepID, err = tok.SpecialTokenID(api.TokEndOfSentence); err != nil {
		return nil, errors.WithMessage(err, "tokenizer has no end boundary token")
	}
	if p.padID, err = tok.SpecialTokenID(api.TokPad); err != nil {
		return nil, errors.WithMessage(err, "tokenizer has no pad token")
	}
	return p, nil
}

// PadID returns the id used to pad input ids.
func (p *Preprocessor) PadID() int { return p.padID }

// MaxLen returns the length of the encoded sequences.
func (p *Preprocessor) MaxLen() int { return p.opts.MaxLen }

// SplitWords splits line on whitespace, returning the words with the marker removed and their labels.
func SplitWords(line, marker string, markedLabel int) (words []string, labels []int) {
	for _, w := range strings.Fields(line) {
		if rest, ok := strings.CutPrefix(w, marker); ok && marker != "" {
			words = append(words, rest)
			labels = append(labels, markedLabel)
			continue
		}
		words = append(words, w)
		labels = append(labels, 1-markedLabel)
	}
	return
}

// Process encodes one line.
func (p *Preprocessor) Process(line string) (Example, error) {
	words, wordLabels := SplitWords(line, p.opts.Marker, p.opts.MarkedLabel)
	if len(words) == 0 {
		return Example{}, ErrEmptyLine
	}

	var (
		ids, labels []int
		err         error
	)
	switch {
	case p.opts.StrictAlignment:
		ids, labels, err = p.alignStrict(words, wordLabels)
	default:
		if tws, ok := p.tok.(api.TokenizerWithSpans); ok {
			ids, labels = alignBySpans(tws, words, wordLabels)
		} else {
			ids, labels, err = p.alignByWord(words, wordLabels)
		}
	}
	if err != nil {
		return Example{}, err
	}
	if len(ids) != len(labels) {
		return Example{}, errors.Wrapf(ErrAlignmentMismatch, "%d ids and %d labels for %q", len(ids), len(labels), line)
	}

	p.processed.Add(1)
	var ex Example
	if maxContent := p.opts.MaxLen - 2; len(ids) > maxContent {
		ids, labels = ids[:maxContent], labels[:maxContent]
		ex.Truncated = true
		p.truncated.Add(1)
	}
	p.fill(&ex, ids, labels)
	return ex, nil
}

// fill wraps content in the boundary tokens and pads everything to MaxLen.
func (p *Preprocessor) fill(ex *Example, ids, labels []int) {
	n := p.opts.MaxLen
	ex.InputIDs = make([]int, 0, n)
	ex.Labels = make([]int, 0, n)
	ex.AttentionMask = make([]int, 0, n)
	ex.TokenTypeIDs = make([]int, 0, n)

	ex.InputIDs = append(ex.InputIDs, p.clsID)
	ex.InputIDs = append(ex.InputIDs, ids...)
	ex.InputIDs = append(ex.InputIDs, p.sepID)
	ex.Labels = append(ex.Labels, 0)
	ex.Labels = append(ex.Labels, labels...)
	ex.Labels = append(ex.Labels, 0)
	used := len(ex.InputIDs)
	for range used {
		ex.AttentionMask = append(ex.AttentionMask, 1)
		ex.TokenTypeIDs = append(ex.TokenTypeIDs, 0)
	}

	typePad := p.padID
	if p.opts.ZeroTypeIDPadding {
		typePad = 0
	}
	for range n - used {
		ex.InputIDs = append(ex.InputIDs, p.padID)
		ex.Labels = append(ex.Labels, 0)
		ex.AttentionMask = append(ex.AttentionMask, 0)
		ex.TokenTypeIDs = append(ex.TokenTypeIDs, typePad)
	}
}

// alignBySpans tokenizes the sentence once and gives each token the label of the word containing its start.
// Tokens starting on the space between two words belong to the following word.
func alignBySpans(tok api.TokenizerWithSpans, words []string, wordLabels []int) (ids, labels []int) {
	sentence := strings.Join(words, " ")
	ends := make([]int, len(words))
	pos := 0
	for i, w := range words {
		pos += len(w)
		ends[i] = pos
		pos++ // separator
	}

	enc := tok.EncodeWithSpans(sentence)
	labels = make([]int, len(enc.IDs))
	w := 0
	for i, span := range enc.Spans {
		for w < len(words)-1 && span.Start >= ends[w] {
			w++
		}
		labels[i] = wordLabels[w]
	}
	return enc.IDs, labels
}

// encode uses TryEncode when the tokenizer reports errors.
func (p *Preprocessor) encode(text string) ([]int, error) {
	if ft, ok := p.tok.(api.FallibleTokenizer); ok {
		return ft.TryEncode(text)
	}
	return p.tok.Encode(text), nil
}

// alignByWord encodes each word separately.
func (p *Preprocessor) alignByWord(words []string, wordLabels []int) ([]int, []int, error) {
	var ids, labels []int
	for i, w := range words {
		wordIDs, err := p.encode(w)
		if err != nil {
			return nil, nil, err
		}
		ids = append(ids, wordIDs...)
		for range wordIDs {
			labels = append(labels, wordLabels[i])
		}
	}
	return ids, labels, nil
}

// alignStrict derives the labels from the per-word pieces and checks their ids against the
// encoding of the whole sentence.
func (p *Preprocessor) alignStrict(words []string, wordLabels []int) (ids, labels []int, err error) {
	pt := p.tok.(api.PieceTokenizer)
	var pieces []string
	for i, w := range words {
		wordPieces := pt.Tokenize(w)
		pieces = append(pieces, wordPieces...)
		for range wordPieces {
			labels = append(labels, wordLabels[i])
		}
	}
	pieceIDs := pt.ConvertTokensToIDs(pieces)
	sentence := strings.Join(words, " ")
	if ids, err = p.encode(sentence); err != nil {
		return nil, nil, err
	}
	if !slices.Equal(ids, pieceIDs) {
		return nil, nil, errors.Wrapf(ErrAlignmentMismatch, "sentence %q: encoded %v, pieces %v", sentence, ids, pieceIDs)
	}
	return ids, labels, nil
}

// Stats returns the counters since creation or the last TakeStats.
func (p *Preprocessor) Stats() Stats {
	return Stats{Processed: p.processed.Load(), Truncated: p.truncated.Load()}
}

// TakeStats returns the counters and resets them.
func (p *Preprocessor) TakeStats() Stats {
	return Stats{Processed: p.processed.Swap(0), Truncated: p.truncated.Swap(0)}
}
