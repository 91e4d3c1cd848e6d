// Package sentencepiece implements an api.TokenizerWithSpans based on SentencePiece tokenizer.
package sentencepiece

import (
	"context"
	"strings"
	"sync"

	esentencepiece "github.com/eliben/go-sentencepiece"
	"github.com/pkg/errors"
	"github.com/wimlds/tokclass/hub"
	"github.com/wimlds/tokclass/tokenizers/api"
	"k8s.io/klog/v2"
)

// New creates a SentencePiece tokenizer based on the "tokenizer.model" file, which must be a
// SentencePiece Model proto.
func New(ctx context.Context, repo *hub.Repo, opts api.Options) (*Tokenizer, error) {
	if !repo.HasFile("tokenizer.model") {
		return nil, errors.Errorf("\"tokenizer.model\" file not found in repo %s", repo)
	}
	tokenizerFile, err := repo.DownloadFile(ctx, "tokenizer.model")
	if err != nil {
		return nil, errors.WithMessage(err, "can't download tokenizer.model file")
	}
	return NewFromFile(tokenizerFile, opts)
}

// NewFromFile creates a SentencePiece tokenizer from a local model file.
func NewFromFile(path string, opts api.Options) (*Tokenizer, error) {
	proc, err := esentencepiece.NewProcessorFromPath(path)
	if err != nil {
		return nil, errors.Wrapf(err, "can't create sentencepiece tokenizer from %q", path)
	}
	return &Tokenizer{
		Processor: proc,
		Info:      proc.ModelInfo(),
		lowerCase: opts.LowerCase != nil && *opts.LowerCase,
	}, nil
}

// Tokenizer implements api.TokenizerWithSpans based on SentencePiece tokenizer by Google.
//
// It doesn't implement api.PieceTokenizer: the processor has no piece to id lookup.
type Tokenizer struct {
	*esentencepiece.Processor
	Info *esentencepiece.ModelInfo

	lowerCase     bool
	lowerCaseSkip sync.Once
}

// Compile time assert that sentencepiece.Tokenizer implements api.TokenizerWithSpans interface.
var _ api.TokenizerWithSpans = &Tokenizer{}

// prepare lower-cases text if configured, as long as that doesn't move byte offsets.
// Texts whose lower-case form has a different byte length are kept as is, with a warning
// logged the first time it happens.
func (p *Tokenizer) prepare(text string) string {
	if !p.lowerCase {
		return text
	}
	lower := strings.ToLower(text)
	if len(lower) != len(text) {
		p.lowerCaseSkip.Do(func() {
			klog.Warningf("sentencepiece: not lower-casing %q, it would change its byte length "+
				"(further occurrences are not logged)", text)
		})
		return text
	}
	return lower
}

// Encode returns the text encoded into a sequence of ids.
func (p *Tokenizer) Encode(text string) []int {
	tokens := p.Processor.Encode(p.prepare(text))
	return sliceMap(tokens, func(t esentencepiece.Token) int { return t.ID })
}

// EncodeWithSpans returns the text encoded into a sequence of ids along with their byte spans.
func (p *Tokenizer) EncodeWithSpans(text string) api.EncodingResult {
	prepared := p.prepare(text)
	tokens := p.Processor.Encode(prepared)
	return api.EncodingResult{
		IDs:   sliceMap(tokens, func(t esentencepiece.Token) int { return t.ID }),
		Spans: spansFromPieces(prepared, sliceMap(tokens, func(t esentencepiece.Token) string { return t.Text })),
	}
}

// metaspace is U+2581, which SentencePiece uses in place of spaces.
const metaspace = "▁"

// spansFromPieces matches the pieces back to text, returning the byte span of each one.
//
// A piece that is only the metaspace covers the whitespace before the next piece. Pieces that
// can't be found (byte fallback pieces, for instance) advance by their own length.
func spansFromPieces(text string, pieces []string) []api.TokenSpan {
	spans := make([]api.TokenSpan, len(pieces))
	pos := 0
	for i, piece := range pieces {
		matchPiece, hasLeadingSpace := strings.CutPrefix(piece, metaspace)
		if hasLeadingSpace {
			for pos < len(text) && isSpace(text[pos]) {
				pos++
			}
		}
		start := pos

		if matchPiece == "" {
			if hasLeadingSpace && start > 0 && isSpace(text[start-1]) {
				start--
			}
			spans[i] = api.TokenSpan{Start: start, End: pos}
			continue
		}
		if foundAt := findSubstring(text, matchPiece, pos); foundAt >= 0 {
			start = foundAt
			pos = foundAt + len(matchPiece)
		} else {
			pos = min(pos+len(matchPiece), len(text))
		}
		spans[i] = api.TokenSpan{Start: start, End: pos}
	}
	return spans
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// findSubstring finds the first occurrence of substr in s starting from position start.
// Returns the byte position of the match, or -1 if not found.
func findSubstring(s, substr string, start int) int {
	if start >= len(s) {
		return -1
	}
	idx := strings.Index(s[start:], substr)
	if idx < 0 {
		return -1
	}
	return start + idx
}

// Decode returns the text from a sequence of ids.
func (p *Tokenizer) Decode(ids []int) string {
	return p.Processor.Decode(ids)
}

// SpecialTokenID returns the token for the given symbol, or an error if not known.
// The classification token maps to the beginning of sentence.
func (p *Tokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	var id int
	switch token {
	case api.TokUnknown:
		id = p.Info.UnknownID
	case api.TokPad:
		id = p.Info.PadID
	case api.TokBeginningOfSentence, api.TokClassification:
		id = p.Info.BeginningOfSentenceID
	case api.TokEndOfSentence:
		id = p.Info.EndOfSentenceID
	default:
		return 0, errors.Errorf("unknown special token: %s (%d)", token, int(token))
	}
	if id < 0 {
		return 0, errors.Errorf("special token %s not defined in the sentencepiece model", token)
	}
	return id, nil
}

// sliceMap executes the given function sequentially for every element on in, and returns a mapped slice.
func sliceMap[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}
