// Package wordpiece implements a BERT tokenizer for repositories that only ship a "vocab.txt" file.
//
// Tokenization is done by github.com/sugarme/tokenizer. The tokenizer doesn't report spans, so
// label alignment encodes it word by word.
package wordpiece

import (
	"bufio"
	"context"
	"os"
	"strings"

	"github.com/pkg/errors"
	tk "github.com/sugarme/tokenizer"
	swordpiece "github.com/sugarme/tokenizer/model/wordpiece"
	"github.com/sugarme/tokenizer/normalizer"
	"github.com/sugarme/tokenizer/pretokenizer"
	"github.com/wimlds/tokclass/hub"
	"github.com/wimlds/tokclass/tokenizers/api"
	"k8s.io/klog/v2"
)

const (
	unkToken = "[UNK]"
	prefix   = "##"
)

// Tokenizer implements api.PieceTokenizer and api.FallibleTokenizer over a vocab.txt file.
type Tokenizer struct {
	encodeFn  func(text string) (*tk.Encoding, error)
	vocab     map[string]int
	idToToken []string
	lowerCase bool
	unkID     int
}

var (
	_ api.PieceTokenizer    = &Tokenizer{}
	_ api.FallibleTokenizer = &Tokenizer{}
)

// New creates the tokenizer from the repo's vocab.txt. Unless opts.LowerCase says otherwise,
// the input is lower-cased, as for the uncased BERT models.
func New(ctx context.Context, repo *hub.Repo, opts api.Options) (*Tokenizer, error) {
	if !repo.HasFile("vocab.txt") {
		return nil, errors.Errorf("\"vocab.txt\" file not found in repo %s", repo)
	}
	vocabFile, err := repo.DownloadFile(ctx, "vocab.txt")
	if err != nil {
		return nil, errors.WithMessage(err, "can't download vocab.txt file")
	}
	return NewFromFile(vocabFile, opts)
}

// NewFromFile creates the tokenizer from a local vocab.txt file, one token per line, ids given by line order.
func NewFromFile(vocabPath string, opts api.Options) (*Tokenizer, error) {
	vocab, idToToken, err := readVocab(vocabPath)
	if err != nil {
		return nil, err
	}
	unkID, ok := vocab[unkToken]
	if !ok {
		return nil, errors.Errorf("vocabulary %q has no %s token", vocabPath, unkToken)
	}
	wp, err := swordpiece.NewWordPieceFromFile(vocabPath, unkToken)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build WordPiece model from %q", vocabPath)
	}

	lowerCase := true
	if opts.LowerCase != nil {
		lowerCase = *opts.LowerCase
	}
	t := tk.NewTokenizer(wp)
	t.WithNormalizer(normalizer.NewBertNormalizer(true, lowerCase, true, lowerCase))
	t.WithPreTokenizer(pretokenizer.NewBertPreTokenizer())
	return &Tokenizer{
		encodeFn: func(text string) (*tk.Encoding, error) {
			return t.Encode(tk.NewSingleEncodeInput(tk.NewInputSequence(text)), false)
		},
		vocab:     vocab,
		idToToken: idToToken,
		lowerCase: lowerCase,
		unkID:     unkID,
	}, nil
}

func readVocab(path string) (map[string]int, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open vocabulary %q", path)
	}
	defer f.Close()

	vocab := make(map[string]int)
	var idToToken []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		token := strings.TrimRight(scanner.Text(), "\r")
		vocab[token] = len(idToToken)
		idToToken = append(idToToken, token)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, errors.Wrapf(err, "failed to read vocabulary %q", path)
	}
	if len(idToToken) == 0 {
		return nil, nil, errors.Errorf("vocabulary %q is empty", path)
	}
	return vocab, idToToken, nil
}

func (w *Tokenizer) encode(text string) (*tk.Encoding, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	enc, err := w.encodeFn(text)
	if err != nil {
		return nil, errors.Wrapf(err, "wordpiece failed to encode %q", text)
	}
	return enc, nil
}

// TryEncode converts text to token ids, without special tokens.
func (w *Tokenizer) TryEncode(text string) ([]int, error) {
	enc, err := w.encode(text)
	if enc == nil {
		return nil, err
	}
	return enc.GetIds(), nil
}

// Encode is TryEncode with errors logged, returning no ids.
func (w *Tokenizer) Encode(text string) []int {
	ids, err := w.TryEncode(text)
	if err != nil {
		klog.Warningf("%v", err)
	}
	return ids
}

// Tokenize splits text into WordPiece pieces. Errors are logged and return no pieces.
func (w *Tokenizer) Tokenize(text string) []string {
	enc, err := w.encode(text)
	if err != nil {
		klog.Warningf("%v", err)
	}
	if enc == nil {
		return nil
	}
	return enc.GetTokens()
}

// ConvertTokensToIDs maps pieces to ids, unknown pieces to the [UNK] id.
func (w *Tokenizer) ConvertTokensToIDs(tokens []string) []int {
	ids := make([]int, len(tokens))
	for i, token := range tokens {
		id, ok := w.vocab[token]
		if !ok {
			id = w.unkID
		}
		ids[i] = id
	}
	return ids
}

// Decode joins the pieces of ids, merging continuation pieces into the previous word.
func (w *Tokenizer) Decode(ids []int) string {
	var sb strings.Builder
	for i, id := range ids {
		if id < 0 || id >= len(w.idToToken) {
			continue
		}
		token := w.idToToken[id]
		if rest, ok := strings.CutPrefix(token, prefix); ok {
			sb.WriteString(rest)
			continue
		}
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(token)
	}
	return sb.String()
}

var specialTokenNames = map[api.SpecialToken]string{
	api.TokUnknown:             unkToken,
	api.TokPad:                 "[PAD]",
	api.TokBeginningOfSentence: "[CLS]",
	api.TokClassification:      "[CLS]",
	api.TokEndOfSentence:       "[SEP]",
	api.TokMask:                "[MASK]",
}

// SpecialTokenID returns the id of the BERT special token.
func (w *Tokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	name, ok := specialTokenNames[token]
	if !ok {
		return 0, errors.Errorf("unknown special token: %s", token)
	}
	id, ok := w.vocab[name]
	if !ok {
		return 0, errors.Errorf("special token %s (%q) not in vocabulary", token, name)
	}
	return id, nil
}

// VocabSize is the number of lines in vocab.txt.
func (w *Tokenizer) VocabSize() int { return len(w.idToToken) }
