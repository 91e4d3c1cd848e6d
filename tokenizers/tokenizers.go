// Package tokenizers creates the tokenizer for a pretrained model repository.
//
// The implementation is picked from the files the repository ships: "tokenizer.json" first,
// then "vocab.txt" for older BERT checkpoints, and last "tokenizer.model" (SentencePiece).
package tokenizers

import (
	"context"

	"github.com/pkg/errors"
	"github.com/wimlds/tokclass/hub"
	"github.com/wimlds/tokclass/tokenizers/api"
	"github.com/wimlds/tokclass/tokenizers/hftokenizer"
	"github.com/wimlds/tokclass/tokenizers/sentencepiece"
	"github.com/wimlds/tokclass/tokenizers/wordpiece"
	"k8s.io/klog/v2"
)

// Tokenizer is an alias to api.Tokenizer.
type Tokenizer = api.Tokenizer

// New creates the tokenizer for repo.
func New(ctx context.Context, repo *hub.Repo, opts api.Options) (Tokenizer, error) {
	var (
		tok Tokenizer
		err error
	)
	switch {
	case repo.HasFile("tokenizer.json"):
		klog.V(1).Infof("tokenizers: using tokenizer.json from %s", repo)
		tok, err = hftokenizer.New(ctx, repo, opts)
	case repo.HasFile("vocab.txt"):
		klog.V(1).Infof("tokenizers: using vocab.txt from %s", repo)
		tok, err = wordpiece.New(ctx, repo, opts)
	case repo.HasFile("tokenizer.model"):
		klog.V(1).Infof("tokenizers: using tokenizer.model from %s", repo)
		tok, err = sentencepiece.New(ctx, repo, opts)
	default:
		return nil, errors.Errorf("repo %s has no tokenizer.json, vocab.txt or tokenizer.model", repo)
	}
	if err != nil {
		return nil, err
	}
	return tok, nil
}
