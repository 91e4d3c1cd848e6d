package tokenizers

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wimlds/tokclass/hub"
	"github.com/wimlds/tokclass/tokenizers/api"
	"github.com/wimlds/tokclass/tokenizers/hftokenizer"
	"github.com/wimlds/tokclass/tokenizers/wordpiece"
)

const tokenizerJSON = `{
  "added_tokens": [{"id": 0, "content": "[PAD]", "special": true}],
  "normalizer": {"type": "BertNormalizer", "lowercase": true},
  "pre_tokenizer": {"type": "BertPreTokenizer"},
  "model": {"type": "WordPiece", "unk_token": "[UNK]", "vocab": {"[PAD]": 0, "[UNK]": 1, "hello": 2}}
}`

func TestNewPicksImplementation(t *testing.T) {
	ctx := context.Background()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vocab.txt"), []byte("[PAD]\n[UNK]\nhello\n"), 0644))
	tok, err := New(ctx, hub.New(dir), api.Options{})
	require.NoError(t, err)
	assert.IsType(t, &wordpiece.Tokenizer{}, tok)

	// tokenizer.json takes precedence.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tokenizer.json"), []byte(tokenizerJSON), 0644))
	tok, err = New(ctx, hub.New(dir), api.Options{})
	require.NoError(t, err)
	assert.IsType(t, &hftokenizer.Tokenizer{}, tok)
	assert.Equal(t, []int{2}, tok.Encode("Hello"))
}

func TestNewNoTokenizer(t *testing.T) {
	_, err := New(context.Background(), hub.New(t.TempDir()), api.Options{})
	assert.Error(t, err)
}
