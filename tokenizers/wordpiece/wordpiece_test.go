package wordpiece

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wimlds/tokclass/hub"
	tk "github.com/sugarme/tokenizer"
	"github.com/wimlds/tokclass/tokenizers/api"
)

var testVocab = []string{
	"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]",
	"hello", "world", "test", "##ing", "the", "!",
}

func writeVocab(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vocab.txt"), []byte(strings.Join(testVocab, "\n")+"\n"), 0644))
	return dir
}

func TestTokenizer(t *testing.T) {
	dir := writeVocab(t)
	tok, err := New(context.Background(), hub.New(dir), api.Options{})
	require.NoError(t, err)
	assert.Equal(t, len(testVocab), tok.VocabSize())

	pieces := tok.Tokenize("Hello testing")
	assert.Equal(t, []string{"hello", "test", "##ing"}, pieces)
	assert.Equal(t, []int{5, 7, 8}, tok.ConvertTokensToIDs(pieces))
	assert.Equal(t, []int{5, 7, 8}, tok.Encode("Hello testing"))
	assert.Equal(t, []int{1}, tok.ConvertTokensToIDs([]string{"missing"}))
	assert.Nil(t, tok.Encode("   "))

	assert.Equal(t, "hello testing", tok.Decode([]int{5, 7, 8}))
}

func TestSpecialTokenID(t *testing.T) {
	tok, err := NewFromFile(filepath.Join(writeVocab(t), "vocab.txt"), api.Options{})
	require.NoError(t, err)
	for token, want := range map[api.SpecialToken]int{
		api.TokPad:                 0,
		api.TokUnknown:             1,
		api.TokBeginningOfSentence: 2,
		api.TokEndOfSentence:       3,
		api.TokMask:                4,
	} {
		id, err := tok.SpecialTokenID(token)
		require.NoError(t, err, token.String())
		assert.Equal(t, want, id, token.String())
	}
	_, err = tok.SpecialTokenID(api.TokSpecialTokensCount)
	assert.Error(t, err)
}

func TestMissingVocab(t *testing.T) {
	_, err := New(context.Background(), hub.New(t.TempDir()), api.Options{})
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "vocab.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello\nworld\n"), 0644))
	_, err = NewFromFile(path, api.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[UNK]")
}

func TestEncodeErrors(t *testing.T) {
	tok, err := NewFromFile(filepath.Join(writeVocab(t), "vocab.txt"), api.Options{})
	require.NoError(t, err)
	boom := errors.New("boom")
	tok.encodeFn = func(string) (*tk.Encoding, error) { return nil, boom }

	ids, err := tok.TryEncode("hello")
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), `"hello"`)
	assert.Nil(t, ids)
	assert.Nil(t, tok.Encode("hello"))
	assert.Nil(t, tok.Tokenize("hello"))

	ids, err = tok.TryEncode("  ")
	assert.NoError(t, err)
	assert.Nil(t, ids)
}
