package models

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wimlds/tokclass/hub"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{
		"architectures": ["BertForMaskedLM"],
		"model_type": "bert",
		"hidden_size": 768,
		"max_position_embeddings": 512,
		"pad_token_id": 0,
		"vocab_size": 30522
	}`), 0644))

	cfg, err := LoadConfig(context.Background(), hub.New(dir))
	require.NoError(t, err)
	assert.Equal(t, "bert", cfg.ModelType)
	assert.Equal(t, 768, cfg.HiddenSize)
	assert.Equal(t, 30522, cfg.VocabSize)
	require.NotNil(t, cfg.PadTokenID)
	assert.Equal(t, 0, *cfg.PadTokenID)

	assert.NoError(t, cfg.CheckMaxLen(512))
	assert.Error(t, cfg.CheckMaxLen(513))
	assert.NoError(t, (&Config{}).CheckMaxLen(4096))
}

func TestLoadConfigMissing(t *testing.T) {
	_, err := LoadConfig(context.Background(), hub.New(t.TempDir()))
	assert.True(t, errors.Is(err, ErrNoConfig))
}
