// Package models reads the description of pretrained models, and holds the model weight readers
// in its sub-packages.
package models

import (
	"context"
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	"github.com/wimlds/tokclass/hub"
)

// ErrNoConfig is returned by LoadConfig when the repo has no config.json.
var ErrNoConfig = errors.New("config.json not found")

// Config holds the fields of a transformers config.json used for validation.
type Config struct {
	ModelType             string            `json:"model_type"`
	Architectures         []string          `json:"architectures"`
	VocabSize             int               `json:"vocab_size"`
	HiddenSize            int               `json:"hidden_size"`
	NumHiddenLayers       int               `json:"num_hidden_layers"`
	MaxPositionEmbeddings int               `json:"max_position_embeddings"`
	TypeVocabSize         int               `json:"type_vocab_size"`
	PadTokenID            *int              `json:"pad_token_id"`
	ID2Label              map[string]string `json:"id2label"`
}

// LoadConfig reads the repo's config.json.
func LoadConfig(ctx context.Context, repo *hub.Repo) (*Config, error) {
	if !repo.HasFile("config.json") {
		return nil, errors.Wrapf(ErrNoConfig, "repo %s", repo)
	}
	path, err := repo.DownloadFile(ctx, "config.json")
	if err != nil {
		return nil, errors.WithMessage(err, "can't download config.json")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}
	return &cfg, nil
}

// CheckMaxLen returns an error if sequences of maxLen tokens don't fit the model's position embeddings.
// A zero MaxPositionEmbeddings is not checked.
func (c *Config) CheckMaxLen(maxLen int) error {
	if c.MaxPositionEmbeddings > 0 && maxLen > c.MaxPositionEmbeddings {
		return errors.Errorf("max_len %d exceeds the model's max_position_embeddings %d", maxLen, c.MaxPositionEmbeddings)
	}
	return nil
}
