// Package config holds the training configuration, read once from a YAML file and the environment.
package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix of the environment variables overriding configuration keys: "model.lr" is TOKCLASS_MODEL_LR.
const EnvPrefix = "TOKCLASS"

// Config stores all configuration of a training run.
type Config struct {
	Model   ModelConfig   `mapstructure:"model"`
	Data    DataConfig    `mapstructure:"data"`
	Trainer TrainerConfig `mapstructure:"trainer"`
}

// ModelConfig selects the pretrained model and the optimization settings.
type ModelConfig struct {
	// Bert is the pretrained model: a HuggingFace Hub id or a local directory.
	Bert        string  `mapstructure:"bert"`
	LR          float64 `mapstructure:"lr"`
	BatchSize   int     `mapstructure:"batch_size"`
	Epochs      int     `mapstructure:"epochs"`
	NumLabels   int     `mapstructure:"num_labels"`
	WeightDecay float64 `mapstructure:"weight_decay"`
	Epsilon     float64 `mapstructure:"epsilon"`
	Seed        uint64  `mapstructure:"seed"`
}

// DataConfig describes the input files and how lines are encoded.
type DataConfig struct {
	// LowerCase overrides the tokenizer's lower-casing when set.
	LowerCase *bool  `mapstructure:"lower_case"`
	MaxLen    int    `mapstructure:"max_len"`
	TrainFile string `mapstructure:"train_file"`
	ValFile   string `mapstructure:"val_file"`
	TestFile  string `mapstructure:"test_file"`

	Marker            string `mapstructure:"marker"`
	MarkerLabel       int    `mapstructure:"marker_label"`
	NumWorkers        int    `mapstructure:"num_workers"`
	StrictAlignment   bool   `mapstructure:"strict_alignment"`
	ZeroTypeIDPadding bool   `mapstructure:"zero_type_id_padding"`
}

// TrainerConfig drives the training loop.
type TrainerConfig struct {
	// Patience is the number of epochs without validation loss improvement before stopping. 0 disables early stopping.
	Patience      int    `mapstructure:"patience"`
	CheckpointDir string `mapstructure:"checkpoint_dir"`
}

var defaults = map[string]any{
	"model.bert":                "",
	"model.lr":                  0.0,
	"model.batch_size":          0,
	"model.epochs":              0,
	"model.num_labels":          2,
	"model.weight_decay":        0.01,
	"model.epsilon":             1e-8,
	"model.seed":                42,
	"data.max_len":              0,
	"data.train_file":           "",
	"data.val_file":             "",
	"data.test_file":            "",
	"data.marker":               "*",
	"data.marker_label":         1,
	"data.num_workers":          4,
	"data.strict_alignment":     false,
	"data.zero_type_id_padding": false,
	"trainer.patience":          0,
	"trainer.checkpoint_dir":    "checkpoints",
}

// Load reads the YAML configuration file at path, if not empty, with environment overrides,
// and validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// lower_case has no default: bind it so the environment can still set it.
	if err := v.BindEnv("data.lower_case"); err != nil {
		return nil, errors.Wrap(err, "failed to bind data.lower_case")
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %q", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unable to decode configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate returns an error naming the first missing or invalid key.
func (c *Config) Validate() error {
	switch {
	case c.Model.Bert == "":
		return errors.New("missing configuration key model.bert")
	case c.Model.LR <= 0:
		return errors.Errorf("model.lr must be positive, got %g", c.Model.LR)
	case c.Model.BatchSize <= 0:
		return errors.Errorf("model.batch_size must be positive, got %d", c.Model.BatchSize)
	case c.Model.Epochs <= 0:
		return errors.Errorf("model.epochs must be positive, got %d", c.Model.Epochs)
	case c.Model.NumLabels < 2:
		return errors.Errorf("model.num_labels must be at least 2, got %d", c.Model.NumLabels)
	case c.Model.WeightDecay < 0:
		return errors.Errorf("model.weight_decay can't be negative, got %g", c.Model.WeightDecay)
	case c.Data.MaxLen < 3:
		return errors.Errorf("data.max_len must be at least 3, got %d", c.Data.MaxLen)
	case c.Data.TrainFile == "":
		return errors.New("missing configuration key data.train_file")
	case c.Data.ValFile == "":
		return errors.New("missing configuration key data.val_file")
	case c.Data.TestFile == "":
		return errors.New("missing configuration key data.test_file")
	case c.Data.Marker == "":
		return errors.New("data.marker can't be empty")
	case c.Data.MarkerLabel != 0 && c.Data.MarkerLabel != 1:
		return errors.Errorf("data.marker_label must be 0 or 1, got %d", c.Data.MarkerLabel)
	case c.Trainer.Patience < 0:
		return errors.Errorf("trainer.patience can't be negative, got %d", c.Trainer.Patience)
	}
	return nil
}
