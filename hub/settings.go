package hub

import (
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Settings for accessing the Hub, usually read from the environment with LoadSettings.
type Settings struct {
	Token    string `env:"HF_TOKEN"`
	Home     string `env:"HF_HOME"`
	CacheDir string `env:"HF_HUB_CACHE"`
	Endpoint string `env:"HF_ENDPOINT" envDefault:"https://huggingface.co"`
	Offline  bool   `env:"HF_HUB_OFFLINE"`
}

// LoadSettings reads Settings from the environment.
// A ".env" file in the current directory is loaded first, if present; variables already set take precedence.
func LoadSettings() (Settings, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		klog.V(1).Infof("hub: not loading .env: %v", err)
	}
	var s Settings
	if err := env.Parse(&s); err != nil {
		return Settings{}, errors.Wrap(err, "failed to parse hub settings from environment")
	}
	if s.CacheDir == "" && s.Home != "" {
		s.CacheDir = filepath.Join(s.Home, "hub")
	}
	return s, nil
}

// DefaultCacheDir is "$HF_HOME/hub" if HF_HOME is set, otherwise "~/.cache/huggingface/hub".
func DefaultCacheDir() string {
	if dir := os.Getenv("HF_HUB_CACHE"); dir != "" {
		return dir
	}
	if home := os.Getenv("HF_HOME"); home != "" {
		return filepath.Join(home, "hub")
	}
	userCache, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "huggingface", "hub")
	}
	return filepath.Join(userCache, "huggingface", "hub")
}
