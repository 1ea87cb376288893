// Package config resolves runtime configuration: credentials, the free-text
// system instruction, and model selection. Precedence is environment
// variable > .env file > persisted key-value store, matching how the rest of
// the settings surface behaves.
package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/kerimsiter/atrochat/internal/logger"
	"github.com/kerimsiter/atrochat/internal/storage"
	"github.com/kerimsiter/atrochat/internal/tokens"
)

// Config carries the resolved settings for one process run.
type Config struct {
	GeminiAPIKey      string
	GitHubToken       string
	SystemInstruction string
	Model             string
	// PreciseTokenCount asks the backend for exact input token counts
	// instead of the heuristic estimate. Opt-in; falls back on error.
	PreciseTokenCount bool
}

// Load resolves the configuration against the given KV store. The .env file
// in the working directory is honored when present.
func Load(kv storage.KV) (*Config, error) {
	if err := godotenv.Load(); err == nil {
		logger.Debug("Loaded .env file")
	}

	catalog, err := tokens.LoadCatalog()
	if err != nil {
		return nil, fmt.Errorf("failed to load model catalog: %w", err)
	}

	cfg := &Config{
		GeminiAPIKey:      resolve(kv, storage.KeyGeminiAPIKey, "GEMINI_API_KEY", "GOOGLE_API_KEY"),
		GitHubToken:       resolve(kv, storage.KeyGitHubToken, "GITHUB_TOKEN"),
		SystemInstruction: resolve(kv, storage.KeySystemInstruction),
		Model:             catalog.DefaultModel,
		PreciseTokenCount: viper.GetBool("count-tokens"),
	}

	if model := strings.TrimSpace(viper.GetString("model")); model != "" {
		cfg.Model = model
	}
	return cfg, nil
}

// resolve returns the first non-empty source for a setting: the listed
// environment variables in order, then the persisted value.
func resolve(kv storage.KV, storeKey string, envVars ...string) string {
	for _, name := range envVars {
		if v := strings.TrimSpace(viper.GetString(name)); v != "" {
			return v
		}
	}
	if kv != nil {
		if v, ok, err := kv.Get(storeKey); err == nil && ok {
			return v
		}
	}
	return ""
}

func init() {
	viper.AutomaticEnv()
}
