package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kerimsiter/atrochat/internal/storage"
)

func TestLoad_StoredCredentials(t *testing.T) {
	kv := storage.NewMemoryKV()
	require.NoError(t, kv.Set(storage.KeyGeminiAPIKey, "saklanan-anahtar"))
	require.NoError(t, kv.Set(storage.KeySystemInstruction, "Kısa yanıt ver."))

	cfg, err := Load(kv)
	require.NoError(t, err)
	assert.Equal(t, "saklanan-anahtar", cfg.GeminiAPIKey)
	assert.Equal(t, "Kısa yanıt ver.", cfg.SystemInstruction)
	assert.NotEmpty(t, cfg.Model, "model defaults from the catalog")
}

func TestLoad_EnvironmentBeatsStore(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "env-anahtar")

	kv := storage.NewMemoryKV()
	require.NoError(t, kv.Set(storage.KeyGeminiAPIKey, "saklanan-anahtar"))

	cfg, err := Load(kv)
	require.NoError(t, err)
	assert.Equal(t, "env-anahtar", cfg.GeminiAPIKey)
}

func TestLoad_MissingEverything(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")
	t.Setenv("GITHUB_TOKEN", "")

	cfg, err := Load(storage.NewMemoryKV())
	require.NoError(t, err)
	assert.Empty(t, cfg.GeminiAPIKey)
	assert.Empty(t, cfg.GitHubToken)
}
