package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig_DefaultsAreValid(t *testing.T) {
	cfg := NewConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 4, cfg.Indexes.Concurrency)
	assert.Equal(t, "linear", cfg.Indexes.ANNBackend)
	assert.Equal(t, 1000, cfg.Embeddings.CacheSize)
}

func TestLoad_ProjectFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	yamlContent := "storage:\n  dir: " + filepath.Join(dir, "data") + "\nindexes:\n  concurrency: 8\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".chunkyindex.yaml"), []byte(yamlContent), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "data"), cfg.Storage.Dir)
	assert.Equal(t, 8, cfg.Indexes.Concurrency)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".chunkyindex.yaml"), []byte("indexes:\n  concurrency: 8\n"), 0o644))
	t.Setenv("CHUNKYINDEX_CONCURRENCY", "2")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Indexes.Concurrency)
}

func TestValidate_RejectsBadANNBackend(t *testing.T) {
	cfg := NewConfig()
	cfg.Indexes.ANNBackend = "bogus"
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsNonPositiveConcurrency(t *testing.T) {
	cfg := NewConfig()
	cfg.Indexes.Concurrency = 0
	assert.Error(t, cfg.Validate())
}
