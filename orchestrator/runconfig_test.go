package orchestrator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRunConfig(t *testing.T) {
	doc := `
disable_cache: true
steps:
  train:
    epochs: 20
    learning_rate: 0.001
  evaluate:
    batch_size: 64
`
	cfg, err := ParseRunConfig([]byte(doc))
	require.NoError(t, err)

	assert.True(t, cfg.DisableCache)
	require.Len(t, cfg.Steps, 2)
	assert.Equal(t, 20, cfg.Steps["train"]["epochs"])
	assert.Equal(t, 0.001, cfg.Steps["train"]["learning_rate"])
	assert.Equal(t, 64, cfg.Steps["evaluate"]["batch_size"])
}

func TestParseRunConfigEmptyDocument(t *testing.T) {
	cfg, err := ParseRunConfig(nil)
	require.NoError(t, err)
	assert.False(t, cfg.DisableCache)
	assert.Empty(t, cfg.Steps)
}

func TestParseRunConfigRejectsUnknownKeys(t *testing.T) {
	_, err := ParseRunConfig([]byte("cache_disable: true\n"))
	require.Error(t, err)
	assert.ErrorContains(t, err, "parse run config")
}

func TestLoadRunConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("steps:\n  train:\n    epochs: 3\n"), 0o644))

	cfg, err := LoadRunConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Steps["train"]["epochs"])

	_, err = LoadRunConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.ErrorContains(t, err, "read run config")
}
