package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "./data", cfg.RootDir)
	assert.Equal(t, 1000, cfg.RevisionLimit)
	assert.Equal(t, 4, cfg.Replication.Parallelism)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "satchel.yaml")
	require.NoError(t, writeFile(path, `
root_dir: /var/lib/satchel
revision_limit: 50
replication:
  parallelism: 8
log:
  level: debug
  json: true
`))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/satchel", cfg.RootDir)
	assert.Equal(t, 50, cfg.RevisionLimit)
	assert.Equal(t, 8, cfg.Replication.Parallelism)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)
}

func TestLoadRejectsInvalidRevisionLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "satchel.yaml")
	require.NoError(t, writeFile(path, "revision_limit: 0\n"))

	_, err := Load(path)
	require.Error(t, err)
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
