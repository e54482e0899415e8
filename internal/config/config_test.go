package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_MissingFileGivesDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfig_JSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "codeintel.json"), []byte(`{
		"oop_mode": "tcp",
		"log_levels": ["warn", "eval:debug"],
		"stage_delay": "250ms",
		"memory_limit": 1048576,
		"reset_db_as_necessary": false
	}`), 0o644))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "tcp", cfg.OOPMode)
	assert.Equal(t, []string{"warn", "eval:debug"}, cfg.LogLevels)
	assert.Equal(t, 250*time.Millisecond, cfg.StageDelay)
	assert.Equal(t, uint64(1<<20), cfg.MemoryLimit)
	assert.False(t, cfg.ResetDBAsNecessary)
	assert.Equal(t, 6*time.Second, cfg.SaveInterval)
}

func TestLoadConfig_YAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "codeintel.yaml"), []byte("eval_timeout: 5s\nextensions_dir: /opt/ext\n"), 0o644))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.EvalTimeout)
	assert.Equal(t, "/opt/ext", cfg.ExtensionsDir)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("CODEINTEL_OOP_MODE", "server")
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "server", cfg.OOPMode)
}

func TestLoadConfig_Invalid(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "codeintel.json"), []byte(`{"oop_mode": "carrier-pigeon"}`), 0o644))
	_, err := LoadConfig(dir)
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "oop_mode", cerr.Field)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "codeintel.json"), []byte(`{not json`), 0o644))
	_, err = LoadConfig(dir)
	assert.Error(t, err)
}
