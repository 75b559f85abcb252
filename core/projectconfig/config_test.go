package projectconfig

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	labErrors "github.com/davidahmann/agentlab/core/errors"
)

func TestLoadAllowMissing(t *testing.T) {
	workDir := t.TempDir()
	path := filepath.Join(workDir, "missing.yaml")

	configuration, err := Load(path, true)
	require.NoError(t, err)
	assert.Equal(t, Config{}, configuration)
	assert.Equal(t, slog.LevelInfo, configuration.LogLevel())
}

func TestLoadMissingRequired(t *testing.T) {
	workDir := t.TempDir()
	path := filepath.Join(workDir, "missing.yaml")

	_, err := Load(path, false)
	require.Error(t, err)
	assert.Equal(t, labErrors.CategoryNotFound, labErrors.CategoryOf(err))
}

func TestLoadParsesAndNormalizes(t *testing.T) {
	workDir := t.TempDir()
	path := filepath.Join(workDir, "config.yaml")
	content := []byte(`
run:
  base_dir: " ./labs "
  parallelism: 4
  allow_missing_manifest: true
  schema_dir: " ./schemas "
replay:
  strict: false
logging:
  level: " DEBUG "
  format: " JSON "
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	configuration, err := Load(path, false)
	require.NoError(t, err)
	assert.Equal(t, "./labs", configuration.Run.BaseDir)
	assert.Equal(t, 4, configuration.Run.Parallelism)
	assert.True(t, configuration.Run.AllowMissingManifest)
	assert.Equal(t, "./schemas", configuration.Run.SchemaDir)
	assert.Equal(t, "debug", configuration.Logging.Level)
	assert.Equal(t, "json", configuration.Logging.Format)
	assert.Equal(t, slog.LevelDebug, configuration.LogLevel())
}

func TestLoadEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("  \n"), 0o600))

	configuration, err := Load(path, false)
	require.NoError(t, err)
	assert.Equal(t, Config{}, configuration)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"malformed":        "run: [",
		"negative_workers": "run:\n  parallelism: -1\n",
		"bad_level":        "logging:\n  level: loud\n",
		"bad_format":       "logging:\n  format: xml\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
			_, err := Load(path, false)
			require.Error(t, err)
			assert.Equal(t, labErrors.CategoryInvalidConfig, labErrors.CategoryOf(err))
		})
	}
}

func TestLoadRequiresPath(t *testing.T) {
	_, err := Load("  ", true)
	require.Error(t, err)
	assert.Equal(t, "config_path_missing", labErrors.CodeOf(err))
}
