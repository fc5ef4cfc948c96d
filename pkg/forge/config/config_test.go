package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadWithNoFileUsesDefaults(t *testing.T) {
	configuration, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	require.Equal(t, Default(), configuration)
}

func TestLoadAppliesTomlFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forge.toml")
	contents := "cache_path = \"custom/cache.yml\"\nfingerprint_memo = 64\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))

	configuration, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "custom/cache.yml", configuration.CachePath)
	require.Equal(t, 64, configuration.FingerprintMemo)
	require.Equal(t, Default().StagingRoot, configuration.StagingRoot)
}

func TestLoadEnvironmentOverridesTomlFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forge.toml")
	require.NoError(t, os.WriteFile(path, []byte("cache_path = \"custom/cache.yml\"\n"), 0644))

	t.Setenv("FORGE_CACHE_PATH", "env/cache.yml")

	configuration, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "env/cache.yml", configuration.CachePath)
}
