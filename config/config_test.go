package config_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/runflow-dev/workflow/config"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("WORKFLOW_TARGET_WORLD", "")
	t.Setenv("WORKFLOW_LOCAL_DATA_DIR", "")
	t.Setenv("WORKFLOW_MANIFEST_PATH", "")
	t.Setenv("PORT", "")

	cfg := config.Load()
	require.Equal(t, config.TargetMemory, cfg.TargetWorld)
	require.Equal(t, "./data", cfg.LocalDataDir)
	require.Equal(t, "./manifest.json", cfg.ManifestPath)
	require.Equal(t, "8080", cfg.Port)
}

func TestLoadHonorsOverrides(t *testing.T) {
	t.Setenv("WORKFLOW_TARGET_WORLD", "postgres")
	t.Setenv("WORKFLOW_POSTGRES_URL", "postgres://localhost/db")
	t.Setenv("PORT", "9090")

	cfg := config.Load()
	require.Equal(t, config.TargetPostgres, cfg.TargetWorld)
	require.Equal(t, "postgres://localhost/db", cfg.PostgresURL)
	require.Equal(t, "9090", cfg.Port)
}
