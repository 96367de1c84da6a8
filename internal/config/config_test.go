package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_FromEnvironment(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SEGLOOP_DATA_DIR", dir)
	t.Setenv("SEGLOOP_HEADLESS", "true")
	t.Setenv("SEGLOOP_HTTP_ADDR", ":9000")

	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, "segloop.db"), cfg.DBPath)
	assert.Equal(t, filepath.Join(dir, "workspaces"), cfg.WorkspacesDir())
	assert.True(t, cfg.Headless)
	assert.Equal(t, ":9000", cfg.HTTPAddr)
}

func TestGetEnvBool_InvalidFallsBack(t *testing.T) {
	t.Setenv("SEGLOOP_TEST_BOOL", "maybe")
	assert.True(t, getEnvBool("SEGLOOP_TEST_BOOL", true))
	assert.False(t, getEnvBool("SEGLOOP_TEST_UNSET_BOOL", false))
}

func TestEnsureDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	cfg := &Config{DataDir: dir, PlanDir: filepath.Join(dir, "plans")}
	require.NoError(t, cfg.EnsureDataDir())
	assert.DirExists(t, cfg.PlanDir)
}
