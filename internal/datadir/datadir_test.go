package datadir

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_EnvVarWins(t *testing.T) {
	envDir := filepath.Join(t.TempDir(), "env-dir")
	t.Setenv(EnvVar, envDir)

	d, err := New("/should/be/ignored")
	require.NoError(t, err)
	assert.Equal(t, envDir, d.Root())

	// nothing is created until EnsureDirs
	_, err = os.Stat(envDir)
	assert.True(t, os.IsNotExist(err))
}

func TestNew_ConfigValueFallback(t *testing.T) {
	cfgDir := filepath.Join(t.TempDir(), "cfg-dir")
	t.Setenv(EnvVar, "")

	d, err := New(cfgDir)
	require.NoError(t, err)
	assert.Equal(t, cfgDir, d.Root())
}

func TestNew_DefaultHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv(EnvVar, "")
	t.Setenv("HOME", home)

	d, err := New("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, DefaultDirName), d.Root())
}

func TestNew_ExpandsTilde(t *testing.T) {
	home := t.TempDir()
	t.Setenv(EnvVar, "")
	t.Setenv("HOME", home)

	d, err := New("~/engram-data")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "engram-data"), d.Root())
	assert.Equal(t, home, ExpandHome("~"))
	assert.Equal(t, "/abs/path", ExpandHome("/abs/path"))
	assert.Equal(t, "~user/x", ExpandHome("~user/x"))
}

func TestPaths(t *testing.T) {
	root := t.TempDir()
	t.Setenv(EnvVar, root)

	d, err := New("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "config"), d.ConfigDir())
	assert.Equal(t, filepath.Join(root, "config", "engram.yaml"), d.ConfigFile())
	assert.Equal(t, filepath.Join(root, "data", "engram.db"), d.DatabasePath())
	assert.Equal(t, filepath.Join(root, "MEMORY.md"), d.NotesPath())
}

func TestEnsureDirs(t *testing.T) {
	root := filepath.Join(t.TempDir(), "engram")
	t.Setenv(EnvVar, root)

	d, err := New("")
	require.NoError(t, err)
	require.NoError(t, d.EnsureDirs())

	for _, dir := range []string{root, d.ConfigDir(), d.DatabaseDir()} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
		assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
	}

	// idempotent
	require.NoError(t, d.EnsureDirs())
}
