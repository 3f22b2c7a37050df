package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram/internal/datadir"
)

func newDataDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(datadir.EnvVar, dir)
	return dir
}

func execute(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--data-dir", dir}, args...))
	err := root.Execute()
	return out.String(), err
}

func mustExecute(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := execute(t, dir, args...)
	require.NoError(t, err, strings.Join(args, " "))
	return out
}

func TestConfigInitAndShow(t *testing.T) {
	dir := newDataDir(t)

	out := mustExecute(t, dir, "config", "init")
	assert.Contains(t, out, filepath.Join(dir, "config", "engram.yaml"))

	_, err := execute(t, dir, "config", "init")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--force")
	mustExecute(t, dir, "config", "init", "--force")

	out = mustExecute(t, dir, "config", "show")
	assert.Contains(t, out, "dimensions: 384")
	assert.Contains(t, out, "cache_hit_threshold: 0.85")
}

func TestMemoryCommands(t *testing.T) {
	dir := newDataDir(t)

	id := strings.TrimSpace(mustExecute(t, dir, "memory", "add", "--tag", "auth", "authentication", "using", "JWT"))
	require.NotEmpty(t, id)
	mustExecute(t, dir, "memory", "add", "database schema design")

	var note struct {
		Text string   `json:"text"`
		Tags []string `json:"tags"`
	}
	require.NoError(t, json.Unmarshal([]byte(mustExecute(t, dir, "memory", "get", id, "--json")), &note))
	assert.Equal(t, "authentication using JWT", note.Text)
	assert.Equal(t, []string{"auth"}, note.Tags)

	var matches []struct {
		Note struct {
			ID string `json:"id"`
		} `json:"note"`
	}
	require.NoError(t, json.Unmarshal([]byte(mustExecute(t, dir, "memory", "search", "-k", "1", "--json", "JWT authentication")), &matches))
	require.Len(t, matches, 1)
	assert.Equal(t, id, matches[0].Note.ID)

	_, err := execute(t, dir, "memory", "get", "no-such-note")
	assert.Error(t, err)
}

func TestSessionCommands(t *testing.T) {
	dir := newDataDir(t)

	mustExecute(t, dir, "session", "append", "s1", "how do I rotate keys")
	mustExecute(t, dir, "session", "append", "--role", "assistant", "s1", "publish both during the overlap")

	out := mustExecute(t, dir, "session", "history", "s1")
	assert.Contains(t, out, "how do I rotate keys")
	assert.Contains(t, out, "assistant")

	var turns []json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(mustExecute(t, dir, "session", "history", "s1", "--json")), &turns))
	assert.Len(t, turns, 2)
}

func TestRouteAndPolicy(t *testing.T) {
	dir := newDataDir(t)

	var d struct {
		Tier     int  `json:"tier"`
		CacheHit bool `json:"cache_hit"`
	}
	require.NoError(t, json.Unmarshal([]byte(mustExecute(t, dir, "route", "--json", "rename this variable")), &d))
	assert.Equal(t, 2, d.Tier)
	assert.False(t, d.CacheHit)

	require.NoError(t, json.Unmarshal([]byte(mustExecute(t, dir, "route", "--json", "--cheap-transform", "anything")), &d))
	assert.Equal(t, 1, d.Tier)

	out := mustExecute(t, dir, "policy", "update", "--tier", "deep", "implement auth")
	assert.Contains(t, out, "created")

	require.NoError(t, json.Unmarshal([]byte(mustExecute(t, dir, "route", "--json", "implement auth")), &d))
	assert.Equal(t, 3, d.Tier)
	assert.True(t, d.CacheHit)

	_, err := execute(t, dir, "policy", "update", "--tier", "huge", "implement auth")
	assert.Error(t, err)
}

func TestCostCommands(t *testing.T) {
	dir := newDataDir(t)

	mustExecute(t, dir, "cost", "record", "gpt-4o", "--input-tokens", "1000", "--output-tokens", "200", "--latency", "300ms", "--outcome", "success")
	mustExecute(t, dir, "cost", "record", "gpt-4o", "--input-tokens", "500", "--latency", "100ms")

	var st struct {
		TotalCalls     int     `json:"total_calls"`
		TotalCost      float64 `json:"total_cost"`
		SuccessTracked int     `json:"success_tracked"`
	}
	require.NoError(t, json.Unmarshal([]byte(mustExecute(t, dir, "cost", "stats", "--model", "gpt-4o", "--json")), &st))
	assert.Equal(t, 2, st.TotalCalls)
	assert.Greater(t, st.TotalCost, 0.0)
	assert.Equal(t, 1, st.SuccessTracked)

	_, err := execute(t, dir, "cost", "record", "gpt-4o", "--outcome", "maybe")
	assert.Error(t, err)
}

func TestMigrateCommand(t *testing.T) {
	dir := newDataDir(t)
	source := filepath.Join(t.TempDir(), "notes.md")
	require.NoError(t, os.WriteFile(source, []byte("# Auth\n\n- use JWT\n- rotate keys\n"), 0o600))

	out := mustExecute(t, dir, "migrate", "--source", source, "--name", "notes")
	assert.Contains(t, out, "Imported:   2")

	out = mustExecute(t, dir, "migrate", "--source", source, "--name", "notes")
	assert.Contains(t, out, "already completed")
}

func TestMaintenanceAndStatus(t *testing.T) {
	dir := newDataDir(t)
	mustExecute(t, dir, "memory", "add", "something worth indexing")

	out := mustExecute(t, dir, "maintenance", "run")
	assert.Contains(t, out, "index-reconcile")
	assert.Contains(t, out, "sqlite-optimize")
	assert.NotContains(t, out, "failed")

	out = mustExecute(t, dir, "maintenance", "run-task", "index-checkpoint")
	assert.Contains(t, out, "Status:   ok")

	_, err := execute(t, dir, "maintenance", "run-task", "vacuum-everything")
	assert.Error(t, err)

	var st struct {
		Segments map[string]int `json:"segments"`
		Indexes  []struct {
			Name     string `json:"name"`
			Nodes    int    `json:"nodes"`
			Complete bool   `json:"complete"`
		} `json:"indexes"`
	}
	require.NoError(t, json.Unmarshal([]byte(mustExecute(t, dir, "status", "--json")), &st))
	assert.Equal(t, 1, st.Segments["memory/"])
	require.Len(t, st.Indexes, 3)
	assert.Equal(t, "memory", st.Indexes[0].Name)
	assert.Equal(t, 1, st.Indexes[0].Nodes)
	assert.True(t, st.Indexes[0].Complete)
}

func TestVersionCommand(t *testing.T) {
	dir := newDataDir(t)
	var info map[string]any
	require.NoError(t, json.Unmarshal([]byte(mustExecute(t, dir, "version", "--json")), &info))
	assert.Equal(t, "dev", info["version"])
}
