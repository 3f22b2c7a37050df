package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func withBuild(t *testing.T, v, tag, commit, dirty string) {
	t.Helper()
	oldV, oldTag, oldCommit, oldDirty := Version, GitTag, GitCommit, GitDirty
	Version, GitTag, GitCommit, GitDirty = v, tag, commit, dirty
	t.Cleanup(func() {
		Version, GitTag, GitCommit, GitDirty = oldV, oldTag, oldCommit, oldDirty
	})
}

func TestInfo(t *testing.T) {
	withBuild(t, "dev", "", "unknown", "")
	assert.Equal(t, "dev", Info())
	assert.Equal(t, "dev", Full())
	assert.Equal(t, "engram/dev", UserAgent())
}

func TestInfo_TagAndDirty(t *testing.T) {
	withBuild(t, "dev", "v0.3.0", "0123456789abcdef", "true")
	assert.Equal(t, "v0.3.0-dirty", Info())
	assert.Equal(t, "v0.3.0-dirty (0123456)", Full())
	assert.True(t, Get().GitDirty)
}

func TestFull_ShortCommit(t *testing.T) {
	withBuild(t, "v1", "", "abc", "")
	assert.Equal(t, "v1 (abc)", Full())
}
