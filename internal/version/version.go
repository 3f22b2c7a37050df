// Package version reports build information injected with -ldflags.
package version

import (
	"fmt"
	"runtime"
	"strings"
)

// Build-time variables injected via ldflags, e.g.
//
//	-X engram/internal/version.Version=v0.3.0 -X engram/internal/version.GitCommit=$(git rev-parse HEAD)
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitTag    = ""
	BuildDate = "unknown"
	GitDirty  = ""
)

// Info returns the release name: the git tag when one was injected,
// otherwise Version, with a -dirty suffix for dirty trees.
func Info() string {
	v := Version
	if GitTag != "" && GitTag != "unknown" {
		v = GitTag
	}
	if GitDirty == "true" && !strings.HasSuffix(v, "-dirty") {
		v += "-dirty"
	}
	return v
}

// Full returns Info plus the short commit hash.
func Full() string {
	info := Info()
	if short := shortCommit(); short != "" && !strings.Contains(info, short) {
		info += fmt.Sprintf(" (%s)", short)
	}
	return info
}

func shortCommit() string {
	if GitCommit == "" || GitCommit == "unknown" {
		return ""
	}
	if len(GitCommit) > 7 {
		return GitCommit[:7]
	}
	return GitCommit
}

// BuildInfo is the structured form printed by `engram version --json`.
type BuildInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	GitDirty  bool   `json:"git_dirty"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Get returns the build information of the running binary.
func Get() BuildInfo {
	return BuildInfo{
		Version:   Info(),
		GitCommit: GitCommit,
		GitDirty:  GitDirty == "true",
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// UserAgent returns the User-Agent sent to embedding providers.
func UserAgent() string {
	return "engram/" + Info()
}
