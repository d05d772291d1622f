// Package version reports what binary is running.
package version

import (
	"runtime"
	"runtime/debug"
)

// Set with -ldflags "-X github.com/goclaw/fulfilment/pkg/version.Version=...".
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
	GoVersion = runtime.Version()
)

// BuildInfo is the version block served by the status endpoint.
type BuildInfo struct {
	Version   string `json:"version"`
	BuildTime string `json:"buildTime"`
	GitCommit string `json:"gitCommit"`
	GoVersion string `json:"goVersion"`
}

// Info returns the linked-in values. A commit or build time not set at link
// time falls back to the VCS stamp of the Go toolchain, when present.
func Info() BuildInfo {
	info := BuildInfo{Version: Version, BuildTime: BuildTime, GitCommit: GitCommit, GoVersion: GoVersion}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	for _, s := range bi.Settings {
		switch {
		case s.Key == "vcs.revision" && info.GitCommit == "unknown":
			info.GitCommit = s.Value
		case s.Key == "vcs.time" && info.BuildTime == "unknown":
			info.BuildTime = s.Value
		}
	}
	return info
}
