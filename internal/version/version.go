// Package version exposes build metadata injected via -ldflags:
//
//	go build -ldflags "-X github.com/HerbHall/wazuhsync/internal/version.Version=0.3.0 \
//	  -X github.com/HerbHall/wazuhsync/internal/version.GitCommit=$(git rev-parse --short HEAD)"
package version

import (
	"fmt"
	"runtime"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Short returns just the version string.
func Short() string {
	return Version
}

// Info returns a one-line build description for `wazuhsync version`.
func Info() string {
	return fmt.Sprintf("wazuhsync %s (commit %s, built %s, %s %s/%s)",
		Version, GitCommit, BuildDate, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Map returns build metadata for JSON responses.
func Map() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_date": BuildDate,
		"go_version": runtime.Version(),
	}
}
