// Package version holds build metadata injected via -ldflags.
package version

import (
	"fmt"
	"runtime"

	"github.com/aatumaykin/eventengine/internal/constants"
)

var (
	Version   = constants.DefaultVersion
	BuildTime = constants.DefaultBuildTime
	GitCommit = constants.DefaultGitCommit
	GoVersion = constants.DefaultGoVersion
)

// SetInfo overrides the build metadata; empty values are ignored.
func SetInfo(v, bt, gc, gv string) {
	if v != "" {
		Version = v
	}
	if bt != "" {
		BuildTime = bt
	}
	if gc != "" {
		GitCommit = gc
	}
	if gv != "" {
		GoVersion = gv
	}
}

// Info is the build metadata as structured log fields / JSON.
type Info struct {
	Version   string `json:"version"`
	BuildTime string `json:"build_time"`
	GitCommit string `json:"git_commit"`
	GoVersion string `json:"go_version"`
}

// Get returns the current build metadata. An unset Go version falls back to
// the running toolchain.
func Get() Info {
	gv := GoVersion
	if gv == constants.DefaultGoVersion {
		gv = runtime.Version()
	}
	return Info{Version: Version, BuildTime: BuildTime, GitCommit: GitCommit, GoVersion: gv}
}

// FormatStartupMessage returns the one-line banner logged by serve.
func FormatStartupMessage() string {
	return fmt.Sprintf("eventengine %s (commit %s, built %s)", Version, GitCommit, BuildTime)
}
