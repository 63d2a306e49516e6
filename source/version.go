package source

import (
	"fmt"
	"runtime"
)

var (
	// Version is the library version shared by the state packages' defaults.
	Version = "0.4.0"
	// GitCommit is the git SHA (inject via -ldflags at build time).
	GitCommit = "unknown"
	// GoVersion records the Go toolchain version used.
	GoVersion = runtime.Version()
)

// VersionString returns a human-readable version string.
func VersionString() string {
	return fmt.Sprintf("schooldata %s (commit: %s, go: %s)", Version, GitCommit, GoVersion)
}
