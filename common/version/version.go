// Package version provides build-time version information
package version

import "fmt"

var (
	// Version is the semantic version (set via ldflags)
	Version = "v0.0.0-dev"

	// GitCommit is the git commit hash (set via ldflags)
	GitCommit = "unknown"

	// BuildTime is the build timestamp (set via ldflags)
	BuildTime = "unknown"
)

// Info returns a one-line version string for CLI output and startup logs.
func Info() string {
	return fmt.Sprintf("kioku %s (%s) built at %s", Version, GitCommit, BuildTime)
}
