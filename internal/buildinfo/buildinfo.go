// Package buildinfo holds version and build metadata stamped at compile time via ldflags.
package buildinfo

import "fmt"

// These variables are set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

// BuildInfo returns compile-time metadata. This is the static
// information appropriate for the "core version" subcommand's output.
func BuildInfo() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"git_branch": GitBranch,
		"build_time": BuildTime,
	}
}

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("tf-iot-core %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}

// UserAgent returns an HTTP User-Agent string suitable for outgoing
// requests. Format follows the convention: ProductName/Version (+URL).
func UserAgent() string {
	return fmt.Sprintf("tf-iot-core/%s (+https://github.com/tf-iot/core)", Version)
}
