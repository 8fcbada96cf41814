// Package buildinfo exposes version data injected at build time via -ldflags.
package buildinfo

import "fmt"

var (
	// Version is the release tag (e.g. "v0.3.0") or "dev".
	// Set via: -ldflags "-X github.com/terrpan/lazyrunner/internal/buildinfo.Version=<value>"
	Version = "dev"

	// Commit is the git commit hash.
	// Set via: -ldflags "-X github.com/terrpan/lazyrunner/internal/buildinfo.Commit=<value>"
	Commit = "unknown"

	// BuildTime is the RFC 3339 build timestamp.
	// Set via: -ldflags "-X github.com/terrpan/lazyrunner/internal/buildinfo.BuildTime=<value>"
	BuildTime = "unknown"
)

// String formats the build info for `lazyrunner --version`.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildTime)
}
