// Package version holds build information set through -ldflags.
package version

var (
	// Version is the release version, e.g. v0.3.0.
	Version = "UNKNOWN"
	// GitCommit is the commit the binary was built from.
	GitCommit = "UNKNOWN"
)
