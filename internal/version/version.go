// Package version holds build information, set with -ldflags -X at release
// time.
package version

var (
	GitTag    = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)
