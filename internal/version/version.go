// Package version holds build metadata stamped at link time:
//
//	go build -ldflags "-X .../internal/version.Version=v0.2.0 \
//	    -X .../internal/version.GitSHA=$(git rev-parse --short HEAD)"
package version

import "fmt"

var (
	// Version is the release tag, or "dev" for local builds.
	Version = "dev"
	// GitSHA identifies the commit the binary was built from.
	GitSHA = "unknown"
	// BuildTime records when the binary was linked.
	BuildTime = "unknown"
)

// String formats the build metadata as one human-readable line.
func String() string {
	return fmt.Sprintf("%s (%s, built %s)", Version, GitSHA, BuildTime)
}
