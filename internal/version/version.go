// Package version carries build metadata stamped in with -ldflags:
//
//	-X github.com/banshee-data/eventcam.bridge/internal/version.Version=v0.3.0
package version

import "fmt"

var (
	// Version is the release tag.
	Version = "dev"
	// GitSHA is the commit the binary was built from.
	GitSHA = "unknown"
	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// String formats all three fields for -version output and logs.
func String() string {
	return fmt.Sprintf("%s (%s, built %s)", Version, GitSHA, BuildTime)
}
