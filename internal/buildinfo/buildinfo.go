// Package buildinfo exposes compile-time metadata of the connector binary.
package buildinfo

import "fmt"

// Overridden via -ldflags "-X github.com/innoactive/asset-pipeline-connector/internal/buildinfo.Version=..."
// during release builds.
var (
	// Version is the semantic version or git describe output of the binary.
	Version = "dev"

	// Commit is the git commit SHA baked into the binary.
	Commit = "none"

	// BuildDate records when the binary was built in UTC.
	BuildDate = "unknown"
)

// Summary formats the build metadata for the startup banner.
func Summary() string {
	return fmt.Sprintf("Version: %s, Commit: %s, BuiltAt: %s", Version, Commit, BuildDate)
}
