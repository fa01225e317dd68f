package version

import "fmt"

// product is the name baked into version strings for both binaries.
const product = "publisheriq"

var (
	// Version is the semantic version of the PublisherIQ binaries.
	// Overridden via -ldflags "-X".
	Version = "0.1.0"
	// Commit is the git commit hash injected at build time.
	Commit = "dev"
	// BuildDate is the build timestamp injected at build time.
	BuildDate = "unknown"
)

// Full returns a human-friendly version string.
func Full() string {
	return fmt.Sprintf("%s %s (commit:%s, built:%s)", product, Version, Commit, BuildDate)
}
