// Package version exposes build metadata injected via ldflags.
package version

// Build metadata. Overridden at link time, e.g.
// -ldflags "-X github.com/bissquit/digest-garden/internal/version.Version=1.2.0".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)
