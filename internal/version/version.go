// Package version exposes build-time version information. The variables are
// set via -ldflags at release time; the defaults describe a dev build.
package version

import "fmt"

var (
	Version = "0.1.0"
	Commit  = "dev"
	Date    = "unknown"
)

// Info returns the full version string.
func Info() string {
	return fmt.Sprintf("netmend %s (commit %s, built %s)", Version, Commit, Date)
}

// Short returns just the version number.
func Short() string {
	return Version
}
