// Package version holds build information set with -ldflags.
package version

import "fmt"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Full returns a one-line version string.
func Full() string {
	return fmt.Sprintf("gostt-recorder %s (commit %s, built %s)", Version, Commit, Date)
}
