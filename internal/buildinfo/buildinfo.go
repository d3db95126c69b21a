// Package buildinfo carries version identifiers stamped at build time.
package buildinfo

import "fmt"

// Overridden via -ldflags at release builds; the zero values identify a
// development build.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String formats the stamped identifiers for --version output.
func String() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", Version, Commit, Date)
}
