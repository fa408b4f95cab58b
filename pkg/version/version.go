// Package version exposes build information injected with -ldflags -X.
package version

import "fmt"

var (
	version = "development"
	commit  = "unknown"
)

func Version() string {
	if version == "" {
		panic("binary compiled with empty version")
	}
	return version
}

func Commit() string {
	return commit
}

// String renders version and commit for `witnessd version` and the startup log line.
func String() string {
	return fmt.Sprintf("%s (%s)", Version(), commit)
}
