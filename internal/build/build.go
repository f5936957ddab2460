// Package build contains build-time metadata injected through -ldflags.
package build

var (
	// ProjectName is used as the namespace of every metric and the default trace service name.
	ProjectName = "orderly"

	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)
