// Package buildinfo holds version metadata stamped in with -ldflags:
//
//	-X github.com/modoterra/onair/internal/buildinfo.Version=v0.3.0
package buildinfo

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)
