// Package cloudsync is the root of the CloudSync backup and replication
// engine. See pkg/cloudsync for the wired Engine type.
package cloudsync

import (
	"fmt"
	"runtime"
)

// Version information. Overridden at build time using -ldflags.
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// VersionInfo returns detailed version information as a map.
func VersionInfo() map[string]string {
	return map[string]string{
		"version":   Version,
		"gitCommit": GitCommit,
		"buildDate": BuildDate,
		"goVersion": runtime.Version(),
	}
}

// VersionString returns a formatted version string.
func VersionString() string {
	return fmt.Sprintf("cloudsync version v%s (commit: %s, built: %s)",
		Version, GitCommit, BuildDate)
}
