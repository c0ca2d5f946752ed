// Package main is the entry point for the cloudsync CLI.
package main

import (
	"github.com/cloudsync/cloudsync/cmd/cloudsync/cmd"
)

// version is set during build time via ldflags.
var version = "dev"

func main() {
	cmd.Execute(version)
}
