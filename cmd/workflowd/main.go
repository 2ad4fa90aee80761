// Command workflowd is the server binary exposing the engine's HTTP surface
// (queue delivery callbacks + webhook resume) per spec.md §6, wired from
// environment configuration per config.Load.
package main

import (
	"fmt"
	"os"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	SetVersion(version, commit, buildDate)
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
