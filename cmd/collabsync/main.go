// Package main is the entry point for the collabsync CLI.
package main

import (
	"os"

	"github.com/CollabSync/CollabSync/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
