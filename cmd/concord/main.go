// Package main is the entry point for the concord CLI.
package main

import (
	"os"

	"github.com/concord-relay/concord/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
