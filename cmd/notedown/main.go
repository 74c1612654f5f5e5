// Package main is the entry point for the notedown CLI.
package main

import (
	"os"

	"github.com/jmylchreest/notedown/cmd/notedown/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
