package main

import (
	"fmt"
	"os"

	"github.com/bnema/kmsway/cmd"
)

// Set with -ldflags at build time
var (
	version = ""
	commit  = ""
	date    = ""
)

func main() {
	cmd.SetVersion(version, commit, date)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
