// Package main is the entry point for the bulwark CLI.
package main

import (
	"fmt"
	"os"

	"github.com/inercia/bulwark/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
