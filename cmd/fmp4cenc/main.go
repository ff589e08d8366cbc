// Package main is the entry point for the fmp4cenc application.
package main

import (
	"os"

	"github.com/jmylchreest/fmp4cenc/cmd/fmp4cenc/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
