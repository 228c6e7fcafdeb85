// Package main is the entry point for the mediapipe application.
package main

import (
	"os"

	"github.com/jmylchreest/mediapipe/cmd/mediapipe/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
