package main

import (
	"os"

	"github.com/psantana5/effbench/cmd/effbench/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
