package main

import (
	"os"

	"github.com/parallel-codex/pcodex/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
