package main

import (
	"os"

	"github.com/element-hq/element-builder/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
