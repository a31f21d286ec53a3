package main

import (
	"os"

	"github.com/autoforge/autoforge/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
