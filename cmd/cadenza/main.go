package main

import (
	"os"

	"github.com/cadenza-automation/cadenza/cmd/cadenza/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
