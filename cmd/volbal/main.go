package main

import (
	"os"

	"github.com/rustyeddy/volbalance/cmd/volbal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
