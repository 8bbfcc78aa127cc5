package main

import (
	"os"

	"github.com/voltgrid/voltstream/cmd/voltstream/commands"
)

func main() {
	if err := commands.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
