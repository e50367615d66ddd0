package main

import (
	"os"

	"github.com/appetiteclub/kds/cmd/utils/internal/commands"
)

func main() {
	if err := commands.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
