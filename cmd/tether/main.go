package main

import (
	"os"

	"tether/cmd/tether/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
