package main

import (
	"os"

	"prefdb/cmd/prefdb/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
