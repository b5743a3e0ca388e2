package main

import (
	"os"

	"hilo-trend-engine/internal/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
