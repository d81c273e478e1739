package main

import (
	"os"

	"github.com/charmbracelet/log"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Error("auctiond failed", "err", err)
		os.Exit(1)
	}
}
