package main

import (
	"os"

	"github.com/ExcuseMi/trmnl-comic-book-covers-plugin/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
