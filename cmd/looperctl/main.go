package main

import (
	"os"

	"github.com/Swind/go-looper/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
