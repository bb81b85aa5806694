package main

import (
	"os"

	"github.com/nandsync/nandsync/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
