package main

import (
	"os"

	"github.com/heitortanoue/slidesync/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
