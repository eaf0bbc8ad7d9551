package main

import (
	"os"

	"github.com/usenocturne/bondd/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		os.Exit(1)
	}
}
