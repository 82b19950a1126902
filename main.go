package main

import (
	"os"

	"github.com/leftmike/walkv/cmd"
)

func main() {
	if cmd.Execute() != nil {
		os.Exit(1)
	}
}
