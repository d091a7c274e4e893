package main

import (
	"os"

	"github.com/khaacho/backstop/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
