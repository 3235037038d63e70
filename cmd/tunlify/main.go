package main

import (
	"os"

	"github.com/tunlify/tunlify/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
