package main

import (
	"os"

	"github.com/turbovpn/tunnelcore/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
