package main

import (
	"os"

	"github.com/campusledger/campusledger/cmd/ledgerctl/cli"
)

func main() {
	if err := cli.NewRootCommand(cli.Options{}).Execute(); err != nil {
		os.Exit(1)
	}
}
