package main

import (
	"context"
	"os"

	"github.com/peterje/consolebridge/internal/cli"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := cli.NewRootCmd(version).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
