// Command hearth manages the hearth slice database: serving it over HTTP,
// reading and writing slices, migrating legacy data and exporting backups.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"hearth/internal/cli"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var exitFunc = os.Exit

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Execute(ctx, version, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	exitFunc(code)
}
