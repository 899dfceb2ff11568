// Package main provides the sttd process entrypoint: the same binary
// runs as the daemon (default, no subcommand) or as a client issuing one
// control-socket request (record/ping/status), per spec §6.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rbright/sttd/internal/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exitCode := app.Execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	os.Exit(exitCode)
}
