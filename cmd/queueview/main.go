package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rbaliyan/queueview/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRoot(cli.Build).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "queueview:", err)
		stop()
		os.Exit(1)
	}
}
