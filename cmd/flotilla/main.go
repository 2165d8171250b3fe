package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"flotilla/internal/cli"
	"flotilla/internal/model"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.ExecuteContext(ctx); err != nil {
		if ctx.Err() == context.Canceled {
			fmt.Fprintln(os.Stderr, "interrupted; in-flight tasks reverted to pending")
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		fmt.Fprintf(os.Stderr, "error_kind=%s\n", model.ErrorKind(err))
		os.Exit(1)
	}
}
