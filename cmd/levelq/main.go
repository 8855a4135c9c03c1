// Command levelq is the operator CLI for a running levelq server.
//
//	levelq enqueue org/repo#42 --priority 5
//	levelq queue list --eligible
//	levelq queue stats
//	levelq dlq list
//	levelq dlq reenqueue org/repo#42
//	levelq dlq reenqueue --all
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/snehjoshi/levelq/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRoot().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "levelq: %v\n", err)
		os.Exit(1)
	}
}
