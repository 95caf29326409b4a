package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ggonzalez94/defi-bundler/internal/app"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run plans until the command finishes or the process is interrupted.
func run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return app.NewRunner().RunContext(ctx, args)
}
