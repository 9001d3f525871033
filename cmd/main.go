package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/desertthunder/marks/internal/shared"
)

func main() {
	logger := shared.NewLogger(nil)

	runner := NewRunner(RunnerOpts{Logger: logger})
	defer runner.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runner.command().Run(ctx, os.Args); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		runner.Close()
		logger.Fatalf("application error: %v", err)
	}
}
