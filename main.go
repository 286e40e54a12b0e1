// rvl - run a program on a remote host from the local build.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"rvl/cmd"
	"rvl/internal/capability"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)

	err := cmd.Execute(ctx, os.Args[1:])
	cancel()

	var ee *capability.ExitError
	if err != nil && !errors.As(err, &ee) && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "rvl: %v\n", err)
	}
	os.Exit(cmd.ExitCode(err))
}
