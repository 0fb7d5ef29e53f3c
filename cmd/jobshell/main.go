// Command jobshell is an interactive command shell with job control.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	os.Exit(run())
}

func run() int {
	// SIGINT and SIGTSTP are left to the job manager, which forwards them to
	// the foreground job.
	ctx, cancel := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		syscall.SIGHUP,
	)
	defer cancel()

	c := newCLI(os.Stdin, os.Stdout, os.Stderr)

	if err := c.rootCmd().ExecuteContext(ctx); err != nil {
		return usageExitCode
	}

	return c.exitCode
}
