// Command dogquiz plays the dog breed quiz from a terminal.
//
// Usage:
//
//	dogquiz [global flags] <command> [flags]
//
// Commands: login, logout, register, whoami, stats, play, forgot, reset.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "dogquiz:", err)
		os.Exit(1)
	}
}
