// Package main is the entry point for the agencyctl CLI.
//
// Usage:
//
//	agencyctl [flags] <command> [subcommand] [args]
//
// Commands:
//
//	chat      - Stream one conversation turn with a persona
//	agency    - Run, save, list and delete agencies
//	personas  - List the persona catalog
//	serve     - Start the WebSocket gateway
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hupe1980/agencyhost/cmd/agencyctl/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := commands.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
