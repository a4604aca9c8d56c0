// Command backfill replays recorded user journeys against a live site with
// historical timestamps.
//
// Usage:
//
//	backfill serve                      HTTP API
//	backfill mcp                        MCP tools over stdio
//	backfill validate <file>            check a journey document
//	backfill submit <file>              store a journey document
//	backfill workflows list|delete      manage stored documents
//	backfill test <workflow> --target   dry-run paths in test mode
//	backfill run <workflow> --target    run a backfill in the foreground
//	backfill testsite                   serve the demo storefront
//
// Exit codes: 0 success, 1 threshold check failed, 2 error.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

const (
	ExitSuccess         = 0
	ExitThresholdFailed = 1
	ExitError           = 2
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// exitError carries a specific exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, newRootCmd(), os.Args[1:])
	stop()
	os.Exit(code)
}

// execute runs cmd with args and maps its error to an exit code.
func execute(ctx context.Context, cmd *cobra.Command, args []string) int {
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.code != ExitThresholdFailed {
			fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", ee.err)
		}
		return ee.code
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
	return ExitError
}
