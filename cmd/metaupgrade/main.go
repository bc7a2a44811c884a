// Command metaupgrade upgrades stored metadata records to the current
// schema versions.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

var exitFunc = os.Exit

// errRecordsFailed marks a run that completed but left records unupgraded.
var errRecordsFailed = errors.New("records failed to upgrade")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:])
	stop()
	exitFunc(code)
}

// run executes the command line and maps the outcome to an exit code: 0 on
// success, 1 when records failed, 2 on usage or infrastructure errors.
func run(ctx context.Context, args []string) int {
	root := newRootCmd(os.Stdout, os.Stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errRecordsFailed):
		fmt.Fprintln(os.Stderr, "metaupgrade:", err)
		return 1
	default:
		fmt.Fprintln(os.Stderr, "metaupgrade:", err)
		return 2
	}
}
