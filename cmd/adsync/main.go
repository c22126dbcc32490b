// adsync synchronizes identity data from the source store into Active
// Directory.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/xtxerr/adsync/internal/errors"
)

// Version is set at build time via ldflags
var Version = "dev"

// Exit statuses. exitTempFail is sysexits' EX_TEMPFAIL: the next scheduled
// run may succeed without intervention.
const (
	exitFailure  = 1
	exitTempFail = 75
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "adsync:", err)
		stop()
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if errors.IsRetriable(err) || errors.Is(err, errors.ErrLocked) {
		return exitTempFail
	}
	return exitFailure
}
