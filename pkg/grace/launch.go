package grace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// SetupSignalHandler returns a context that is canceled on the first SIGINT or SIGTERM.
// A second signal terminates the process right away.
func SetupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
		<-sigs
		os.Exit(1)
	}()

	return ctx
}

// ExitCodeInterrupted is returned by ExitOrLog for errors caused by an interrupt.
const ExitCodeInterrupted = 130

// ExitOrLog prints err to stderr and exits with a non-zero code.
func ExitOrLog(err error) {
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, Explain(err))
	if errors.Is(err, context.Canceled) {
		os.Exit(ExitCodeInterrupted)
	}
	os.Exit(1)
}
