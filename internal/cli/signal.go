package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// initSignalHandler cancels the returned context on SIGINT, SIGTERM or
// SIGQUIT.
func initSignalHandler(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancelFunc := context.WithCancel(parent)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		defer signal.Stop(sigs)
		select {
		case <-sigs:
			cancelFunc()
		case <-ctx.Done():
		}
	}()
	return ctx, cancelFunc
}
