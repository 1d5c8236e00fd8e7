package app

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/dragenflow/dragenflow/internal/common/flowcontext"
)

// CreateContextWithShutdown returns a context that will report done when SIGINT or SIGTERM is received
func CreateContextWithShutdown() *flowcontext.Context {
	ctx, cancel := flowcontext.WithCancel(flowcontext.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(c)
		select {
		case sig := <-c:
			ctx.Log.Infof("Received %s, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}
