package serve

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const shutdownTimeout = 5 * time.Second

// ListenAndServe serves until ctx is cancelled and then shuts server down, waiting up to five seconds for open
// requests. A clean shutdown returns nil.
func ListenAndServe(ctx context.Context, server *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.WithStack(err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return errors.WithStack(err)
		}
		return nil
	}
}

// ServeHttp serves handler on port in the background. The returned function stops the server.
func ServeHttp(port uint16, handler http.Handler) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		defer close(done)
		log.Infof("Listening for http on :%d", port)
		if err := ListenAndServe(ctx, server); err != nil {
			log.WithError(err).Error("Http server failed")
		}
	}()
	return func() {
		cancel()
		<-done
		log.Infof("Stopped http server on :%d", port)
	}
}
