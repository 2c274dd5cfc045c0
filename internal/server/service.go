package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/peterje/consolebridge/internal/logging"
)

// HTTPServer is the part of *http.Server that HTTPService drives.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPService runs an HTTP server under a suture supervisor. Cancelling the
// Serve context shuts the server down gracefully.
type HTTPService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

func NewHTTPService(server HTTPServer, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{server: server, shutdownTimeout: shutdownTimeout}
}

func (h *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPService) String() string {
	return "http-server"
}

// NewSupervisor returns a root supervisor that logs its events through
// zerolog.
func NewSupervisor(name string, shutdownTimeout time.Duration) *suture.Supervisor {
	log := logging.With("supervisor")
	return suture.New(name, suture.Spec{
		EventHook: func(e suture.Event) {
			event := log.Warn()
			if e.Type() == suture.EventTypeResume {
				event = log.Info()
			}
			event.Fields(e.Map()).Msg(e.String())
		},
		Timeout: shutdownTimeout,
	})
}
