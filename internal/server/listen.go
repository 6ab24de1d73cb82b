package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/chainguard-dev/clog"
)

const defaultDrainTimeout = 30 * time.Second

// ListenAndServe listens on the configured address and serves until ctx is
// done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then gives in-flight
// requests the drain timeout to finish. Request contexts carry ctx's logger
// but not its cancellation.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	log := clog.FromContext(ctx)

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return context.WithoutCancel(ctx)
		},
	}

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()
	log.Infof("Listening on %s", ln.Addr())

	select {
	case err := <-served:
		return fmt.Errorf("serving http: %w", err)
	case <-ctx.Done():
	}

	log.Info("Draining http server")
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.drainTimeout)
	defer cancel()

	if err := srv.Shutdown(drainCtx); err != nil {
		srv.Close()
		return fmt.Errorf("draining http server: %w", err)
	}
	<-served
	return nil
}
