// routes_serve.go - Server-Start und Lifecycle-Management
// Enthaelt: Serve() - Hauptfunktion zum Starten des HTTP-Servers

package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/srflow/srflow/envconfig"
)

// Serve startet den HTTP-Server auf ln und beendet ihn bei SIGINT/SIGTERM
// oder wenn ctx endet
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.addr = ln.Addr()
	slog.Info("server config", "env", envconfig.Values())

	srvr := &http.Server{
		Handler:           s.GenerateRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srvr.Shutdown(shutdown); err != nil {
			slog.Warn("server shutdown", "error", err)
		}
	}()

	slog.Info("listening", "addr", ln.Addr(), "flow", s.flow != nil, "inpaint", s.inpaint != nil)
	if err := srvr.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
