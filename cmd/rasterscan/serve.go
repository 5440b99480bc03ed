package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/banshee-data/confocal.scan/internal/api"
)

func runServe(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("serve", stderr)
	var common commonFlags
	common.register(fs)
	listen := fs.String("listen", "127.0.0.1:8090", "HTTP listen address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if common.dbPath == "" {
		fs.Usage()
		return errors.New("-db is required")
	}

	s, err := openSession(common)
	if err != nil {
		return err
	}
	defer s.Close()

	mux := http.NewServeMux()
	// admin routes are reachable only from loopback or over Tailscale
	if err := s.db.AttachAdminRoutes(mux); err != nil {
		return err
	}
	if s.serial != nil {
		s.serial.AttachAdminRoutes(mux)
	}
	mux.Handle("/api/", http.StripPrefix("/api", api.NewServer(s.db, s.logger).ServeMux()))

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		return err
	}
	server := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.logger.Debug("request", "method", r.Method, "path", r.URL.Path)
			mux.ServeHTTP(w, r)
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	fmt.Fprintf(stdout, "serving on http://%s\n", ln.Addr())

	errc := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	s.logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}
	return <-errc
}
