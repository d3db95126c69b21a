// Package backend implements the portsided API server: it allocates its
// own port from a preferred range, announces the result on stdout, and
// serves the health and v1 routes until shut down.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/portside/portside/internal/models"
)

const shutdownTimeout = 5 * time.Second

// Options configures a backend server.
type Options struct {
	Host           string
	PortRangeStart int
	PortRangeEnd   int
	Mode           string
	AllowedOrigins []string
	StreamCount    int
	StreamInterval time.Duration
	Logger         *log.Logger
}

func (o *Options) applyDefaults() {
	if o.Host == "" {
		o.Host = "127.0.0.1"
	}
	if o.PortRangeStart == 0 {
		o.PortRangeStart = 8008
	}
	if o.PortRangeEnd == 0 {
		o.PortRangeEnd = 8020
	}
	if o.Mode == "" {
		o.Mode = models.ModeSidecar
	}
	if o.StreamCount == 0 {
		o.StreamCount = 10
	}
	if o.StreamInterval == 0 {
		o.StreamInterval = 500 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
}

// Server owns the bound listener and the HTTP routes.
type Server struct {
	opts   Options
	port   int
	router *mux.Router
}

// NewServer builds the route table. The port is not bound until Run.
func NewServer(opts Options) *Server {
	opts.applyDefaults()
	s := &Server{opts: opts}
	router := mux.NewRouter()
	router.Use(loggingMiddleware(opts.Logger))
	router.Use(corsMiddleware(opts.AllowedOrigins))
	router.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/port-info", s.handlePortInfo).Methods(http.MethodGet)
	v1 := router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/connect", s.handleConnect).Methods(http.MethodGet)
	v1.HandleFunc("/fibonacci", s.handleFibonacci).Methods(http.MethodPost)
	v1.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)
	s.router = router
	return s
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the bound port; zero before Run has bound the listener.
func (s *Server) Port() int {
	return s.port
}

// Run binds a port, writes the announcement to out, and serves until ctx
// is canceled. The announcement goes out after the bind succeeds and
// before the first request is accepted, so a listener reading our stdout
// cannot race past the signal.
func (s *Server) Run(ctx context.Context, out io.Writer) error {
	ln, port, err := Listen(s.opts.Host, s.opts.PortRangeStart, s.opts.PortRangeEnd)
	if err != nil {
		return err
	}
	s.port = port
	if err := WriteAnnouncement(out, NewAnnouncement(s.opts.Mode, s.opts.Host, port)); err != nil {
		_ = ln.Close()
		return err
	}

	server := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	s.opts.Logger.Printf("portsided: listening on %s", ln.Addr())
	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ln) }()

	var serveErr error
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}
	return serveErr
}

// hostPort formats the bound endpoint for response payloads.
func (s *Server) hostPort() string {
	return net.JoinHostPort(s.opts.Host, fmt.Sprintf("%d", s.port))
}
