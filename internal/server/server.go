// Package server exposes a job manager over the network: the management
// API over HTTP and the heartbeat service over gRPC.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"

	"github.com/ChuLiYu/shard-recovery/internal/heartbeat"
)

// Jobs is everything the server needs from the job manager.
type Jobs interface {
	JobService
	heartbeat.Sink
}

// Config wires the listeners.
type Config struct {
	HTTPAddr string // management API
	GRPCAddr string // heartbeat endpoint the units dial
	Jobs     Jobs
	Logger   *slog.Logger
}

// Server owns both listeners.
type Server struct {
	cfg  Config
	log  *slog.Logger
	grpc *grpc.Server
	http *http.Server

	mu       sync.Mutex
	httpLn   net.Listener
	grpcLn   net.Listener
	serveErr chan error
	stopped  bool
}

// New builds a server; nothing listens until Start.
func New(cfg Config) (*Server, error) {
	if cfg.Jobs == nil {
		return nil, errors.New("server: jobs is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	gs := grpc.NewServer()
	heartbeat.NewServer(cfg.Jobs, cfg.Logger).Register(gs)

	return &Server{
		cfg:  cfg,
		log:  cfg.Logger,
		grpc: gs,
		http: &http.Server{
			Handler:           NewRouter(cfg.Jobs, cfg.Logger),
			ReadHeaderTimeout: 5 * time.Second,
		},
		serveErr: make(chan error, 2),
	}, nil
}

// Start binds both listeners and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpLn != nil {
		return errors.New("server: already started")
	}

	grpcLn, err := net.Listen("tcp", s.cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen heartbeat %s: %w", s.cfg.GRPCAddr, err)
	}
	httpLn, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		grpcLn.Close()
		return fmt.Errorf("listen api %s: %w", s.cfg.HTTPAddr, err)
	}
	s.grpcLn, s.httpLn = grpcLn, httpLn

	go func() {
		if err := s.grpc.Serve(grpcLn); err != nil {
			s.serveErr <- fmt.Errorf("heartbeat server: %w", err)
		}
	}()
	go func() {
		if err := s.http.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.serveErr <- fmt.Errorf("api server: %w", err)
		}
	}()
	s.log.Info("server listening", "api", httpLn.Addr().String(), "heartbeat", grpcLn.Addr().String())
	return nil
}

// HTTPAddr returns the bound API address.
func (s *Server) HTTPAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpLn == nil {
		return ""
	}
	return s.httpLn.Addr().String()
}

// GRPCAddr returns the bound heartbeat address.
func (s *Server) GRPCAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grpcLn == nil {
		return ""
	}
	return s.grpcLn.Addr().String()
}

// Shutdown stops accepting requests and drains both servers. Calling it
// again is a no-op.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped || s.httpLn == nil {
		s.stopped = true
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	err := s.http.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpc.Stop()
	}
	return err
}

// Run starts the server and blocks until ctx is cancelled or a listener
// fails.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-s.serveErr:
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.Join(runErr, s.Shutdown(shutdownCtx))
}
