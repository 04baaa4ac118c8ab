// Package admin serves the operational endpoints next to the proxy: an HTTP
// listener with health, metrics and the root certificate, and an optional
// gRPC health service.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/RowanDark/egressguard/internal/history"
	"github.com/RowanDark/egressguard/internal/observability/metrics"
)

// ServiceName is the gRPC health service name reported for the proxy.
const ServiceName = "egressguard.Proxy"

const defaultPollInterval = time.Second

// Readiness reports whether the proxy is accepting connections.
type Readiness interface {
	Ready() bool
}

// Config configures the admin listeners. An empty address disables the
// corresponding listener.
type Config struct {
	Addr     string
	GRPCAddr string

	Proxy         Readiness
	CACertificate func() []byte
	Logger        *slog.Logger

	// HistoryPath enables /history when the proxy writes a decision log.
	HistoryPath string

	// PollInterval controls how often the gRPC health status follows the
	// proxy readiness.
	PollInterval time.Duration
}

// Server runs the admin listeners.
type Server struct {
	cfg    Config
	logger *slog.Logger
	health *health.Server

	ready     chan struct{}
	readyOnce sync.Once
	httpAddr  atomic.Value
	grpcAddr  atomic.Value
}

// New validates cfg and prepares the listeners.
func New(cfg Config) (*Server, error) {
	if cfg.Proxy == nil {
		return nil, errors.New("admin: proxy readiness is required")
	}
	cfg.Addr = strings.TrimSpace(cfg.Addr)
	cfg.GRPCAddr = strings.TrimSpace(cfg.GRPCAddr)
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Server{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "admin"),
		health: health.NewServer(),
		ready:  make(chan struct{}),
	}, nil
}

// Handler returns the HTTP routes served on the admin listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/ca.pem", s.handleCA)
	mux.HandleFunc("/history", s.handleHistory)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if !s.cfg.Proxy.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("NOT READY"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleCA(w http.ResponseWriter, r *http.Request) {
	if s.cfg.CACertificate == nil {
		http.NotFound(w, r)
		return
	}
	pem := s.cfg.CACertificate()
	if len(pem) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="egressguard_ca.pem"`)
	_, _ = w.Write(pem)
}

// handleHistory answers ?q=<query> with the matching decision history
// entries, most recent last. limit keeps only the newest entries.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(s.cfg.HistoryPath) == "" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	index, err := history.Load(s.cfg.HistoryPath)
	if err != nil {
		s.logger.Warn("failed to load history", "error", err)
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	entries, err := index.Search(r.URL.Query().Get("q"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(map[string]any{"entries": entries})
}

// Run starts the configured listeners and blocks until ctx is cancelled or a
// listener fails.
func (s *Server) Run(ctx context.Context) error {
	var (
		httpLn, grpcLn net.Listener
		err            error
	)
	if s.cfg.Addr != "" {
		httpLn, err = net.Listen("tcp", s.cfg.Addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
		}
		s.httpAddr.Store(httpLn.Addr().String())
	}
	if s.cfg.GRPCAddr != "" {
		grpcLn, err = net.Listen("tcp", s.cfg.GRPCAddr)
		if err != nil {
			if httpLn != nil {
				_ = httpLn.Close()
			}
			return fmt.Errorf("listen on %s: %w", s.cfg.GRPCAddr, err)
		}
		s.grpcAddr.Store(grpcLn.Addr().String())
	}

	errCh := make(chan error, 2)
	var httpServer *http.Server
	if httpLn != nil {
		httpServer = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("admin http: %w", err)
			}
		}()
		s.logger.Info("admin listener ready", "address", httpLn.Addr().String())
	}

	var grpcServer *grpc.Server
	if grpcLn != nil {
		grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(grpcServer, s.health)
		s.syncHealth()
		go func() {
			if err := grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("admin grpc: %w", err)
			}
		}()
		s.logger.Info("grpc health service ready", "address", grpcLn.Addr().String())
	}

	s.readyOnce.Do(func() { close(s.ready) })

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case runErr = <-errCh:
			break loop
		case <-ticker.C:
			s.syncHealth()
		}
	}

	s.health.Shutdown()
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && runErr == nil {
			runErr = err
		}
	}
	return runErr
}

func (s *Server) syncHealth() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s.cfg.Proxy.Ready() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// WaitUntilReady blocks until the listeners are bound or ctx is cancelled.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ready:
		return nil
	}
}

// HTTPAddr returns the bound HTTP address, or "" when disabled.
func (s *Server) HTTPAddr() string {
	v, _ := s.httpAddr.Load().(string)
	return v
}

// GRPCAddr returns the bound gRPC address, or "" when disabled.
func (s *Server) GRPCAddr() string {
	v, _ := s.grpcAddr.Load().(string)
	return v
}
