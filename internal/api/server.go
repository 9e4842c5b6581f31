// Package api provides the operational HTTP and gRPC surface of the trader:
// liveness, readiness, Prometheus metrics, session status and gRPC health.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"pyramid/internal/config"
	"pyramid/internal/metrics"
	"pyramid/internal/session"
	"pyramid/internal/store"
)

// StaleAfter is how old a running session's heartbeat may be before the
// process reports not ready.
const StaleAfter = 3 * time.Minute

// SessionSource lists the sessions the process was configured with.
// *session.Coordinator satisfies it.
type SessionSource interface {
	Statuses() []session.Status
}

// Server hosts the HTTP and gRPC ops endpoints.
type Server struct {
	cfg        *config.Config
	sessions   SessionSource
	heartbeats store.HeartbeatStore
	registry   *prometheus.Registry
	health     *grpchealth.Server
	log        *slog.Logger
	now        func() time.Time

	// RefreshEvery is how often gRPC health statuses are recomputed.
	RefreshEvery time.Duration
}

// NewServer creates a new Server configured from the given Config.
func NewServer(cfg *config.Config, sessions SessionSource, heartbeats store.HeartbeatStore,
	registry *prometheus.Registry, log *slog.Logger) *Server {
	return &Server{
		cfg:          cfg,
		sessions:     sessions,
		heartbeats:   heartbeats,
		registry:     registry,
		health:       grpchealth.NewServer(),
		log:          log.With("component", "api"),
		now:          time.Now,
		RefreshEvery: 30 * time.Second,
	}
}

// SetClock overrides the time source used for heartbeat staleness.
func (s *Server) SetClock(now func() time.Time) { s.now = now }

// Handler returns the gin router serving the HTTP endpoints.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(requestID(), requestLogger(s.log), recovery(s.log))

	r.GET("/healthz", s.handleHealthz)
	r.GET("/readyz", s.handleReadyz)
	r.GET("/sessions", s.handleSessions)
	r.GET("/sessions/:user", s.handleSession)
	if s.registry != nil {
		r.GET("/metrics", gin.WrapH(metrics.Handler(s.registry)))
	}
	return r
}

// ListenAndServe starts the HTTP and gRPC listeners and blocks until the
// context is cancelled or a listener fails. A zero gRPC port disables gRPC.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var grpcSrv *grpc.Server
	var grpcLis net.Listener
	if s.cfg.Server.GRPCPort > 0 {
		addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.GRPCPort)
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen grpc %s: %w", addr, err)
		}
		grpcLis = lis
		grpcSrv = grpc.NewServer()
		healthpb.RegisterHealthServer(grpcSrv, s.health)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("http server starting", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if grpcSrv != nil {
		g.Go(func() error {
			s.log.Info("grpc server starting", "addr", grpcLis.Addr().String())
			if err := grpcSrv.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		s.watchHealth(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.health.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("http shutdown", "error", err)
		}
		if grpcSrv != nil {
			grpcSrv.GracefulStop()
		}
		s.log.Info("ops servers stopped")
		return nil
	})
	return g.Wait()
}
