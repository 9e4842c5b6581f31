package api

import (
	"context"
	"time"

	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Health returns the gRPC health server so callers can register it on
// their own grpc.Server.
func (s *Server) Health() *grpchealth.Server { return s.health }

// watchHealth refreshes the gRPC health statuses until ctx is cancelled.
func (s *Server) watchHealth(ctx context.Context) {
	ticker := time.NewTicker(s.RefreshEvery)
	defer ticker.Stop()
	for {
		s.RefreshHealth(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RefreshHealth recomputes the gRPC serving status of the process
// ("pyramid") and of each session ("session/<user>").
func (s *Server) RefreshHealth(ctx context.Context) {
	rep := s.readiness(ctx)
	for _, sess := range rep.Sessions {
		s.health.SetServingStatus("session/"+sess.UserID, servingStatus(sess.Ready))
	}
	s.health.SetServingStatus("pyramid", servingStatus(rep.Ready))
	s.health.SetServingStatus("", servingStatus(rep.Ready))
}

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
