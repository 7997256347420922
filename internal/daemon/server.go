package daemon

import (
	"context"
	"fmt"
	"net"
	"os"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ranz98/convo/internal/bus"
	"github.com/ranz98/convo/internal/profile"
)

// SessionService is the health-check service name that reports whether a
// user is currently signed in.
const SessionService = "session"

// Server manages the gRPC server on the profile's Unix domain socket.
// It exposes the standard health service: the empty service name reports
// daemon liveness, SessionService reports sign-in state, driven by
// session.* bus events.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	socketPath string
	bus        *bus.Bus
	logger     *zap.Logger

	done        chan struct{}
	unsubscribe func()
}

// NewServer creates a gRPC server bound to the profile's socket.
func NewServer(p Params, b *bus.Bus, logger *zap.Logger) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = profile.SocketPath(p.ProfileName)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}

	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	srv := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(SessionService, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	return &Server{
		grpcServer: srv,
		health:     hs,
		listener:   listener,
		socketPath: socketPath,
		bus:        b,
		logger:     logger,
		done:       make(chan struct{}),
	}, nil
}

// Start begins serving gRPC requests. Blocks until stopped.
func (s *Server) Start() error {
	events, unsub := s.bus.Subscribe("session.", 16)
	s.unsubscribe = unsub
	go func() {
		for {
			select {
			case ev := <-events:
				switch ev.Kind {
				case bus.KindSessionSignedIn:
					s.health.SetServingStatus(SessionService, healthpb.HealthCheckResponse_SERVING)
				case bus.KindSessionSignedOut:
					s.health.SetServingStatus(SessionService, healthpb.HealthCheckResponse_NOT_SERVING)
				}
			case <-s.done:
				return
			}
		}
	}()

	s.logger.Info("gRPC server starting", zap.String("socket", s.socketPath))
	return s.grpcServer.Serve(s.listener)
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *Server) Stop(_ context.Context) {
	s.logger.Info("gRPC server stopping")
	if s.unsubscribe != nil {
		s.unsubscribe()
		close(s.done)
	}
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	_ = os.Remove(s.socketPath)
}
