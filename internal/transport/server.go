package transport

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"caspaxos/internal/register"
	"caspaxos/internal/replog"
)

// Server exposes one replica's log and register stores over gRPC.
type Server struct {
	log      replog.Replica
	register register.Replica
	logger   *zap.Logger

	grpcServer *grpc.Server
	health     *health.Server
}

// NewServer creates a server for the given stores. Either store may be nil,
// in which case its service is not registered.
func NewServer(log replog.Replica, reg register.Replica, logger *zap.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		log:        log,
		register:   reg,
		logger:     logger.Named("transport"),
		grpcServer: grpc.NewServer(opts...),
		health:     health.NewServer(),
	}
	if reg != nil {
		s.logger = s.logger.With(zap.Int64("replica", reg.ID()))
	}

	if log != nil {
		s.grpcServer.RegisterService(&logServiceDesc, s)
		s.health.SetServingStatus(logServiceName, healthpb.HealthCheckResponse_SERVING)
	}
	if reg != nil {
		s.grpcServer.RegisterService(&registerServiceDesc, s)
		s.health.SetServingStatus(registerServiceName, healthpb.HealthCheckResponse_SERVING)
	}
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	return s
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("serving replica", zap.Stringer("addr", lis.Addr()))
	if err := s.grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("serve replica: %w", err)
	}
	return nil
}

// ListenAndServe listens on addr and serves until Stop is called.
func (s *Server) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(lis)
}

// Stop marks the services as not serving and stops gracefully.
func (s *Server) Stop() {
	s.logger.Info("stopping replica")
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}

// unavailable converts a store error into the status clients see.
func (s *Server) unavailable(method string, err error) error {
	s.logger.Debug("replica call failed", zap.String("method", method), zap.Error(err))
	return status.Error(codes.Unavailable, err.Error())
}

func (s *Server) logRead(ctx context.Context, req *logRequest) (*logResponse, error) {
	state, err := s.log.Read(ctx, req.Index)
	if err != nil {
		return nil, s.unavailable("log.Read", err)
	}
	return &logResponse{State: state}, nil
}

func (s *Server) logCompareAndSet(ctx context.Context, req *logRequest) (*logResponse, error) {
	ok, err := s.log.CompareAndSet(ctx, req.Index, req.Update, req.Expect)
	if err != nil {
		return nil, s.unavailable("log.CompareAndSet", err)
	}
	return &logResponse{Applied: ok}, nil
}

func (s *Server) logPutIfAbsent(ctx context.Context, req *logRequest) (*logResponse, error) {
	ok, err := s.log.PutIfAbsent(ctx, req.Index, req.Update)
	if err != nil {
		return nil, s.unavailable("log.PutIfAbsent", err)
	}
	return &logResponse{Applied: ok}, nil
}

func (s *Server) logReadLastIndex(ctx context.Context, _ *logRequest) (*logResponse, error) {
	last, err := s.log.ReadLastIndex(ctx)
	if err != nil {
		return nil, s.unavailable("log.ReadLastIndex", err)
	}
	return &logResponse{LastIndex: last}, nil
}

// checkReplica refuses requests addressed to another replica id, which
// means the caller's address book is wrong.
func (s *Server) checkReplica(req *registerRequest) error {
	if req.Replica != s.register.ID() {
		return status.Errorf(codes.FailedPrecondition, "request for replica %d reached replica %d", req.Replica, s.register.ID())
	}
	return nil
}

func (s *Server) registerRead(ctx context.Context, req *registerRequest) (*registerResponse, error) {
	if err := s.checkReplica(req); err != nil {
		return nil, err
	}
	state, err := s.register.Read(ctx, req.Key)
	if err != nil {
		return nil, s.unavailable("register.Read", err)
	}
	return &registerResponse{State: state}, nil
}

func (s *Server) registerCompareAndSet(ctx context.Context, req *registerRequest) (*registerResponse, error) {
	if err := s.checkReplica(req); err != nil {
		return nil, err
	}
	ok, err := s.register.CompareAndSet(ctx, req.Key, req.Update, req.Expect)
	if err != nil {
		return nil, s.unavailable("register.CompareAndSet", err)
	}
	return &registerResponse{Applied: ok}, nil
}

func (s *Server) registerPutIfAbsent(ctx context.Context, req *registerRequest) (*registerResponse, error) {
	if err := s.checkReplica(req); err != nil {
		return nil, err
	}
	ok, err := s.register.PutIfAbsent(ctx, req.Key, req.Update)
	if err != nil {
		return nil, s.unavailable("register.PutIfAbsent", err)
	}
	return &registerResponse{Applied: ok}, nil
}
