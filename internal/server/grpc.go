package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"MarginLedger/internal/core"
	"MarginLedger/internal/observability"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// RequestIDHeader carries the idempotency key of a mutating call, as gRPC
// metadata or as an HTTP header.
const RequestIDHeader = "x-request-id"

const httpShutdownTimeout = 5 * time.Second

// GRPCServer wraps the gRPC server and the HTTP/JSON gateway.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	httpHandler   http.Handler
	grpcAddr      string
	httpAddr      string
	healthChecker *observability.HealthChecker
	metrics       *observability.Metrics
	log           zerolog.Logger
}

// ServerDeps holds all dependencies needed by the services.
type ServerDeps struct {
	Ledger        *core.Ledger
	Admin         AdminDeps // Admin.Ledger defaults to Ledger
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Logger        zerolog.Logger
}

// NewGRPCServer creates the gRPC server with all services registered and
// builds the HTTP gateway routes over the same implementations.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) (*GRPCServer, error) {
	s := &GRPCServer{
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		healthChecker: deps.HealthChecker,
		metrics:       deps.Metrics,
		log:           deps.Logger,
	}

	adminDeps := deps.Admin
	if adminDeps.Ledger == nil {
		adminDeps.Ledger = deps.Ledger
	}
	ledgerSvc := NewLedgerService(deps.Ledger)
	adminSvc := NewAdminService(adminDeps)

	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(s.unaryInterceptor))
	s.grpcServer.RegisterService(&LedgerServiceDesc, ledgerSvc)
	s.grpcServer.RegisterService(&AdminServiceDesc, adminSvc)

	// Health check
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, healthServer)
	if deps.HealthChecker != nil {
		deps.HealthChecker.Bind(healthServer)
	} else {
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	}

	// Reflection for grpcurl / grpcui
	reflection.Register(s.grpcServer)

	handler, err := newGatewayHandler(ledgerSvc, adminSvc, deps.HealthChecker, s.observe)
	if err != nil {
		return nil, fmt.Errorf("build gateway: %w", err)
	}
	s.httpHandler = handler
	return s, nil
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.Serve(lis)
}

// Serve runs the gRPC server on lis until it is stopped.
func (s *GRPCServer) Serve(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// Stop closes all connections immediately.
func (s *GRPCServer) Stop() {
	s.grpcServer.Stop()
}

// Handler is the HTTP gateway: /v1 routes plus /healthz and /readyz.
func (s *GRPCServer) Handler() http.Handler {
	return s.httpHandler
}

// StartHTTPGateway starts the HTTP/JSON gateway (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.httpAddr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	return s.ServeGateway(ctx, lis)
}

// ServeGateway serves the HTTP gateway on lis until ctx is done. It returns
// only once in-flight handlers have finished or the shutdown timeout expired.
func (s *GRPCServer) ServeGateway(ctx context.Context, lis net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	served := make(chan error, 1)
	go func() { served <- s.httpServer.Serve(lis) }()
	s.log.Info().Str("addr", lis.Addr().String()).Msg("HTTP gateway listening")

	select {
	case err := <-served:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http gateway: %w", err)
	case <-ctx.Done():
	}

	s.log.Info().Msg("HTTP gateway shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http gateway shutdown: %w", err)
	}
	return nil
}

// unaryInterceptor lifts x-request-id into the context and records
// request metrics.
func (s *GRPCServer) unaryInterceptor(
	ctx context.Context,
	req interface{},
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (interface{}, error) {
	start := time.Now()
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(RequestIDHeader); len(ids) > 0 && ids[0] != "" {
			ctx = core.WithRequestID(ctx, ids[0])
		}
	}

	resp, err := handler(ctx, req)
	s.observe(methodName(info.FullMethod), status.Code(err), start)
	return resp, err
}

func (s *GRPCServer) observe(method string, code codes.Code, start time.Time) {
	if code == codes.Internal || code == codes.Unknown {
		s.log.Error().Str("method", method).Str("code", code.String()).Msg("request failed")
	}
	if s.metrics == nil {
		return
	}
	s.metrics.RequestCount.WithLabelValues(method, code.String()).Inc()
	s.metrics.RequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

// methodName trims "/pkg.Service/Method" to "Method".
func methodName(fullMethod string) string {
	if i := strings.LastIndexByte(fullMethod, '/'); i >= 0 {
		return fullMethod[i+1:]
	}
	return fullMethod
}
