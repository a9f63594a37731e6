package httpapi

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"campusmerit.org/internal/audit"
	"campusmerit.org/internal/auth"
	"campusmerit.org/internal/engine"
	"campusmerit.org/internal/ids"
	"campusmerit.org/internal/ledger"
	"campusmerit.org/internal/ledger/wire"
	"campusmerit.org/internal/obs"
)

// LedgerServer is the campusmerit.v1.Ledger service.
type LedgerServer interface {
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Query(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Info(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// GRPCServer implements LedgerServer on top of the engine.
type GRPCServer struct {
	engine    *engine.Engine
	readiness readinessChecker
	version   string
	health    *health.Server
}

// NewGRPCServer creates the gRPC service wrapper.
func NewGRPCServer(eng *engine.Engine, r readinessChecker, version string) *GRPCServer {
	if r == nil {
		r = ReadyProbe{}
	}
	return &GRPCServer{
		engine:    eng,
		readiness: r,
		version:   version,
		health:    health.NewServer(),
	}
}

// Register attaches the ledger and standard health services to srv.
func (s *GRPCServer) Register(srv *grpc.Server) {
	srv.RegisterService(&ledgerServiceDesc, s)
	healthpb.RegisterHealthServer(srv, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(wire.ServiceName, healthpb.HealthCheckResponse_SERVING)
}

// ServerOptions returns the interceptors the ledger service expects.
func (s *GRPCServer) ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{grpc.ChainUnaryInterceptor(UnaryRequestID, UnaryAuth)}
}

// CheckReadiness probes dependencies and flips the health status to match.
func (s *GRPCServer) CheckReadiness(ctx context.Context) error {
	err := s.readiness.Check(ctx)
	st := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(wire.ServiceName, st)
	return err
}

// Shutdown marks every service as not serving.
func (s *GRPCServer) Shutdown() {
	s.health.Shutdown()
}

// Submit runs one operation as the caller named by the bearer token.
func (s *GRPCServer) Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	caller, ok := auth.CallerFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "authentication required")
	}
	op, raw, err := wire.DecodeRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	out, err := s.engine.Dispatch(ctx, caller, op, raw)
	fields := map[string]any{"op": op, "caller": caller.Hex(), "transport": "grpc"}
	if err != nil {
		fields["result"] = ledger.ReasonOf(err)
		_ = audit.LogEvent(ctx, "op_rejected", fields)
		return nil, ledgerStatus(ctx, err)
	}
	fields["result"] = "ok"
	_ = audit.LogEvent(ctx, "op_committed", fields)
	return resultStruct(out)
}

// Query answers a named read.
func (s *GRPCServer) Query(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	name, raw, err := wire.DecodeRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	out, err := s.engine.Query(name, raw)
	if err != nil {
		return nil, ledgerStatus(ctx, err)
	}
	return resultStruct(out)
}

// Info returns service metadata.
func (s *GRPCServer) Info(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return resultStruct(map[string]any{
		"name":       serviceName,
		"version":    s.version,
		"time":       time.Now().UTC().Format(time.RFC3339),
		"operations": engine.Operations(),
		"queries":    engine.Queries(),
	})
}

func resultStruct(out any) (*structpb.Struct, error) {
	res, err := wire.ToStruct(map[string]any{wire.FieldResult: out})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	return res, nil
}

// ledgerStatus converts a ledger failure to a status and attaches its trailer.
func ledgerStatus(ctx context.Context, err error) error {
	if errors.Is(err, engine.ErrClosed) {
		return status.Error(codes.Unavailable, err.Error())
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	if md := wire.ErrorTrailer(err); md != nil {
		_ = grpc.SetTrailer(ctx, md)
	}
	code := wire.Code(err)
	if code == codes.Internal {
		return status.Error(code, "internal error")
	}
	return status.Error(code, err.Error())
}

// UnaryRequestID propagates or mints a request id for audit lines.
func UnaryRequestID(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	rid := ""
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get(wire.RequestIDKey); len(vals) > 0 {
			rid = vals[0]
		}
	}
	if rid == "" || len(rid) > 128 {
		rid = ids.New()
	}
	start := time.Now()
	resp, err := handler(audit.WithRequestID(ctx, rid), req)
	obs.Logger().WithFields(map[string]any{
		"request_id":  rid,
		"method":      info.FullMethod,
		"code":        status.Code(err).String(),
		"duration_ms": float64(time.Since(start).Microseconds()) / 1000,
	}).Info("rpc_complete")
	return resp, err
}

// UnaryAuth resolves an optional bearer token into the caller identity. A
// token that is present but invalid fails the call.
func UnaryAuth(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	vals := md.Get(wire.AuthorizationKey)
	if len(vals) == 0 {
		return handler(ctx, req)
	}
	token, err := extractBearerToken(vals[0])
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}
	claims, err := auth.ParseAndValidate(token)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}
	caller, err := claims.Caller()
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "invalid token subject")
	}
	ctx = auth.ContextWithCaller(ctx, caller)
	ctx = auth.ContextWithToken(ctx, token)
	return handler(ctx, req)
}

var ledgerServiceDesc = grpc.ServiceDesc{
	ServiceName: wire.ServiceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: unaryHandler(wire.SubmitMethod, LedgerServer.Submit)},
		{MethodName: "Query", Handler: unaryHandler(wire.QueryMethod, LedgerServer.Query)},
		{MethodName: "Info", Handler: unaryHandler(wire.InfoMethod, LedgerServer.Info)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "campusmerit/v1/ledger.proto",
}

func unaryHandler(method string, call func(LedgerServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(LedgerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(LedgerServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}
