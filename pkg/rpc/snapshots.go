// Package rpc serves detector snapshots over gRPC.
//
// The service is vigil.v1.Snapshots with a single unary method, GetSnapshot.
// Requests and responses are google.protobuf.Struct messages so the service
// needs no generated code: the request carries {"stream": "<name>"} and the
// response is the storage.Snapshot JSON document.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/HatiCode/vigil/pkg/storage"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "vigil.v1.Snapshots"

	getSnapshotMethod = "/" + ServiceName + "/GetSnapshot"
)

// SnapshotsServer is the server API for the Snapshots service.
type SnapshotsServer interface {
	GetSnapshot(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes the Snapshots service for grpc.ServiceRegistrar.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SnapshotsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetSnapshot", Handler: getSnapshotHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "vigil/v1/snapshots.proto",
}

func getSnapshotHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SnapshotsServer).GetSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getSnapshotMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SnapshotsServer).GetSnapshot(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterSnapshotsServer registers srv on s.
func RegisterSnapshotsServer(s grpc.ServiceRegistrar, srv SnapshotsServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Service answers GetSnapshot from a snapshot store.
type Service struct {
	store  storage.Store
	logger *slog.Logger
}

// NewService returns a Service reading from store.
func NewService(store storage.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// GetSnapshot returns the latest snapshot of the stream named in the
// request's "stream" field.
func (s *Service) GetSnapshot(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	stream := req.GetFields()["stream"].GetStringValue()
	if err := storage.ValidateStreamName(stream); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	snap, found, err := s.store.GetLatest(ctx, stream)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, status.FromContextError(err).Err()
		}
		s.logger.Error("failed to read snapshot", "stream", stream, "error", err)
		return nil, status.Error(codes.Internal, "failed to read snapshot")
	}
	if !found {
		return nil, status.Errorf(codes.NotFound, "no snapshot for stream %s", stream)
	}

	out, err := snapshotToStruct(snap)
	if err != nil {
		s.logger.Error("failed to encode snapshot", "stream", stream, "error", err)
		return nil, status.Error(codes.Internal, "failed to encode snapshot")
	}
	return out, nil
}

func snapshotToStruct(snap storage.Snapshot) (*structpb.Struct, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

// CallObserver receives the outcome of every unary call.
type CallObserver func(method string, code codes.Code, elapsed time.Duration)

// UnaryObserverInterceptor reports each unary call to observe.
func UnaryObserverInterceptor(observe CallObserver) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		observe(info.FullMethod, status.Code(err), time.Since(start))
		return resp, err
	}
}

// NewServer builds a gRPC server exposing the Snapshots service, the
// standard health service (reporting SERVING) and server reflection.
func NewServer(store storage.Store, logger *slog.Logger, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	srv := grpc.NewServer(opts...)
	RegisterSnapshotsServer(srv, NewService(store, logger))

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	reflection.Register(srv)
	return srv, healthServer
}
