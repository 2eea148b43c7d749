package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// gRPC names of the query service.
const (
	QueryServiceName = "medrag.v1.QueryService"
	RunQueryMethod   = "/" + QueryServiceName + "/RunQuery"
	ClearCacheMethod = "/" + QueryServiceName + "/ClearCache"
)

// QueryServiceServer is the server API for medrag.v1.QueryService.
//
// RunQuery takes {"query": string} and returns the same document as POST /v1/query.
// ClearCache returns {"cleared": [corpus keys]}.
type QueryServiceServer interface {
	RunQuery(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ClearCache(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// QueryServiceDesc describes medrag.v1.QueryService for grpc.Server.RegisterService.
var QueryServiceDesc = grpc.ServiceDesc{
	ServiceName: QueryServiceName,
	HandlerType: (*QueryServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RunQuery", Handler: runQueryHandler},
		{MethodName: "ClearCache", Handler: clearCacheHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "medrag/v1/query.proto",
}

func runQueryHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(QueryServiceServer).RunQuery(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: RunQueryMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(QueryServiceServer).RunQuery(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func clearCacheHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(QueryServiceServer).ClearCache(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ClearCacheMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(QueryServiceServer).ClearCache(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// QueryService implements QueryServiceServer over a Runner.
type QueryService struct {
	runner Runner
}

// NewQueryService creates the gRPC query service.
func NewQueryService(runner Runner) *QueryService {
	return &QueryService{runner: runner}
}

// RunQuery answers req["query"].
func (s *QueryService) RunQuery(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	query := req.GetFields()["query"].GetStringValue()

	res, err := s.runner.RunQuery(ctx, query, nil)
	if err != nil {
		return nil, toStatus(err)
	}

	out, err := toStruct(newQueryResponse(res))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return out, nil
}

// ClearCache drops every cached corpus.
func (s *QueryService) ClearCache(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	keys, err := s.runner.ClearCache(ctx)
	if err != nil {
		return nil, toStatus(err)
	}

	cleared := make([]any, len(keys))
	for i, k := range keys {
		cleared[i] = k
	}
	out, err := structpb.NewStruct(map[string]any{"status": StatusSuccess, "cleared": cleared})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return out, nil
}

// QueryClient calls medrag.v1.QueryService.
type QueryClient struct {
	cc grpc.ClientConnInterface
}

// NewQueryClient creates a client over cc.
func NewQueryClient(cc grpc.ClientConnInterface) *QueryClient {
	return &QueryClient{cc: cc}
}

// RunQuery sends query and returns the response document.
func (c *QueryClient) RunQuery(ctx context.Context, query string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]any{"query": query})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, RunQueryMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ClearCache asks the server to drop its corpus cache.
func (c *QueryClient) ClearCache(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, ClearCacheMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
