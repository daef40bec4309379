// Package rpc describes the tataru.v1.Translator gRPC service.
//
// Messages travel as google.protobuf.Struct values, so the service needs no
// generated code. The Go types in this package are the typed view of those
// structs on both ends of the connection.
package rpc

import (
	"context"

	"github.com/tataru-assistant/tataru/pkg/cache"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "tataru.v1.Translator"

// Full method names
const (
	TranslateMethod       = "/" + ServiceName + "/Translate"
	TranslateStreamMethod = "/" + ServiceName + "/TranslateStream"
	CacheStatsMethod      = "/" + ServiceName + "/CacheStats"
	ClearCacheMethod      = "/" + ServiceName + "/ClearCache"
)

// TranslatorServer is the server API for the Translator service
type TranslatorServer interface {
	Translate(ctx context.Context, req *TranslateRequest) (*TranslateResponse, error)
	TranslateStream(req *TranslateRequest, stream DeltaSender) error
	CacheStats(ctx context.Context) (cache.Stats, error)
	ClearCache(ctx context.Context) error
}

// DeltaSender is the server side of a TranslateStream call
type DeltaSender interface {
	Send(delta *TranslateDelta) error
	Context() context.Context
}

// ServiceDesc is the grpc.ServiceDesc for the Translator service
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TranslatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Translate", Handler: translateHandler},
		{MethodName: "CacheStats", Handler: cacheStatsHandler},
		{MethodName: "ClearCache", Handler: clearCacheHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "TranslateStream", Handler: translateStreamHandler, ServerStreams: true},
	},
	Metadata: "tataru/v1/translator.proto",
}

// RegisterTranslatorServer registers srv on s
func RegisterTranslatorServer(s grpc.ServiceRegistrar, srv TranslatorServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func translateHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	req, err := decodeTranslateRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		resp, err := srv.(TranslatorServer).Translate(ctx, req.(*TranslateRequest))
		if err != nil {
			return nil, err
		}
		return resp.proto()
	}
	if interceptor == nil {
		return handler(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: TranslateMethod}
	return interceptor(ctx, req, info, handler)
}

func cacheStatsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}

	handler := func(ctx context.Context, _ interface{}) (interface{}, error) {
		st, err := srv.(TranslatorServer).CacheStats(ctx)
		if err != nil {
			return nil, err
		}
		return encodeStats(st)
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: CacheStatsMethod}
	return interceptor(ctx, in, info, handler)
}

func clearCacheHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}

	handler := func(ctx context.Context, _ interface{}) (interface{}, error) {
		if err := srv.(TranslatorServer).ClearCache(ctx); err != nil {
			return nil, err
		}
		return &structpb.Struct{}, nil
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ClearCacheMethod}
	return interceptor(ctx, in, info, handler)
}

func translateStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	req, err := decodeTranslateRequest(in)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return srv.(TranslatorServer).TranslateStream(req, &deltaSender{stream})
}

type deltaSender struct {
	grpc.ServerStream
}

func (s *deltaSender) Send(delta *TranslateDelta) error {
	msg, err := delta.proto()
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	return s.ServerStream.SendMsg(msg)
}
