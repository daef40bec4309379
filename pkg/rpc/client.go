package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/tataru-assistant/tataru/pkg/cache"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client is a Translator service client
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient creates a client on an established connection
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Translate translates one text on the server
func (c *Client) Translate(ctx context.Context, req *TranslateRequest, opts ...grpc.CallOption) (*TranslateResponse, error) {
	in, err := req.proto()
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, TranslateMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return decodeTranslateResponse(out), nil
}

// TranslateStream translates one text on the server, calling onDelta for every
// delta received. It returns the assembled translation.
func (c *Client) TranslateStream(ctx context.Context, req *TranslateRequest, onDelta func(string), opts ...grpc.CallOption) (string, error) {
	in, err := req.proto()
	if err != nil {
		return "", status.Error(codes.InvalidArgument, err.Error())
	}

	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], TranslateStreamMethod, opts...)
	if err != nil {
		return "", err
	}
	if err := stream.SendMsg(in); err != nil {
		return "", err
	}
	if err := stream.CloseSend(); err != nil {
		return "", err
	}

	var assembled string
	for {
		out := new(structpb.Struct)
		err := stream.RecvMsg(out)
		if errors.Is(err, io.EOF) {
			return assembled, nil
		}
		if err != nil {
			return "", err
		}

		delta := decodeTranslateDelta(out)
		if delta.Done {
			assembled = delta.Translation
			continue
		}
		assembled += delta.Delta
		if onDelta != nil {
			onDelta(delta.Delta)
		}
	}
}

// CacheStats returns the server's cache statistics
func (c *Client) CacheStats(ctx context.Context, opts ...grpc.CallOption) (cache.Stats, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, CacheStatsMethod, &structpb.Struct{}, out, opts...); err != nil {
		return cache.Stats{}, fmt.Errorf("cache stats: %w", err)
	}
	return decodeStats(out), nil
}

// ClearCache empties the server's cache
func (c *Client) ClearCache(ctx context.Context, opts ...grpc.CallOption) error {
	if err := c.cc.Invoke(ctx, ClearCacheMethod, &structpb.Struct{}, new(structpb.Struct), opts...); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	return nil
}
