package engine

import (
	"context"
	"fmt"

	"github.com/tataru-assistant/tataru"
	"github.com/tataru-assistant/tataru/pkg/rpc"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// RemoteConfig holds configuration for an engine served by another tataru server
type RemoteConfig struct {
	Name   string `yaml:"name"`   // Local engine name
	Addr   string `yaml:"addr"`   // Server address
	Engine string `yaml:"engine"` // Engine name on the server
	Token  string `yaml:"token"`  // Bearer token or API key sent as authorization metadata
}

// Remote forwards translations to a tataru server
type Remote struct {
	config *RemoteConfig
	conn   *grpc.ClientConn
	client *rpc.Client
}

// DialRemote connects to the server described by config.
// Extra dial options are appended after the defaults.
func DialRemote(ctx context.Context, config *RemoteConfig, opts ...grpc.DialOption) (*Remote, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
	if config.Token != "" {
		dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(tokenCredentials(config.Token)))
	}
	dialOpts = append(dialOpts, opts...)

	conn, err := grpc.DialContext(ctx, config.Addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", config.Addr, err)
	}

	return &Remote{
		config: config,
		conn:   conn,
		client: rpc.NewClient(conn),
	}, nil
}

// Name returns the local engine name
func (r *Remote) Name() string {
	return r.config.Name
}

// Translate implements Engine
func (r *Remote) Translate(ctx context.Context, req *tataru.Request) (string, error) {
	resp, err := r.client.Translate(ctx, r.request(req))
	if err != nil {
		return "", err
	}
	return resp.Translation, nil
}

// TranslateStream implements StreamingEngine
func (r *Remote) TranslateStream(ctx context.Context, req *tataru.Request, onDelta func(string)) (string, error) {
	return r.client.TranslateStream(ctx, r.request(req), onDelta)
}

// Close closes the connection
func (r *Remote) Close() error {
	return r.conn.Close()
}

// request builds the remote call for req. The server gets a single engine and
// no fallback, since fallback is decided locally.
func (r *Remote) request(req *tataru.Request) *rpc.TranslateRequest {
	return &rpc.TranslateRequest{
		Text: req.Text,
		Type: req.Type,
		Config: tataru.Config{
			Engine: r.config.Engine,
			From:   req.From,
			To:     req.To,
		},
	}
}

type tokenCredentials string

func (t tokenCredentials) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + string(t)}, nil
}

func (t tokenCredentials) RequireTransportSecurity() bool {
	return false
}
