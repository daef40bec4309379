package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tataru-assistant/tataru"
	"github.com/tataru-assistant/tataru/pipeline"
	"github.com/tataru-assistant/tataru/pkg/cache"
	"github.com/tataru-assistant/tataru/pkg/engine"
	"github.com/tataru-assistant/tataru/pkg/metrics"
	"github.com/tataru-assistant/tataru/pkg/rpc"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const testSecret = "test-secret"

var testKeys = map[string][]string{
	"client-key": {"client"},
	"admin-key":  {RoleAdmin},
}

type testEnv struct {
	client  *rpc.Client
	conn    *grpc.ClientConn
	logs    *observer.ObservedLogs
	metrics *metrics.PrometheusCollector
}

func startServer(t *testing.T) *testEnv {
	t.Helper()

	store, err := cache.NewStore(&cache.Config{MaxSize: 100, SessionMaxSize: 10, PromoteThreshold: 3, DemoteThreshold: 2})
	require.NoError(t, err)

	registry := engine.NewRegistry(engine.NewDictionary("Youdao", map[string]string{
		"Hello": "你好",
		"World": "世界",
	}))
	p, err := pipeline.New(registry,
		pipeline.WithStore(store),
		pipeline.WithDialogueBatcher(nil),
		pipeline.WithEngineBatcher(nil),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	collector, err := metrics.NewPrometheusCollector()
	require.NoError(t, err)

	core, logs := observer.New(zapcore.InfoLevel)
	srv := New(p,
		WithLogger(zap.New(core)),
		WithMetrics(collector),
		WithAuth(&Config{JWTSecret: testSecret, APIKeys: testKeys}),
	)

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &testEnv{client: rpc.NewClient(conn), conn: conn, logs: logs, metrics: collector}
}

func withKey(key string) context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), "x-api-key", key)
}

func withJWT(t *testing.T, sub string, roles ...string) context.Context {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   sub,
		"roles": roles,
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)

	return metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+signed)
}

func translateRequest(text, engine string) *rpc.TranslateRequest {
	return &rpc.TranslateRequest{
		Text:   text,
		Config: tataru.Config{Engine: engine, From: "English", To: "Traditional-Chinese"},
		Type:   tataru.TypeSentence,
	}
}

func TestTranslateRequiresAuth(t *testing.T) {
	env := startServer(t)

	_, err := env.client.Translate(context.Background(), translateRequest("Hello", "Youdao"))
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = env.client.Translate(withKey("wrong"), translateRequest("Hello", "Youdao"))
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestTranslate(t *testing.T) {
	env := startServer(t)

	var header metadata.MD
	resp, err := env.client.Translate(withKey("client-key"), translateRequest("Hello", "Youdao"), grpc.Header(&header))
	require.NoError(t, err)
	assert.Equal(t, "你好", resp.Translation)
	assert.NotEmpty(t, header.Get(RequestIDHeader))

	// A caller's request id is kept
	ctx := metadata.AppendToOutgoingContext(withKey("client-key"), RequestIDHeader, "req-42")
	_, err = env.client.Translate(ctx, translateRequest("World", "Youdao"), grpc.Header(&header))
	require.NoError(t, err)
	assert.Equal(t, []string{"req-42"}, header.Get(RequestIDHeader))

	found := false
	for _, e := range env.logs.FilterMessage("rpc completed").All() {
		if e.ContextMap()["request_id"] == "req-42" {
			found = true
		}
	}
	assert.True(t, found, "request id not logged")
}

func TestTranslateUnknownEngine(t *testing.T) {
	env := startServer(t)

	_, err := env.client.Translate(withKey("client-key"), translateRequest("Hello", "Kimi"))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestTranslateStream(t *testing.T) {
	env := startServer(t)

	var deltas []string
	out, err := env.client.TranslateStream(withJWT(t, "alice"), translateRequest("World", "Youdao"), func(d string) {
		deltas = append(deltas, d)
	})
	require.NoError(t, err)
	assert.Equal(t, "世界", out)
	assert.Equal(t, []string{"世界"}, deltas)
}

func TestTranslateStreamRequiresAuth(t *testing.T) {
	env := startServer(t)

	_, err := env.client.TranslateStream(context.Background(), translateRequest("World", "Youdao"), nil)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestCacheCommands(t *testing.T) {
	env := startServer(t)

	_, err := env.client.Translate(withKey("client-key"), translateRequest("Hello", "Youdao"))
	require.NoError(t, err)
	_, err = env.client.Translate(withKey("client-key"), translateRequest("Hello", "Youdao"))
	require.NoError(t, err)

	st, err := env.client.CacheStats(withKey("client-key"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, 1, st.Size)

	err = env.client.ClearCache(withKey("client-key"))
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	require.NoError(t, env.client.ClearCache(withJWT(t, "admin", RoleAdmin)))

	st, err = env.client.CacheStats(withKey("admin-key"))
	require.NoError(t, err)
	assert.Zero(t, st.Size)
	assert.Zero(t, st.Hits)
}

func TestHealthSkipsAuth(t *testing.T) {
	env := startServer(t)

	resp, err := healthpb.NewHealthClient(env.conn).Check(context.Background(), &healthpb.HealthCheckRequest{
		Service: rpc.ServiceName,
	})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestRequestMetrics(t *testing.T) {
	env := startServer(t)

	_, _ = env.client.Translate(withKey("client-key"), translateRequest("Hello", "Youdao"))

	families, err := env.metrics.GetRegistry().Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != "tataru_server_requests_total" {
			continue
		}
		for _, m := range mf.Metric {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["method"] == rpc.TranslateMethod && labels["code"] == "OK" {
				assert.Equal(t, float64(1), m.GetCounter().GetValue())
				return
			}
		}
	}
	t.Error("request metric not recorded")
}

func TestJWTValidator(t *testing.T) {
	validate := JWTValidator(testSecret)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "bob", "roles": []string{"client", RoleAdmin}})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)

	ctx, err := validate(context.Background(), signed)
	require.NoError(t, err)

	userID, ok := GetUserID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "bob", userID)

	roles, ok := GetRoles(ctx)
	assert.True(t, ok)
	assert.Equal(t, []string{"client", RoleAdmin}, roles)

	forged, err := token.SignedString([]byte("other-secret"))
	require.NoError(t, err)
	_, err = validate(context.Background(), forged)
	assert.Error(t, err)
}

func TestAnyValidator(t *testing.T) {
	v := AnyValidator(JWTValidator(testSecret), APIKeyValidator(testKeys))

	ctx, err := v(context.Background(), "admin-key")
	require.NoError(t, err)
	roles, _ := GetRoles(ctx)
	assert.Equal(t, []string{RoleAdmin}, roles)

	_, err = v(context.Background(), "nope")
	assert.Error(t, err)

	_, err = AnyValidator()(context.Background(), "admin-key")
	assert.Error(t, err)
}
