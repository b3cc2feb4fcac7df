package grpc

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/panyam/dogquiz/client"
)

const healthCheck = "/grpc.health.v1.Health/Check"

// harness is a health service that accepts exactly one access token at a
// time, plus an HTTP refresh endpoint that hands out the next one.
type harness struct {
	mu            sync.Mutex
	valid         string
	nextAccess    string
	rejectRefresh bool
	stuck         bool

	refreshes int32
	seenUsers []string

	store  *client.MemoryStore
	bus    *client.EventBus
	auth   *client.AuthClient
	health healthpb.HealthClient
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		valid:      "T1",
		nextAccess: "T2",
		store:      client.NewMemoryStore(),
		bus:        client.NewEventBus(),
	}

	refreshSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&h.refreshes, 1)
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.rejectRefresh {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if !h.stuck {
			h.valid = h.nextAccess
		}
		w.Write([]byte(`{"access":"` + h.nextAccess + `"}`))
	}))
	t.Cleanup(refreshSrv.Close)
	h.auth = client.NewAuthClient(refreshSrv.URL, h.store, client.WithNotifier(h.bus))

	config := NewInterceptorConfig(func(ctx context.Context, token string) (string, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if token != h.valid {
			return "", errors.New("stale token")
		}
		return "user-" + token, nil
	})
	recordUser := func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		h.mu.Lock()
		h.seenUsers = append(h.seenUsers, UserIDFromContext(ctx))
		h.mu.Unlock()
		return handler(ctx, req)
	}

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(UnaryServerInterceptor(config), recordUser),
		grpc.StreamInterceptor(StreamServerInterceptor(config)),
	)
	healthpb.RegisterHealthServer(srv, health.NewServer())
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(UnaryClientInterceptor(h.auth, nil)),
		grpc.WithStreamInterceptor(StreamClientInterceptor(h.auth, nil)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	h.health = healthpb.NewHealthClient(conn)
	return h
}

func (h *harness) check(ctx context.Context) error {
	_, err := h.health.Check(ctx, &healthpb.HealthCheckRequest{})
	return err
}

func TestUnaryClientInterceptor_AttachesToken(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Set(&client.Credentials{AccessToken: "T1", RefreshToken: "R1"}))

	require.NoError(t, h.check(context.Background()))
	assert.Equal(t, int32(0), atomic.LoadInt32(&h.refreshes))
	assert.Equal(t, []string{"user-T1"}, h.seenUsers)
}

func TestUnaryClientInterceptor_RefreshesAndRetriesOnce(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Set(&client.Credentials{AccessToken: "T0", RefreshToken: "R1"}))

	require.NoError(t, h.check(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.refreshes))
	assert.Equal(t, []string{"user-T2"}, h.seenUsers)

	cred, _ := h.store.Get()
	assert.Equal(t, &client.Credentials{AccessToken: "T2", RefreshToken: "R1"}, cred)
}

func TestUnaryClientInterceptor_RetriesOnlyOnce(t *testing.T) {
	h := newHarness(t)
	// The refresh succeeds but the server still refuses the new token
	h.stuck = true
	require.NoError(t, h.store.Set(&client.Credentials{AccessToken: "T0", RefreshToken: "R1"}))

	err := h.check(context.Background())
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.refreshes))
	assert.Empty(t, h.seenUsers)

	cred, _ := h.store.Get()
	assert.Equal(t, "T2", cred.AccessToken)
}

func TestUnaryClientInterceptor_RefreshRejected(t *testing.T) {
	h := newHarness(t)
	h.rejectRefresh = true
	require.NoError(t, h.store.Set(&client.Credentials{AccessToken: "T0", RefreshToken: "R1"}))

	var events int32
	h.bus.Subscribe(client.EventSessionExpired, func(client.Event) { atomic.AddInt32(&events, 1) })

	err := h.check(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, client.ErrSessionExpired))
	assert.False(t, h.store.IsAuthenticated())
	assert.Equal(t, int32(1), atomic.LoadInt32(&events))
}

func TestUnaryClientInterceptor_NoCredentials(t *testing.T) {
	h := newHarness(t)

	err := h.check(context.Background())
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
	assert.Equal(t, int32(0), atomic.LoadInt32(&h.refreshes))
}

func TestStreamClientInterceptor_AttachesToken(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Set(&client.Credentials{AccessToken: "T1", RefreshToken: "R1"}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := h.health.Watch(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	resp, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestStreamClientInterceptor_NotRetried(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Set(&client.Credentials{AccessToken: "T0", RefreshToken: "R1"}))

	stream, err := h.health.Watch(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	_, err = stream.Recv()
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
	assert.Equal(t, int32(0), atomic.LoadInt32(&h.refreshes))
}

func TestServerInterceptor_PublicMethod(t *testing.T) {
	config := NewInterceptorConfig(func(context.Context, string) (string, error) {
		return "", errors.New("never valid")
	}, healthCheck)
	interceptor := UnaryServerInterceptor(config)

	called := false
	_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: healthCheck},
		func(ctx context.Context, req any) (any, error) {
			called = true
			assert.Equal(t, "", UserIDFromContext(ctx))
			return nil, nil
		})
	require.NoError(t, err)
	assert.True(t, called)

	_, err = interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/pkg.Svc/Private"},
		func(ctx context.Context, req any) (any, error) {
			t.Error("handler should not be called")
			return nil, nil
		})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}
