package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// TokenVerifier validates a bearer token and returns the user it belongs to
type TokenVerifier func(ctx context.Context, token string) (userID string, err error)

// InterceptorConfig configures the server-side auth interceptors.
type InterceptorConfig struct {
	// Config holds the metadata key configuration.
	*Config

	// Verify is required.
	Verify TokenVerifier

	// PublicMethods is a set of method names that don't require auth.
	// Keys should be full method names like "/package.Service/Method".
	PublicMethods map[string]bool
}

// NewInterceptorConfig creates a config with the specified public methods.
func NewInterceptorConfig(verify TokenVerifier, publicMethods ...string) *InterceptorConfig {
	config := &InterceptorConfig{
		Config:        DefaultConfig(),
		Verify:        verify,
		PublicMethods: make(map[string]bool),
	}
	for _, method := range publicMethods {
		config.PublicMethods[method] = true
	}
	return config
}

// UnaryServerInterceptor rejects calls without a valid bearer token with
// codes.Unauthenticated, which is what UnaryClientInterceptor reacts to.
func UnaryServerInterceptor(config *InterceptorConfig) grpc.UnaryServerInterceptor {
	config.ensureDefaults()

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := config.authenticate(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor is UnaryServerInterceptor for streams.
func StreamServerInterceptor(config *InterceptorConfig) grpc.StreamServerInterceptor {
	config.ensureDefaults()

	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if _, err := config.authenticate(ss.Context(), info.FullMethod); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

func (c *InterceptorConfig) ensureDefaults() {
	if c.Config == nil {
		c.Config = DefaultConfig()
	}
	c.Config.EnsureDefaults()
	if c.PublicMethods == nil {
		c.PublicMethods = make(map[string]bool)
	}
}

func (c *InterceptorConfig) authenticate(ctx context.Context, method string) (context.Context, error) {
	token := TokenFromIncomingContextWithKey(ctx, c.MetadataKeyAuthorization)
	if token == "" {
		if c.PublicMethods[method] {
			return ctx, nil
		}
		return nil, status.Error(codes.Unauthenticated, "authentication required")
	}

	userID, err := c.Verify(ctx, token)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}
	return withUserID(ctx, userID), nil
}
