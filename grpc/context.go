// Package grpc applies the dogquiz session contract to gRPC calls: the stored
// access token travels as bearer metadata, and a call rejected with
// Unauthenticated is retried once after a refresh.
package grpc

import (
	"context"
	"strings"

	"google.golang.org/grpc/metadata"
)

// DefaultMetadataKeyAuthorization is the metadata key carrying the bearer token
const DefaultMetadataKeyAuthorization = "authorization"

// Config holds the metadata key configuration.
type Config struct {
	// MetadataKeyAuthorization defaults to "authorization".
	MetadataKeyAuthorization string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		MetadataKeyAuthorization: DefaultMetadataKeyAuthorization,
	}
}

// EnsureDefaults fills in default values for any unset fields.
func (c *Config) EnsureDefaults() {
	if c.MetadataKeyAuthorization == "" {
		c.MetadataKeyAuthorization = DefaultMetadataKeyAuthorization
	}
}

// TokenToOutgoingContext sets the bearer token on outgoing metadata,
// replacing any token already there.
func TokenToOutgoingContext(ctx context.Context, token string) context.Context {
	return TokenToOutgoingContextWithKey(ctx, token, DefaultMetadataKeyAuthorization)
}

// TokenToOutgoingContextWithKey is TokenToOutgoingContext with a custom key.
func TokenToOutgoingContextWithKey(ctx context.Context, token string, key string) context.Context {
	md, ok := metadata.FromOutgoingContext(ctx)
	if ok {
		md = md.Copy()
	} else {
		md = metadata.MD{}
	}
	md.Set(key, "Bearer "+token)
	return metadata.NewOutgoingContext(ctx, md)
}

// TokenFromIncomingContext returns the bearer token of an incoming call, or "".
func TokenFromIncomingContext(ctx context.Context) string {
	return TokenFromIncomingContextWithKey(ctx, DefaultMetadataKeyAuthorization)
}

// TokenFromIncomingContextWithKey is TokenFromIncomingContext with a custom key.
func TokenFromIncomingContextWithKey(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get(key)
	if len(values) == 0 {
		return ""
	}
	parts := strings.SplitN(values[0], " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

type userIDKey struct{}

// UserIDFromContext returns the user id the server interceptor authenticated.
// Returns empty string if no user is authenticated.
func UserIDFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userIDKey{}).(string)
	return userID
}

func withUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}
