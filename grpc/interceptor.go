package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/panyam/dogquiz/client"
)

// UnaryClientInterceptor attaches the stored access token to every call. When
// the server answers Unauthenticated, the session is recovered through auth
// (refresh, or the newer stored token) and the call is retried once. A failed
// refresh returns an error wrapping client.ErrSessionExpired; auth has then
// already cleared the store and broadcast session-expired.
func UnaryClientInterceptor(auth *client.AuthClient, config *Config) grpc.UnaryClientInterceptor {
	if config == nil {
		config = DefaultConfig()
	}
	config.EnsureDefaults()

	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		token, err := storedToken(auth)
		if err != nil {
			return err
		}

		err = invoker(withToken(ctx, token, config), method, req, reply, cc, opts...)
		if status.Code(err) != codes.Unauthenticated {
			return err
		}

		next, recoverErr := auth.RecoverSession(ctx, token)
		if recoverErr != nil {
			if client.IsUnrecoverable(recoverErr) {
				return err
			}
			return recoverErr
		}
		return invoker(withToken(ctx, next, config), method, req, reply, cc, opts...)
	}
}

// StreamClientInterceptor attaches the stored access token to new streams.
// Streams are not retried: messages already sent cannot be replayed.
func StreamClientInterceptor(auth *client.AuthClient, config *Config) grpc.StreamClientInterceptor {
	if config == nil {
		config = DefaultConfig()
	}
	config.EnsureDefaults()

	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		token, err := storedToken(auth)
		if err != nil {
			return nil, err
		}
		return streamer(withToken(ctx, token, config), desc, cc, method, opts...)
	}
}

func storedToken(auth *client.AuthClient) (string, error) {
	cred, err := auth.Store().Get()
	if err != nil {
		return "", err
	}
	if !cred.HasAccessToken() {
		return "", nil
	}
	return cred.AccessToken, nil
}

func withToken(ctx context.Context, token string, config *Config) context.Context {
	if token == "" {
		return ctx
	}
	return TokenToOutgoingContextWithKey(ctx, token, config.MetadataKeyAuthorization)
}
