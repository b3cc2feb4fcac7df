package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// DefaultRefreshEndpoint is the refresh path relative to the API base URL
const DefaultRefreshEndpoint = "/token/refresh/"

// errNothingToRecover marks a 401 that the refresh flow cannot act on
var errNothingToRecover = errors.New("no refresh token to recover with")

// AuthClient executes HTTP requests with the stored bearer token attached.
// A 401 triggers one refresh and one replay of the original request.
type AuthClient struct {
	baseURL         string
	store           CredentialStore
	notifier        Notifier
	refresher       *Refresher
	httpClient      *http.Client
	plainClient     *http.Client
	baseTransport   http.RoundTripper
	refreshEndpoint string
	singleFlight    bool
	logger          logrus.FieldLogger
	metrics         *Metrics

	expireMu    sync.Mutex
	lastExpired string
}

// RequestOptions describes a request for Execute
type RequestOptions struct {
	Method string
	Header http.Header
	Body   []byte
}

// ClientOption configures an AuthClient
type ClientOption func(*AuthClient)

// WithRefreshEndpoint sets a custom refresh path
func WithRefreshEndpoint(path string) ClientOption {
	return func(c *AuthClient) {
		c.refreshEndpoint = path
	}
}

// WithHTTPClient sets a custom base HTTP client (for timeouts, TLS config, etc.)
// The transport from this client will be wrapped with auth handling.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *AuthClient) {
		if client != nil && client.Transport != nil {
			c.baseTransport = client.Transport
		}
		if client != nil {
			c.httpClient.Timeout = client.Timeout
			c.httpClient.CheckRedirect = client.CheckRedirect
			if client.Jar != nil {
				c.httpClient.Jar = client.Jar
			}
		}
	}
}

// WithTransport sets a custom base transport (for connection pooling, proxies, etc.)
func WithTransport(transport http.RoundTripper) ClientOption {
	return func(c *AuthClient) {
		c.baseTransport = transport
	}
}

// WithNotifier sets where session-expired events are published
func WithNotifier(n Notifier) ClientOption {
	return func(c *AuthClient) {
		c.notifier = n
	}
}

// WithLogger sets the logger used for refresh and expiry messages
func WithLogger(logger logrus.FieldLogger) ClientOption {
	return func(c *AuthClient) {
		c.logger = logger
	}
}

// WithMetrics enables counters
func WithMetrics(m *Metrics) ClientOption {
	return func(c *AuthClient) {
		c.metrics = m
	}
}

// WithSingleFlight controls whether concurrent 401s share one refresh (default true)
func WithSingleFlight(enabled bool) ClientOption {
	return func(c *AuthClient) {
		c.singleFlight = enabled
	}
}

// NewAuthClient creates an authenticated client for the API rooted at baseURL
func NewAuthClient(baseURL string, store CredentialStore, opts ...ClientOption) *AuthClient {
	jar, _ := cookiejar.New(nil)

	c := &AuthClient{
		baseURL:         strings.TrimRight(baseURL, "/"),
		store:           store,
		httpClient:      &http.Client{Jar: jar},
		baseTransport:   http.DefaultTransport,
		refreshEndpoint: DefaultRefreshEndpoint,
		singleFlight:    true,
		logger:          logrus.StandardLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.notifier == nil {
		c.notifier = NewEventBus()
	}

	// The refresh exchange shares the cookie jar but not the auth transport
	c.plainClient = &http.Client{
		Transport:     c.baseTransport,
		Jar:           c.httpClient.Jar,
		Timeout:       c.httpClient.Timeout,
		CheckRedirect: c.httpClient.CheckRedirect,
	}
	c.refresher = NewRefresher(store, c.plainClient, c.URL(c.refreshEndpoint))
	c.refresher.singleFlight = c.singleFlight
	c.refresher.logger = c.logger
	c.refresher.metrics = c.metrics

	c.httpClient.Transport = &refreshTransport{
		client: c,
		base:   c.baseTransport,
	}

	return c
}

// HTTPClient returns the underlying HTTP client with auth handling
func (c *AuthClient) HTTPClient() *http.Client {
	return c.httpClient
}

// PlainHTTPClient returns a client that shares the cookie jar but never
// attaches a token or refreshes. Use it for login and other anonymous calls,
// where a 401 means bad input rather than an expired session.
func (c *AuthClient) PlainHTTPClient() *http.Client {
	return c.plainClient
}

// BaseURL returns the API base URL
func (c *AuthClient) BaseURL() string {
	return c.baseURL
}

// Store returns the credential store
func (c *AuthClient) Store() CredentialStore {
	return c.store
}

// Refresher returns the refresh coordinator
func (c *AuthClient) Refresher() *Refresher {
	return c.refresher
}

// URL resolves path against the base URL. Absolute URLs are returned unchanged.
func (c *AuthClient) URL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

// IsAuthenticated is the cheap local check: an access token is stored.
// It cannot prove the server still accepts that token.
func (c *AuthClient) IsAuthenticated() bool {
	return c.store.IsAuthenticated()
}

// TokenSource exposes the stored access token as an oauth2.TokenSource.
// It never refreshes; refresh happens reactively on a 401.
func (c *AuthClient) TokenSource() oauth2.TokenSource {
	return storeTokenSource{store: c.store}
}

// Execute issues a request to url (absolute, or relative to the base URL)
func (c *AuthClient) Execute(ctx context.Context, url string, opts RequestOptions) (*http.Response, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if opts.Body != nil {
		body = bytes.NewReader(opts.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.URL(url), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, vs := range opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return c.Do(req)
}

// Do sends req through the authenticated transport
func (c *AuthClient) Do(req *http.Request) (*http.Response, error) {
	return c.httpClient.Do(req)
}

// RecoverSession is called after the server rejected sentToken. It returns the
// token to retry with, refreshing if needed. It returns ErrSessionExpired once
// the session is gone, and an error wrapping errNothingToRecover when there is
// no refresh token.
func (c *AuthClient) RecoverSession(ctx context.Context, sentToken string) (string, error) {
	cred, err := c.store.Get()
	if err != nil {
		return "", fmt.Errorf("failed to read credentials: %w", err)
	}

	if !cred.HasRefreshToken() {
		if sentToken != "" && cred.HasAccessToken() {
			c.expireSession(cred)
		}
		return "", errNothingToRecover
	}

	// Someone else refreshed while this request was in flight
	if cred.AccessToken != "" && cred.AccessToken != sentToken {
		return cred.AccessToken, nil
	}

	c.logger.Debug("access token rejected, refreshing")
	token, err := c.refresher.Refresh(ctx)
	if err == nil {
		return token, nil
	}

	if errors.Is(err, ErrRefreshRejected) || errors.Is(err, ErrNoRefreshToken) {
		c.expireSession(cred)
		return "", fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}
	return "", err
}

// IsUnrecoverable reports whether err from RecoverSession means there was no
// refresh token to try, so the original 401 stands.
func IsUnrecoverable(err error) bool {
	return errors.Is(err, errNothingToRecover)
}

// expireSession clears the store and broadcasts session-expired once per
// credential pair, so callers that shared a failed refresh emit one event.
func (c *AuthClient) expireSession(was *Credentials) {
	key := was.AccessToken + "\x00" + was.RefreshToken

	c.expireMu.Lock()
	if c.lastExpired == key {
		c.expireMu.Unlock()
		return
	}
	c.lastExpired = key
	c.expireMu.Unlock()

	if err := c.store.Clear(); err != nil {
		c.logger.WithError(err).Warn("failed to clear credentials")
	}
	c.logger.Info("session expired")
	c.metrics.observeSessionExpired()
	c.notifier.Notify(EventSessionExpired)
}

type storeTokenSource struct {
	store CredentialStore
}

func (s storeTokenSource) Token() (*oauth2.Token, error) {
	cred, err := s.store.Get()
	if err != nil {
		return nil, err
	}
	if !cred.HasAccessToken() {
		return nil, fmt.Errorf("not authenticated")
	}
	return cred.Token(), nil
}
