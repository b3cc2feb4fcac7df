// Package quiz is the client for the dog breed quiz API: accounts, games and
// global statistics. Calls that need a session go through client.AuthClient,
// so an expired access token is refreshed transparently.
package quiz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/panyam/dogquiz/client"
)

// Client talks to the quiz API rooted at the AuthClient's base URL
type Client struct {
	auth   *client.AuthClient
	lang   string
	logger logrus.FieldLogger
}

// Option configures a Client
type Option func(*Client)

// WithLanguage sets the preferred language ("en", "zh", or any locale such as
// "zh_TW.UTF-8"). An empty preference falls back to the environment.
func WithLanguage(pref string) Option {
	return func(c *Client) {
		c.lang = MatchLanguage(pref)
	}
}

// WithLogger sets the logger
func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a quiz client over auth
func New(auth *client.AuthClient, opts ...Option) *Client {
	c := &Client{
		auth:   auth,
		logger: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.lang == "" {
		c.lang = DetectLanguage()
	}
	return c
}

// Auth returns the underlying authenticated client
func (c *Client) Auth() *client.AuthClient {
	return c.auth
}

// Language returns the language code sent as ?lang=
func (c *Client) Language() string {
	return c.lang
}

func (c *Client) langQuery() url.Values {
	return url.Values{"lang": {c.lang}}
}

// call sends a JSON request through the authenticated client and decodes the
// JSON response into out (if non-nil). Non-2xx responses become *client.HTTPError.
func (c *Client) call(ctx context.Context, method, path string, query url.Values, in, out any) error {
	header, body, err := encodeRequest(in)
	if err != nil {
		return err
	}
	hadSession := c.auth.IsAuthenticated()
	resp, err := c.auth.Execute(ctx, withQuery(path, query), client.RequestOptions{
		Method: method,
		Header: header,
		Body:   body,
	})
	if err != nil {
		return err
	}
	err = decodeResponse(resp, path, out)
	// A 401 that cost us the session (no refresh token to recover with)
	if client.IsStatus(err, http.StatusUnauthorized) && hadSession && !c.auth.IsAuthenticated() {
		return fmt.Errorf("%w: %w", client.ErrSessionExpired, err)
	}
	return err
}

// callAnonymous is call without bearer token or refresh handling
func (c *Client) callAnonymous(ctx context.Context, method, path string, in, out any) error {
	return c.callPlain(ctx, method, path, "", in, out)
}

// callPlain sends one request through the plain client, with token as the
// bearer when non-empty. A 401 is returned as an error, never recovered.
func (c *Client) callPlain(ctx context.Context, method, path, token string, in, out any) error {
	header, body, err := encodeRequest(in)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	target := c.auth.URL(path)
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header = header
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.auth.PlainHTTPClient().Do(req)
	if err != nil {
		return &client.NetworkError{Method: method, URL: target, Err: err}
	}
	return decodeResponse(resp, path, out)
}

func encodeRequest(in any) (http.Header, []byte, error) {
	header := http.Header{}
	header.Set("Accept", "application/json")
	if in == nil {
		return header, nil, nil
	}
	body, err := json.Marshal(in)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode request: %w", err)
	}
	header.Set("Content-Type", "application/json")
	return header, body, nil
}

func decodeResponse(resp *http.Response, path string, out any) error {
	if err := client.CheckResponse(resp); err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

func withQuery(path string, query url.Values) string {
	if len(query) == 0 {
		return path
	}
	return path + "?" + query.Encode()
}
