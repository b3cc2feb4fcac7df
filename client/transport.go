package client

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// refreshTransport is an http.RoundTripper that adds auth and handles refresh
type refreshTransport struct {
	client *AuthClient
	base   http.RoundTripper
}

func (t *refreshTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	c := t.client

	getBody, err := replayableBody(req)
	if err != nil {
		return nil, err
	}

	token := ""
	if cred, err := c.store.Get(); err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	} else if cred.HasAccessToken() {
		token = cred.AccessToken
	}

	resp, err := t.send(req, token, getBody)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	newToken, err := c.RecoverSession(req.Context(), token)
	if IsUnrecoverable(err) {
		// Without a refresh token the 401 is the answer. If a session was
		// attached, RecoverSession has already cleared it and broadcast
		// session-expired; callers that need an error see the 401 status.
		return resp, nil
	}
	discard(resp)
	if err != nil {
		return nil, err
	}

	c.metrics.observeRetry()
	return t.send(req, newToken, getBody)
}

// send clones req, attaches the bearer token and a fresh body, and issues it
func (t *refreshTransport) send(req *http.Request, token string, getBody func() (io.ReadCloser, error)) (*http.Response, error) {
	out := req.Clone(req.Context())
	if getBody != nil {
		body, err := getBody()
		if err != nil {
			return nil, fmt.Errorf("failed to rewind request body: %w", err)
		}
		out.Body = body
	}
	if token != "" {
		out.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := t.base.RoundTrip(out)
	if err != nil {
		return nil, &NetworkError{Method: req.Method, URL: req.URL.Redacted(), Err: err}
	}
	t.client.metrics.observeResponse(resp.StatusCode)
	return resp, nil
}

// replayableBody returns a function producing a fresh copy of req's body, or
// nil when the request has none. Bodies without GetBody are buffered.
func replayableBody(req *http.Request) (func() (io.ReadCloser, error), error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	if req.GetBody != nil {
		req.Body.Close()
		return req.GetBody, nil
	}

	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to buffer request body: %w", err)
	}
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}, nil
}

// discard drains and closes resp so the connection can be reused
func discard(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
}
