package client

import (
	"errors"
	"fmt"
	"io"
	"net/http"
)

var (
	// ErrSessionExpired means the session could not be recovered by a refresh.
	// The credential store has been cleared by the time this is returned.
	ErrSessionExpired = errors.New("session expired")

	// ErrNoRefreshToken means a refresh was requested with no refresh token stored
	ErrNoRefreshToken = errors.New("no refresh token")

	// ErrRefreshRejected means the server refused the refresh exchange
	ErrRefreshRejected = errors.New("refresh rejected")
)

// maxErrorBody caps how much of an error response body is kept
const maxErrorBody = 64 << 10

// NetworkError is a transport failure where no response was received
type NetworkError struct {
	Method string
	URL    string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network failure on %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPError is a non-2xx response that the refresh flow did not handle
type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	if len(e.Body) > 0 {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// RefreshError is returned when the refresh endpoint answers with a non-2xx status
type RefreshError struct {
	StatusCode int
	Body       []byte
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refresh rejected: HTTP %d", e.StatusCode)
}

func (e *RefreshError) Unwrap() error { return ErrRefreshRejected }

// CheckResponse returns nil for a 2xx response. For anything else it reads and
// closes the body and returns an *HTTPError.
func CheckResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &HTTPError{StatusCode: resp.StatusCode, Body: body}
}

// IsStatus reports whether err is an *HTTPError with the given status
func IsStatus(err error, status int) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.StatusCode == status
}
