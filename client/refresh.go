package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// RefreshRequest is the body sent to the refresh endpoint
type RefreshRequest struct {
	Refresh string `json:"refresh"`
}

// RefreshResponse is the body returned by the refresh endpoint.
// A rotated refresh token, if the server sends one, is ignored.
type RefreshResponse struct {
	Access string `json:"access"`
}

// Refresher exchanges the stored refresh token for a new access token.
// A rejected exchange is terminal: the store is cleared and the caller
// must not try again with the same credentials.
type Refresher struct {
	store        CredentialStore
	httpClient   *http.Client
	endpoint     string
	singleFlight bool
	group        singleflight.Group
	logger       logrus.FieldLogger
	metrics      *Metrics
}

// NewRefresher creates a refresher posting to endpoint (a full URL).
// httpClient must not carry the authenticated transport.
func NewRefresher(store CredentialStore, httpClient *http.Client, endpoint string) *Refresher {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Refresher{
		store:        store,
		httpClient:   httpClient,
		endpoint:     endpoint,
		singleFlight: true,
		logger:       logrus.StandardLogger(),
	}
}

// Refresh returns a fresh access token, already written to the store.
// With single-flight enabled, concurrent callers share one exchange.
func (r *Refresher) Refresh(ctx context.Context) (string, error) {
	if !r.singleFlight {
		return r.refresh(ctx)
	}

	// The shared exchange must not be cut short because one waiter gave up.
	ch := r.group.DoChan("refresh", func() (any, error) {
		return r.refresh(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (r *Refresher) refresh(ctx context.Context) (string, error) {
	cred, err := r.store.Get()
	if err != nil {
		return "", fmt.Errorf("failed to read credentials: %w", err)
	}
	if !cred.HasRefreshToken() {
		return "", ErrNoRefreshToken
	}

	jsonBody, err := json.Marshal(RefreshRequest{Refresh: cred.RefreshToken})
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("failed to build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.metrics.observeRefresh("error")
		return "", &NetworkError{Method: req.Method, URL: r.endpoint, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		r.metrics.observeRefresh("error")
		return "", &NetworkError{Method: req.Method, URL: r.endpoint, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		r.metrics.observeRefresh("rejected")
		r.logger.WithField("status", resp.StatusCode).Info("refresh token rejected, clearing credentials")
		if err := r.store.Clear(); err != nil {
			r.logger.WithError(err).Warn("failed to clear credentials")
		}
		return "", &RefreshError{StatusCode: resp.StatusCode, Body: body}
	}

	var refreshResp RefreshResponse
	if err := json.Unmarshal(body, &refreshResp); err != nil || refreshResp.Access == "" {
		r.metrics.observeRefresh("rejected")
		if err := r.store.Clear(); err != nil {
			r.logger.WithError(err).Warn("failed to clear credentials")
		}
		return "", &RefreshError{StatusCode: resp.StatusCode, Body: body}
	}

	if err := r.store.SetAccessToken(refreshResp.Access); err != nil {
		r.metrics.observeRefresh("error")
		return "", fmt.Errorf("failed to store refreshed access token: %w", err)
	}

	r.metrics.observeRefresh("ok")
	r.logger.Debug("access token refreshed")
	return refreshResp.Access, nil
}
