package quiz

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/panyam/dogquiz/client"
)

// OAuthCallbackError is reported by the OAuth redirect through its error parameter
type OAuthCallbackError struct {
	Code string
}

// Codes the OAuth callback may carry
const (
	OAuthInvalidState  = "invalid_state"
	OAuthNoCode        = "no_code"
	OAuthNoEmail       = "no_email"
	OAuthFailed        = "oauth_failed"
	OAuthServerError   = "server_error"
	OAuthMissingTokens = "missing_tokens"
)

func (e *OAuthCallbackError) Error() string {
	switch e.Code {
	case OAuthInvalidState:
		return "login failed: invalid OAuth state"
	case OAuthNoCode:
		return "login failed: no authorization code received"
	case OAuthNoEmail:
		return "login failed: the provider did not share an email address"
	case OAuthFailed:
		return "login failed: OAuth exchange failed"
	case OAuthServerError:
		return "login failed: server error"
	case OAuthMissingTokens:
		return "login failed: callback carried no tokens"
	}
	return fmt.Sprintf("login failed: %s", e.Code)
}

// Login exchanges username (or email) and password for a token pair and stores it
func (c *Client) Login(ctx context.Context, username, password string) (*client.Credentials, error) {
	var pair TokenPair
	err := c.callAnonymous(ctx, http.MethodPost, "/login/", map[string]string{
		"username": username,
		"password": password,
	}, &pair)
	if err != nil {
		return nil, err
	}
	if pair.Access == "" {
		return nil, fmt.Errorf("login response carried no access token")
	}

	cred := &client.Credentials{AccessToken: pair.Access, RefreshToken: pair.Refresh}
	if err := c.auth.Store().Set(cred); err != nil {
		return nil, fmt.Errorf("failed to store credentials: %w", err)
	}
	c.logger.WithField("username", username).Debug("logged in")
	return cred, nil
}

// LoginWithCallback completes an OAuth login from the redirect URL the
// backend sent the browser to. Both tokens must be present.
func (c *Client) LoginWithCallback(callbackURL string) (*client.Credentials, error) {
	u, err := url.Parse(callbackURL)
	if err != nil {
		return nil, fmt.Errorf("invalid callback URL: %w", err)
	}
	q := u.Query()
	if code := q.Get("error"); code != "" {
		return nil, &OAuthCallbackError{Code: code}
	}

	cred := &client.Credentials{
		AccessToken:  q.Get("access_token"),
		RefreshToken: q.Get("refresh_token"),
	}
	if cred.AccessToken == "" || cred.RefreshToken == "" {
		return nil, &OAuthCallbackError{Code: OAuthMissingTokens}
	}
	if err := c.auth.Store().Set(cred); err != nil {
		return nil, fmt.Errorf("failed to store credentials: %w", err)
	}
	return cred, nil
}

// Register creates an account. It does not log in.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	var user User
	if err := c.callAnonymous(ctx, http.MethodPost, "/register/", req, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// Logout revokes the refresh token on the server and clears local credentials.
// Local credentials are cleared even when the server call fails; that failure
// is still returned. An expired access token is refreshed once for the server
// call, but a lost session is not broadcast as session-expired: the user is
// leaving anyway.
func (c *Client) Logout(ctx context.Context) error {
	store := c.auth.Store()
	cred, err := store.Get()
	if err != nil {
		return fmt.Errorf("failed to read credentials: %w", err)
	}

	var callErr error
	if cred.HasAccessToken() {
		callErr = c.revoke(ctx, cred)
		if callErr != nil {
			c.logger.WithError(callErr).Warn("server logout failed, clearing local credentials anyway")
		}
	}

	if err := store.Clear(); err != nil {
		return errors.Join(callErr, fmt.Errorf("failed to clear credentials: %w", err))
	}
	return callErr
}

func (c *Client) revoke(ctx context.Context, cred *client.Credentials) error {
	body := map[string]string{"refresh_token": cred.RefreshToken}
	err := c.callPlain(ctx, http.MethodPost, "/logout/", cred.AccessToken, body, nil)
	if !client.IsStatus(err, http.StatusUnauthorized) || !cred.HasRefreshToken() {
		return err
	}

	token, refreshErr := c.auth.Refresher().Refresh(ctx)
	if refreshErr != nil {
		c.logger.WithError(refreshErr).Debug("refresh before logout failed")
		return err
	}
	return c.callPlain(ctx, http.MethodPost, "/logout/", token, body, nil)
}

// Me returns the signed-in user's profile
func (c *Client) Me(ctx context.Context) (*UserInfo, error) {
	var info UserInfo
	if err := c.call(ctx, http.MethodGet, "/user/me/", c.langQuery(), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// UpdateMe applies a partial profile update
func (c *Client) UpdateMe(ctx context.Context, update UserUpdate) (*User, error) {
	var user User
	if err := c.call(ctx, http.MethodPatch, "/user/me/", c.langQuery(), update, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// CheckEmail reports whether email belongs to a registered account
func (c *Client) CheckEmail(ctx context.Context, email string) (bool, error) {
	err := c.callAnonymous(ctx, http.MethodPost, "/check-email/", map[string]string{"email": email}, nil)
	if client.IsStatus(err, http.StatusBadRequest) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RequestPasswordReset asks the server to mail a reset link. The server does
// not reveal whether the address is registered.
func (c *Client) RequestPasswordReset(ctx context.Context, email string) error {
	return c.callAnonymous(ctx, http.MethodPost, "/request-password-reset/", map[string]string{"email": email}, nil)
}

// ResetPassword sets a new password using the token from the reset link
func (c *Client) ResetPassword(ctx context.Context, token, password string) error {
	return c.callAnonymous(ctx, http.MethodPost, "/reset-password/", map[string]string{
		"token":    token,
		"password": password,
	}, nil)
}
