package quiztest

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type refreshToken struct {
	Token     string
	UserID    string
	Revoked   bool
	CreatedAt time.Time
	ExpiresAt time.Time
}

type resetToken struct {
	Token     string
	UserID    string
	Email     string
	ExpiresAt time.Time
}

// generateSecureToken returns a hex-encoded 32 byte random token
func generateSecureToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func mustSecureToken() string {
	t, err := generateSecureToken()
	if err != nil {
		panic(err)
	}
	return t
}

func (t *refreshToken) IsExpired() bool {
	return time.Now().After(t.ExpiresAt)
}

func (t *resetToken) IsExpired() bool {
	return time.Now().After(t.ExpiresAt)
}

// issuePairLocked mints an access token and stores a new refresh token.
// Caller must hold s.mu.
func (s *Server) issuePairLocked(userID string) (access, refresh string, err error) {
	access, err = s.mintAccessLocked(userID)
	if err != nil {
		return "", "", err
	}
	refresh, err = s.mintRefreshLocked(userID)
	if err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

func (s *Server) mintAccessLocked(userID string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"token_type": "access",
		"user_id":    userID,
		"gen":        s.generation,
		"jti":        uuid.NewString(),
		"iat":        now.Unix(),
		"exp":        now.Add(AccessTokenExpiry).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (s *Server) mintRefreshLocked(userID string) (string, error) {
	token, err := generateSecureToken()
	if err != nil {
		return "", err
	}
	now := time.Now()
	s.refreshTokens[token] = &refreshToken{
		Token:     token,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(RefreshTokenExpiry),
	}
	return token, nil
}

// validateAccess checks signature, expiry, type and generation and returns the user id
func (s *Server) validateAccess(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid claims")
	}
	if tokenType, _ := claims["token_type"].(string); tokenType != "access" {
		return "", fmt.Errorf("invalid token type")
	}

	gen, _ := claims["gen"].(float64)
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(gen) != s.generation {
		return "", fmt.Errorf("token expired")
	}

	userID, _ := claims["user_id"].(string)
	if _, ok := s.users[userID]; !ok {
		return "", fmt.Errorf("user not found")
	}
	return userID, nil
}
