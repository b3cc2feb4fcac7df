package quiztest

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLength applies to registration and password reset
const MinPasswordLength = 8

type user struct {
	ID           string
	Username     string
	Email        string
	FirstName    string
	PasswordHash []byte
	DateJoined   time.Time
}

type userJSON struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
}

type userInfoJSON struct {
	userJSON
	DateJoined  time.Time `json:"date_joined"`
	GamesPlayed int       `json:"games_played"`
	BestScore   int       `json:"best_score"`
}

func (u *user) toJSON() userJSON {
	return userJSON{ID: u.ID, Username: u.Username, Email: u.Email, FirstName: u.FirstName}
}

// AddUser registers a user directly and returns its id
func (s *Server) AddUser(username, email, password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findUserLocked(username) != nil {
		return "", fmt.Errorf("username %q already exists", username)
	}
	if email == "" {
		email = username
	}
	u := &user{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		DateJoined:   time.Now(),
	}
	s.users[u.ID] = u
	return u.ID, nil
}

// ResetTokenFor returns the most recent password reset token sent to email
func (s *Server) ResetTokenFor(email string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *resetToken
	for _, t := range s.resetTokens {
		if strings.EqualFold(t.Email, email) && (latest == nil || t.ExpiresAt.After(latest.ExpiresAt)) {
			latest = t
		}
	}
	if latest == nil {
		return ""
	}
	return latest.Token
}

// RefreshTokenRevoked reports whether the refresh token was revoked by a logout
func (s *Server) RefreshTokenRevoked(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.refreshTokens[token]
	return ok && rt.Revoked
}

// findUserLocked matches a username or an email address
func (s *Server) findUserLocked(login string) *user {
	for _, u := range s.users {
		if u.Username == login || strings.EqualFold(u.Email, login) {
			return u
		}
	}
	return nil
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !decodeJSON(r, &req) || req.Username == "" || req.Password == "" {
		errorJSON(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	s.mu.Lock()
	u := s.findUserLocked(req.Username)
	s.mu.Unlock()
	if u == nil || bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(req.Password)) != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"detail": "No active account found with the given credentials",
		})
		return
	}

	s.mu.Lock()
	access, refresh, err := s.issuePairLocked(u.ID)
	s.mu.Unlock()
	if err != nil {
		s.Logger.WithError(err).Error("failed to issue tokens")
		errorJSON(w, http.StatusInternalServerError, "Failed to create session")
		return
	}

	s.Logger.WithField("user_id", u.ID).Debug("user logged in")
	writeJSON(w, http.StatusOK, map[string]string{"access": access, "refresh": refresh})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeJSON(r, &req) || req.Username == "" {
		errorJSON(w, http.StatusBadRequest, "Username is required")
		return
	}
	if len(req.Password) < MinPasswordLength {
		errorJSON(w, http.StatusBadRequest, fmt.Sprintf("Password must be at least %d characters", MinPasswordLength))
		return
	}

	id, err := s.AddUser(req.Username, req.Email, req.Password)
	if err != nil {
		errorJSON(w, http.StatusBadRequest, "A user with that username already exists")
		return
	}

	s.mu.Lock()
	u := s.users[id]
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, u.toJSON())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Refresh string `json:"refresh"`
	}
	if !decodeJSON(r, &req) || req.Refresh == "" {
		errorJSON(w, http.StatusBadRequest, "Refresh token required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.refreshTokens[req.Refresh]
	if s.rejectRefresh || !ok || rt.Revoked || rt.IsExpired() {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"detail": "Token is invalid or expired",
			"code":   "token_not_valid",
		})
		return
	}

	access, err := s.mintAccessLocked(rt.UserID)
	if err != nil {
		errorJSON(w, http.StatusInternalServerError, "Failed to create token")
		return
	}
	resp := map[string]string{"access": access}
	if s.rotateRefresh {
		rotated, err := s.mintRefreshLocked(rt.UserID)
		if err != nil {
			errorJSON(w, http.StatusInternalServerError, "Failed to create token")
			return
		}
		resp["refresh"] = rotated
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	fail := s.failLogout
	s.mu.Unlock()
	if fail {
		errorJSON(w, http.StatusInternalServerError, "Logout failed")
		return
	}

	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	decodeJSON(r, &req)

	if req.RefreshToken != "" {
		s.mu.Lock()
		rt, ok := s.refreshTokens[req.RefreshToken]
		if ok {
			rt.Revoked = true
		}
		s.mu.Unlock()
		if !ok {
			errorJSON(w, http.StatusBadRequest, "Invalid token")
			return
		}
	}

	if err := s.sessions.Destroy(r.Context()); err != nil {
		s.Logger.WithError(err).Warn("failed to destroy cookie session")
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Successfully logged out"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())

	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[userID]
	info := userInfoJSON{userJSON: u.toJSON(), DateJoined: u.DateJoined}
	for _, g := range s.games {
		if g.UserID == userID && g.EndedAt != nil {
			info.GamesPlayed++
			if g.Score > info.BestScore {
				info.BestScore = g.Score
			}
		}
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username  *string `json:"username"`
		Email     *string `json:"email"`
		FirstName *string `json:"first_name"`
		Password  *string `json:"password"`
	}
	if !decodeJSON(r, &req) {
		errorJSON(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var hash []byte
	if req.Password != nil {
		if len(*req.Password) < MinPasswordLength {
			errorJSON(w, http.StatusBadRequest, fmt.Sprintf("Password must be at least %d characters", MinPasswordLength))
			return
		}
		var err error
		if hash, err = bcrypt.GenerateFromPassword([]byte(*req.Password), bcrypt.MinCost); err != nil {
			errorJSON(w, http.StatusInternalServerError, "Failed to update password")
			return
		}
	}

	userID := userIDFromContext(r.Context())
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[userID]

	if req.Username != nil && *req.Username != u.Username {
		if *req.Username == "" || s.findUserLocked(*req.Username) != nil {
			errorJSON(w, http.StatusBadRequest, "A user with that username already exists")
			return
		}
		u.Username = *req.Username
	}
	if req.Email != nil {
		u.Email = *req.Email
	}
	if req.FirstName != nil {
		u.FirstName = *req.FirstName
	}
	if hash != nil {
		u.PasswordHash = hash
	}
	writeJSON(w, http.StatusOK, u.toJSON())
}

func (s *Server) handleCheckEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !decodeJSON(r, &req) || req.Email == "" {
		errorJSON(w, http.StatusBadRequest, "Email is required")
		return
	}

	s.mu.Lock()
	u := s.findUserLocked(req.Email)
	s.mu.Unlock()
	if u == nil {
		errorJSON(w, http.StatusBadRequest, "Email not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Email found", "email": req.Email})
}

func (s *Server) handlePasswordReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !decodeJSON(r, &req) || req.Email == "" {
		errorJSON(w, http.StatusBadRequest, "Email is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Do not reveal whether the address is registered
	if u := s.findUserLocked(req.Email); u != nil {
		token, err := generateSecureToken()
		if err != nil {
			errorJSON(w, http.StatusInternalServerError, "Failed to create reset token")
			return
		}
		s.resetTokens[token] = &resetToken{
			Token:     token,
			UserID:    u.ID,
			Email:     u.Email,
			ExpiresAt: time.Now().Add(ResetTokenExpiry),
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "If the email is registered, a reset link has been sent"})
}

func (s *Server) handlePasswordResetConfirm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if !decodeJSON(r, &req) || req.Token == "" {
		errorJSON(w, http.StatusBadRequest, "Token is required")
		return
	}
	if len(req.Password) < MinPasswordLength {
		errorJSON(w, http.StatusBadRequest, fmt.Sprintf("Password must be at least %d characters", MinPasswordLength))
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.MinCost)
	if err != nil {
		errorJSON(w, http.StatusInternalServerError, "Failed to update password")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.resetTokens[req.Token]
	if !ok || rt.IsExpired() {
		errorJSON(w, http.StatusBadRequest, "Invalid or expired token")
		return
	}
	delete(s.resetTokens, req.Token)

	u, ok := s.users[rt.UserID]
	if !ok {
		errorJSON(w, http.StatusBadRequest, "Invalid or expired token")
		return
	}
	u.PasswordHash = hash

	// A reset signs the user out everywhere
	for _, t := range s.refreshTokens {
		if t.UserID == u.ID {
			t.Revoked = true
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Password has been reset"})
}
