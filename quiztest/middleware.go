package quiztest

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey string

const contextKeyUserID contextKey = "quiztest_user_id"

func userIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(contextKeyUserID).(string); ok {
		return v
	}
	return ""
}

// bearerToken extracts the token from the Authorization header
func bearerToken(r *http.Request) (token string, present bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", true
	}
	return strings.TrimSpace(parts[1]), true
}

// requireUser rejects requests without a valid access token
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, present := bearerToken(r)
		if !present {
			s.unauthorized(w, "Authentication credentials were not provided.")
			return
		}
		userID, err := s.validateAccess(token)
		if err != nil {
			s.Logger.WithError(err).Debug("rejected access token")
			s.unauthorized(w, "Given token not valid for any token type")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKeyUserID, userID)))
	})
}

// optionalUser lets anonymous requests through, but a token that is sent
// must be valid.
func (s *Server) optionalUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, present := bearerToken(r)
		if !present {
			next.ServeHTTP(w, r)
			return
		}
		userID, err := s.validateAccess(token)
		if err != nil {
			s.Logger.WithError(err).Debug("rejected access token")
			s.unauthorized(w, "Given token not valid for any token type")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKeyUserID, userID)))
	})
}

func (s *Server) unauthorized(w http.ResponseWriter, detail string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
	writeJSON(w, http.StatusUnauthorized, map[string]string{
		"detail": detail,
		"code":   "token_not_valid",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func errorJSON(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) bool {
	return json.NewDecoder(r.Body).Decode(v) == nil
}
