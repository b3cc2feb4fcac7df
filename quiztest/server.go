// Package quiztest provides an in-process fake of the dog quiz backend.
//
// The server speaks the same JSON contract as the real API under /api: JWT
// access tokens, opaque refresh tokens, guest games bound to a cookie session,
// and the account endpoints. Knobs let tests force token expiry, refresh
// rejection and logout failure, and hit counters record how often each path
// was called.
package quiztest

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// APIPrefix is the path every endpoint is mounted under
const APIPrefix = "/api"

// TotalRounds is the number of rounds in every game
const TotalRounds = 3

// Default token lifetimes
const (
	AccessTokenExpiry  = 5 * time.Minute
	RefreshTokenExpiry = 24 * time.Hour
	ResetTokenExpiry   = 1 * time.Hour
)

// Server is a fake backend. Create it with New or NewUnstarted.
type Server struct {
	*httptest.Server

	Logger logrus.FieldLogger

	mu            sync.Mutex
	secret        []byte
	generation    int
	users         map[string]*user
	refreshTokens map[string]*refreshToken
	resetTokens   map[string]*resetToken
	games         map[string]*game
	questions     map[string]*question
	breedStats    map[string]*breedStat
	totalGames    int
	totalRounds   int
	totalCorrect  int
	hits          map[string]int
	rejectRefresh bool
	rotateRefresh bool
	failLogout    bool

	sessions *scs.SessionManager
}

// New starts a fake backend on a loopback port
func New() *Server {
	s := NewUnstarted()
	s.Start()
	return s
}

// NewUnstarted builds the server without starting it, so callers can adjust
// the listener or TLS config first.
func NewUnstarted() *Server {
	s := &Server{
		Logger:        logrus.StandardLogger(),
		secret:        []byte(mustSecureToken()),
		users:         make(map[string]*user),
		refreshTokens: make(map[string]*refreshToken),
		resetTokens:   make(map[string]*resetToken),
		games:         make(map[string]*game),
		questions:     make(map[string]*question),
		breedStats:    make(map[string]*breedStat),
		hits:          make(map[string]int),
	}

	s.sessions = scs.New()
	s.sessions.Lifetime = RefreshTokenExpiry
	s.sessions.Cookie.Name = "quiz_session"
	s.sessions.Cookie.HttpOnly = true
	s.sessions.Cookie.SameSite = http.SameSiteLaxMode

	s.Server = httptest.NewUnstartedServer(s.sessions.LoadAndSave(s.routes()))
	return s
}

// APIURL is the base URL clients should be pointed at
func (s *Server) APIURL() string {
	return s.URL + APIPrefix
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	api := r.PathPrefix(APIPrefix).Subrouter()
	api.Use(s.countHits)

	api.HandleFunc("/login/", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/register/", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/token/refresh/", s.handleRefresh).Methods(http.MethodPost)
	api.Handle("/logout/", s.requireUser(http.HandlerFunc(s.handleLogout))).Methods(http.MethodPost)

	api.Handle("/user/me/", s.requireUser(http.HandlerFunc(s.handleMe))).Methods(http.MethodGet)
	api.Handle("/user/me/", s.requireUser(http.HandlerFunc(s.handleUpdateMe))).Methods(http.MethodPatch)
	api.HandleFunc("/check-email/", s.handleCheckEmail).Methods(http.MethodPost)
	api.HandleFunc("/request-password-reset/", s.handlePasswordReset).Methods(http.MethodPost)
	api.HandleFunc("/reset-password/", s.handlePasswordResetConfirm).Methods(http.MethodPost)

	api.Handle("/start-game/", s.optionalUser(http.HandlerFunc(s.handleStartGame))).Methods(http.MethodPost)
	api.Handle("/question/", s.optionalUser(http.HandlerFunc(s.handleQuestion))).Methods(http.MethodPost)
	api.Handle("/answer/", s.optionalUser(http.HandlerFunc(s.handleAnswer))).Methods(http.MethodPost)
	api.Handle("/end-game/", s.optionalUser(http.HandlerFunc(s.handleEndGame))).Methods(http.MethodPost)
	api.Handle("/terminate-game/", s.optionalUser(http.HandlerFunc(s.handleTerminateGame))).Methods(http.MethodPost)
	api.HandleFunc("/global-stats/", s.handleGlobalStats).Methods(http.MethodGet)

	return r
}

func (s *Server) countHits(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path[len(APIPrefix):]
		s.mu.Lock()
		s.hits[path]++
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

// Hits returns how many requests reached path (relative to /api, e.g. "/token/refresh/")
func (s *Server) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

// ResetHits zeroes all hit counters
func (s *Server) ResetHits() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits = make(map[string]int)
}

// ExpireAccessTokens makes every access token issued so far fail with 401.
// Refresh tokens stay valid.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
}

// RejectRefresh makes the refresh endpoint answer 401
func (s *Server) RejectRefresh(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectRefresh = reject
}

// RotateRefreshTokens makes refresh responses carry a new refresh token.
// The old one stays valid.
func (s *Server) RotateRefreshTokens(rotate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotateRefresh = rotate
}

// FailLogout makes the logout endpoint answer 500
func (s *Server) FailLogout(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failLogout = fail
}
