// Package session tracks whether the user is signed in, as the rest of the
// application sees it. The state is a projection of the credential store,
// updated by explicit login/logout and by the session-expired event.
package session

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/panyam/dogquiz/client"
)

// State is the derived authentication state
type State int

const (
	Unauthenticated State = iota
	Authenticated
)

func (s State) String() string {
	if s == Authenticated {
		return "authenticated"
	}
	return "unauthenticated"
}

// DefaultReturnTo is where a user lands after login when nothing was saved
const DefaultReturnTo = "/"

// Subscriber is the subscribing side of the event bus
type Subscriber interface {
	Subscribe(event client.Event, h client.Handler) (unsubscribe func())
}

// LoginRequiredError is returned by Require when the user must sign in first.
// From is the destination to return to afterwards.
type LoginRequiredError struct {
	From string
}

func (e *LoginRequiredError) Error() string {
	return fmt.Sprintf("login required to access %s", e.From)
}

// Session is the application-wide view of the login state.
// Call Start once the application is up and Close on teardown.
type Session struct {
	mu          sync.Mutex
	store       client.CredentialStore
	bus         Subscriber
	state       State
	returnTo    string
	unsubscribe func()
	listeners   map[int]func(State)
	nextID      int
	logger      logrus.FieldLogger
}

type Option func(*Session)

func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// New derives the initial state from the store. When the store also
// implements client.ReturnToStore, the destination kept by Require outlives
// the process.
func New(store client.CredentialStore, bus Subscriber, opts ...Option) *Session {
	s := &Session{
		store:     store,
		bus:       bus,
		listeners: make(map[int]func(State)),
		logger:    logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if store.IsAuthenticated() {
		s.state = Authenticated
	}
	return s
}

// Start subscribes to session-expired. Calling it twice has no extra effect.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsubscribe != nil {
		return
	}
	s.unsubscribe = s.bus.Subscribe(client.EventSessionExpired, func(client.Event) {
		s.setState(Unauthenticated)
	})
}

// Close unsubscribes from the bus. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	unsub := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// Login stores the pair and marks the session authenticated
func (s *Session) Login(cred *client.Credentials) error {
	if !cred.HasAccessToken() {
		return fmt.Errorf("login requires an access token")
	}
	if err := s.store.Set(cred); err != nil {
		return fmt.Errorf("failed to store credentials: %w", err)
	}
	s.setState(Authenticated)
	return nil
}

// Logout clears local credentials. The state flips even if clearing fails,
// and the error is still returned.
func (s *Session) Logout() error {
	err := s.store.Clear()
	s.setState(Unauthenticated)
	if err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}
	return nil
}

// Sync re-derives the state from the store, for callers that changed the
// store directly.
func (s *Session) Sync() State {
	next := Unauthenticated
	if s.store.IsAuthenticated() {
		next = Authenticated
	}
	s.setState(next)
	return next
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) IsAuthenticated() bool {
	return s.State() == Authenticated
}

// OnChange registers fn to run on every state transition
func (s *Session) OnChange(fn func(State)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// Require guards a protected destination. When unauthenticated it remembers
// dest and returns a *LoginRequiredError.
func (s *Session) Require(dest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Authenticated {
		return nil
	}
	s.returnTo = dest
	if rs, ok := s.store.(client.ReturnToStore); ok {
		if err := rs.SetReturnTo(dest); err != nil {
			s.logger.WithError(err).Warn("failed to save return destination")
		}
	}
	return &LoginRequiredError{From: dest}
}

// TakeReturnTo returns the remembered destination and forgets it
func (s *Session) TakeReturnTo() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	dest := s.returnTo
	s.returnTo = ""
	if rs, ok := s.store.(client.ReturnToStore); ok {
		saved, err := rs.ReturnTo()
		if err != nil {
			s.logger.WithError(err).Warn("failed to read return destination")
		} else if dest == "" {
			dest = saved
		}
		if saved != "" {
			if err := rs.SetReturnTo(""); err != nil {
				s.logger.WithError(err).Warn("failed to forget return destination")
			}
		}
	}
	if dest == "" {
		return DefaultReturnTo
	}
	return dest
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	if s.state == next {
		s.mu.Unlock()
		return
	}
	s.state = next
	listeners := make([]func(State), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(next)
	}
}
