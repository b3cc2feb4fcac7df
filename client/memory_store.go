package client

import "sync"

// MemoryStore is a CredentialStore that lives only as long as the process.
type MemoryStore struct {
	mu       sync.RWMutex
	cred     *Credentials
	returnTo string
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Get() (*Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cred == nil {
		return nil, nil
	}
	c := *s.cred
	return &c, nil
}

func (s *MemoryStore) Set(cred *Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cred == nil {
		s.cred = nil
		return nil
	}
	c := *cred
	s.cred = &c
	return nil
}

func (s *MemoryStore) SetAccessToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred == nil {
		s.cred = &Credentials{}
	}
	s.cred.AccessToken = token
	return nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = nil
	return nil
}

func (s *MemoryStore) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred.HasAccessToken()
}

func (s *MemoryStore) ReturnTo() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.returnTo, nil
}

func (s *MemoryStore) SetReturnTo(dest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.returnTo = dest
	return nil
}
