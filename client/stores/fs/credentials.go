// Package fs provides a file system-based credential store for the dogquiz client.
package fs

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/panyam/dogquiz/client"
)

// FSCredentialStore keeps one credential pair per API server in a JSON file.
// Every write is flushed to disk immediately, so the pair survives restarts.
type FSCredentialStore struct {
	mu       sync.RWMutex
	path     string
	server   string
	servers  map[string]*client.Credentials
	returnTo map[string]string
}

// credentialFile is the JSON structure stored on disk
type credentialFile struct {
	Servers  map[string]*client.Credentials `json:"servers"`
	ReturnTo map[string]string              `json:"return_to,omitempty"`
}

// NewFSCredentialStore opens the store for serverURL.
// If path is empty, defaults to ~/.config/<appName>/credentials.json
func NewFSCredentialStore(path, appName, serverURL string) (*FSCredentialStore, error) {
	if path == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("could not determine config directory: %w", err)
			}
			configDir = filepath.Join(home, ".config")
		}
		if appName == "" {
			appName = "dogquiz"
		}
		path = filepath.Join(configDir, appName, "credentials.json")
	}

	key, err := normalizeURL(serverURL)
	if err != nil {
		return nil, err
	}

	store := &FSCredentialStore{
		path:     path,
		server:   key,
		servers:  make(map[string]*client.Credentials),
		returnTo: make(map[string]string),
	}

	// Load existing credentials if file exists
	if err := store.load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	return store, nil
}

// load reads credentials from disk
func (s *FSCredentialStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	var file credentialFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse credentials file: %w", err)
	}

	s.servers = file.Servers
	if s.servers == nil {
		s.servers = make(map[string]*client.Credentials)
	}
	s.returnTo = file.ReturnTo
	if s.returnTo == nil {
		s.returnTo = make(map[string]string)
	}

	return nil
}

// normalizeURL normalizes a server URL for use as a key
func normalizeURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}

	if u.Scheme == "" {
		u.Scheme = "https"
	}

	return fmt.Sprintf("%s://%s", u.Scheme, u.Host), nil
}

// Get retrieves the credential pair for this store's server
func (s *FSCredentialStore) Get() (*client.Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.servers[s.server]
	if !ok || cred == nil {
		return nil, nil
	}
	c := *cred
	return &c, nil
}

// Set stores the credential pair and persists it
func (s *FSCredentialStore) Set(cred *client.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cred == nil {
		delete(s.servers, s.server)
	} else {
		c := *cred
		s.servers[s.server] = &c
	}
	return s.saveLocked()
}

// SetAccessToken replaces the access token and persists it
func (s *FSCredentialStore) SetAccessToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.servers[s.server]
	if !ok || cred == nil {
		cred = &client.Credentials{}
		s.servers[s.server] = cred
	}
	cred.AccessToken = token
	return s.saveLocked()
}

// Clear removes the credential pair and persists the removal
func (s *FSCredentialStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.servers[s.server]; !ok {
		return nil
	}
	delete(s.servers, s.server)
	return s.saveLocked()
}

// IsAuthenticated reports whether an access token is stored for this server
func (s *FSCredentialStore) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.servers[s.server].HasAccessToken()
}

// ReturnTo returns the saved destination for this server
func (s *FSCredentialStore) ReturnTo() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.returnTo[s.server], nil
}

// SetReturnTo saves dest for this server and persists it
func (s *FSCredentialStore) SetReturnTo(dest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.returnTo[s.server] == dest {
		return nil
	}
	if dest == "" {
		delete(s.returnTo, s.server)
	} else {
		s.returnTo[s.server] = dest
	}
	return s.saveLocked()
}

// ListServers returns all server URLs with stored credentials
func (s *FSCredentialStore) ListServers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	servers := make([]string, 0, len(s.servers))
	for k := range s.servers {
		servers = append(servers, k)
	}
	return servers
}

// saveLocked writes the whole file through a temp file and rename, so a
// reader never sees a partial write. Caller must hold s.mu.
func (s *FSCredentialStore) saveLocked() error {
	// Ensure directory exists with restricted permissions
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file := credentialFile{Servers: s.servers, ReturnTo: s.returnTo}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize credentials: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".credentials-*")
	if err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	// CreateTemp already uses 0600 (owner read/write only)
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	return nil
}

// Path returns the path to the credentials file
func (s *FSCredentialStore) Path() string {
	return s.path
}
