package socialhub

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	toml "github.com/pelletier/go-toml/v2"
)

// TokenStore holds the bearer token between calls.
type TokenStore interface {
	Token() string
	SetToken(token string) error
	Clear() error
}

// Credentials are the remember-me login details.
type Credentials struct {
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// CredentialStore optionally remembers login credentials.
type CredentialStore interface {
	Remembered() (Credentials, bool)
	Remember(creds Credentials) error
	Forget() error
}

// ============================================================================
// MemoryTokenStore
// ============================================================================

// MemoryTokenStore keeps the session in process memory.
type MemoryTokenStore struct {
	mu    sync.RWMutex
	token string
	creds *Credentials
}

// NewMemoryTokenStore returns a store seeded with token (may be empty).
func NewMemoryTokenStore(token string) *MemoryTokenStore {
	return &MemoryTokenStore{token: token}
}

func (s *MemoryTokenStore) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *MemoryTokenStore) SetToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	return nil
}

func (s *MemoryTokenStore) Clear() error {
	return s.SetToken("")
}

func (s *MemoryTokenStore) Remembered() (Credentials, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.creds == nil {
		return Credentials{}, false
	}
	return *s.creds, true
}

func (s *MemoryTokenStore) Remember(creds Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = &creds
	return nil
}

func (s *MemoryTokenStore) Forget() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = nil
	return nil
}

// ============================================================================
// FileTokenStore
// ============================================================================

type sessionFile struct {
	Token    string       `toml:"token"`
	Remember *Credentials `toml:"remember,omitempty"`
}

// FileTokenStore persists the session as TOML with owner-only permissions.
// Every mutation rewrites the file.
type FileTokenStore struct {
	path string
	mu   sync.Mutex
	data sessionFile
}

// OpenFileTokenStore loads path, treating a missing file as an empty session.
func OpenFileTokenStore(path string) (*FileTokenStore, error) {
	s := &FileTokenStore{path: path}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("cannot read session: %w", err)
	}
	if err := toml.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("cannot parse session: %w", err)
	}
	return s, nil
}

// Path returns the backing file.
func (s *FileTokenStore) Path() string {
	return s.path
}

func (s *FileTokenStore) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Token
}

func (s *FileTokenStore) SetToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Token = token
	return s.save()
}

func (s *FileTokenStore) Clear() error {
	return s.SetToken("")
}

func (s *FileTokenStore) Remembered() (Credentials, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.Remember == nil {
		return Credentials{}, false
	}
	return *s.data.Remember, true
}

func (s *FileTokenStore) Remember(creds Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Remember = &creds
	return s.save()
}

func (s *FileTokenStore) Forget() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Remember = nil
	return s.save()
}

// save must be called with mu held.
func (s *FileTokenStore) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("cannot create session directory: %w", err)
	}
	raw, err := toml.Marshal(s.data)
	if err != nil {
		return fmt.Errorf("cannot marshal session: %w", err)
	}
	if err := os.WriteFile(s.path, raw, 0o600); err != nil {
		return fmt.Errorf("cannot write session: %w", err)
	}
	return nil
}
