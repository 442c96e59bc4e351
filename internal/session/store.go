// Package session owns the single persisted session token. TokenStore
// is raw storage plus decoding and carries no policy: it never clears
// itself on a bad token, that is left to the guard.
package session

import (
	"fmt"
	"log/slog"
	"sync"

	apperrors "github.com/alexjbarnes/portal-session/internal/errors"
)

// Backend is the durable slot a TokenStore writes through to. Load
// reports ok=false when nothing is stored.
type Backend interface {
	Load() (token string, ok bool, err error)
	Save(token string) error
	Delete() error
}

// TokenStore is the single source of truth for the current token.
// Writes are last-writer-wins and readers always see a whole value.
type TokenStore struct {
	mu      sync.RWMutex
	backend Backend
	decoder *Decoder
	logger  *slog.Logger
}

// NewTokenStore wraps a backend. A nil decoder decodes without
// signature verification; a nil logger uses slog.Default().
func NewTokenStore(backend Backend, decoder *Decoder, logger *slog.Logger) *TokenStore {
	if decoder == nil {
		decoder = NewDecoder("")
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &TokenStore{
		backend: backend,
		decoder: decoder,
		logger:  logger,
	}
}

// Set overwrites any stored token. No validation happens here.
func (s *TokenStore) Set(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Save(token); err != nil {
		return fmt.Errorf("saving token: %w", err)
	}

	return nil
}

// Get returns the raw stored token. A backend read failure is logged
// and reported as absent.
func (s *TokenStore) Get() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.load()
}

func (s *TokenStore) load() (string, bool) {
	token, ok, err := s.backend.Load()
	if err != nil {
		s.logger.Warn("reading session token failed", slog.String("error", err.Error()))
		return "", false
	}

	return token, ok
}

// Token returns the stored token or "" for collaborators that only
// need a bearer value.
func (s *TokenStore) Token() string {
	token, _ := s.Get()
	return token
}

// Clear removes the stored token. Clearing an empty store is a no-op.
func (s *TokenStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Delete(); err != nil {
		return fmt.Errorf("clearing token: %w", err)
	}

	return nil
}

// Decode reads the stored token and decodes its claims. It fails with
// ErrToken when the store is empty or the token is malformed.
func (s *TokenStore) Decode() (Claims, error) {
	s.mu.RLock()
	token, ok := s.load()
	s.mu.RUnlock()

	if !ok {
		return Claims{}, fmt.Errorf("no session token stored: %w", apperrors.ErrToken)
	}

	return s.decoder.Decode(token)
}

// DecodeToken decodes a token that has not been stored yet, using the
// same rules as Decode.
func (s *TokenStore) DecodeToken(raw string) (Claims, error) {
	return s.decoder.Decode(raw)
}

// MemoryBackend keeps the token in process memory.
type MemoryBackend struct {
	mu    sync.Mutex
	token string
	set   bool
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (m *MemoryBackend) Load() (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.token, m.set, nil
}

func (m *MemoryBackend) Save(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.token = token
	m.set = true

	return nil
}

func (m *MemoryBackend) Delete() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.token = ""
	m.set = false

	return nil
}
