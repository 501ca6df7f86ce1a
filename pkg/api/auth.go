package api

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bishopdynamics/netbootstudio/internal/logger"
)

// DefaultTokenTTL is how long issued auth tokens stay valid. The web UI
// renews well inside this window.
const DefaultTokenTTL = 30 * time.Minute

// TokenStore hands out session tokens for the web UI. Tokens are plain
// uuids tracked with their issue time; expired ones are swept whenever a
// new token is issued.
type TokenStore struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	tokens map[string]time.Time
}

// NewTokenStore builds a store with the given ttl, or DefaultTokenTTL
// when ttl is not positive.
func NewTokenStore(ttl time.Duration) *TokenStore {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenStore{
		ttl:    ttl,
		now:    time.Now,
		tokens: make(map[string]time.Time),
	}
}

// Generate issues a fresh token and sweeps any that have expired.
func (s *TokenStore) Generate() string {
	token := uuid.NewString()
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = now
	for t, issued := range s.tokens {
		if now.Sub(issued) > s.ttl {
			logger.Debug("deleting expired auth token", "age", now.Sub(issued))
			delete(s.tokens, t)
		}
	}
	return token
}

// Validate reports whether token is known and still live. Expired tokens
// are dropped on sight.
func (s *TokenStore) Validate(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	issued, ok := s.tokens[token]
	if !ok {
		logger.Debug("refusing unknown auth token")
		return false
	}
	if age := s.now().Sub(issued); age > s.ttl {
		logger.Debug("refusing expired auth token", "age", age)
		delete(s.tokens, token)
		return false
	}
	return true
}
