package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenGenerateValidate(t *testing.T) {
	store := NewTokenStore(time.Minute)

	token := store.Generate()
	require.NotEmpty(t, token)
	assert.True(t, store.Validate(token))
	assert.False(t, store.Validate("not-a-token"))
}

func TestTokenExpiry(t *testing.T) {
	store := NewTokenStore(time.Minute)
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return clock }

	token := store.Generate()
	assert.True(t, store.Validate(token))

	clock = clock.Add(61 * time.Second)
	assert.False(t, store.Validate(token))
	// expired tokens are dropped, not just refused
	store.mu.Lock()
	_, still := store.tokens[token]
	store.mu.Unlock()
	assert.False(t, still)
}

func TestGenerateSweepsExpired(t *testing.T) {
	store := NewTokenStore(time.Minute)
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return clock }

	stale := store.Generate()
	clock = clock.Add(2 * time.Minute)
	fresh := store.Generate()

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Len(t, store.tokens, 1)
	assert.Contains(t, store.tokens, fresh)
	assert.NotContains(t, store.tokens, stale)
}

func TestZeroTTLFallsBackToDefault(t *testing.T) {
	store := NewTokenStore(0)
	assert.Equal(t, DefaultTokenTTL, store.ttl)
}
