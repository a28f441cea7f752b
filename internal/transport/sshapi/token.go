// SPDX-License-Identifier: MPL-2.0

package sshapi

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

type (
	// Token is one credential accepted as an SSH password.
	Token struct {
		Value     string
		Label     string
		CreatedAt time.Time
		// ExpiresAt is zero for tokens that never expire.
		ExpiresAt time.Time
	}

	// Tokens is a concurrency-safe token store.
	Tokens struct {
		mu     sync.RWMutex
		tokens map[string]Token
		ttl    time.Duration
		now    func() time.Time
	}
)

// NewTokens returns a store whose issued tokens live for ttl. A zero ttl
// issues tokens that never expire. A nil now uses time.Now.
func NewTokens(ttl time.Duration, now func() time.Time) *Tokens {
	if now == nil {
		now = time.Now
	}
	return &Tokens{tokens: make(map[string]Token), ttl: ttl, now: now}
}

// NewTokenValue returns 32 random bytes, hex encoded.
func NewTokenValue() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Issue creates and stores a random token.
func (t *Tokens) Issue(label string) (Token, error) {
	value, err := NewTokenValue()
	if err != nil {
		return Token{}, err
	}
	tok := Token{Value: value, Label: label, CreatedAt: t.now()}
	if t.ttl > 0 {
		tok.ExpiresAt = tok.CreatedAt.Add(t.ttl)
	}
	t.mu.Lock()
	t.tokens[value] = tok
	t.mu.Unlock()
	return tok, nil
}

// Allow stores a caller-chosen token that never expires.
func (t *Tokens) Allow(value, label string) {
	t.mu.Lock()
	t.tokens[value] = Token{Value: value, Label: label, CreatedAt: t.now()}
	t.mu.Unlock()
}

// Validate returns the token matching value if it exists and has not
// expired. Expired tokens are removed.
func (t *Tokens) Validate(value string) (Token, bool) {
	t.mu.RLock()
	var (
		found Token
		ok    bool
	)
	for v, tok := range t.tokens {
		if subtle.ConstantTimeCompare([]byte(v), []byte(value)) == 1 {
			found, ok = tok, true
		}
	}
	t.mu.RUnlock()

	if !ok {
		return Token{}, false
	}
	if !found.ExpiresAt.IsZero() && t.now().After(found.ExpiresAt) {
		t.Revoke(value)
		return Token{}, false
	}
	return found, true
}

// Revoke removes a token.
func (t *Tokens) Revoke(value string) {
	t.mu.Lock()
	delete(t.tokens, value)
	t.mu.Unlock()
}

// Sweep removes every expired token and reports how many were removed.
func (t *Tokens) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	n := 0
	for v, tok := range t.tokens {
		if !tok.ExpiresAt.IsZero() && now.After(tok.ExpiresAt) {
			delete(t.tokens, v)
			n++
		}
	}
	return n
}

// Len returns the number of stored tokens.
func (t *Tokens) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.tokens)
}
