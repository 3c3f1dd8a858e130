package auth

import (
	"sync"
	"time"
)

// Open accepts any well-formed username with no password. Register and
// Login are the same operation; tokens never touch the store. Intended for
// local play and tests.
type Open struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]sessionRecord
}

// NewOpen builds a password-less guest authenticator.
func NewOpen() *Open {
	return &Open{
		ttl:      defaultSessionTTL,
		sessions: make(map[string]sessionRecord),
	}
}

func (o *Open) issue(username string) (string, error) {
	if err := validateUsername(username); err != nil {
		return "", err
	}
	token := mustToken()
	o.mu.Lock()
	o.sessions[token] = sessionRecord{
		Username:  normalizeUsername(username),
		ExpiresAt: time.Now().Add(o.ttl),
	}
	o.mu.Unlock()
	return token, nil
}

func (o *Open) Register(username, _ string) (string, error) { return o.issue(username) }

func (o *Open) Login(username, _ string) (string, error) { return o.issue(username) }

func (o *Open) ResolveSession(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	now := time.Now()
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, exists := o.sessions[token]
	if !exists {
		return "", false
	}
	if !now.Before(rec.ExpiresAt) {
		delete(o.sessions, token)
		return "", false
	}
	rec.ExpiresAt = now.Add(o.ttl)
	o.sessions[token] = rec
	return rec.Username, true
}

func (o *Open) Logout(token string) {
	if token == "" {
		return
	}
	o.mu.Lock()
	delete(o.sessions, token)
	o.mu.Unlock()
}
