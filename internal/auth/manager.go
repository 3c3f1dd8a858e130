package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"parlor/internal/store"
)

const (
	defaultSessionTTL = 30 * 24 * time.Hour
	tokenBytes        = 32
)

type sessionRecord struct {
	Username  string
	ExpiresAt time.Time
}

type accountRecord struct {
	Username     string    `json:"username"`
	PasswordHash []byte    `json:"password_hash"`
	RegisteredAt time.Time `json:"registered_at"`
	LastLoginAt  time.Time `json:"last_login_at"`
}

// Manager authenticates against accounts in the record store. Sessions are
// held in memory and refreshed on every resolve.
type Manager struct {
	store store.Store
	locks *store.Keyed

	mu         sync.Mutex
	sessionTTL time.Duration
	sessions   map[string]sessionRecord
}

// NewManager builds a password-auth manager over the given store.
func NewManager(st store.Store) *Manager {
	return &Manager{
		store:      st,
		locks:      store.NewKeyed(),
		sessionTTL: defaultSessionTTL,
		sessions:   make(map[string]sessionRecord),
	}
}

func (m *Manager) issueSession(username string, now time.Time) string {
	token := mustToken()
	m.mu.Lock()
	m.sessions[token] = sessionRecord{Username: username, ExpiresAt: now.Add(m.sessionTTL)}
	m.mu.Unlock()
	return token
}

// Register creates an account and returns an authenticated session token.
func (m *Manager) Register(username, password string) (string, error) {
	if err := validateUsername(username); err != nil {
		return "", err
	}
	if err := validatePassword(password); err != nil {
		return "", err
	}
	normalized := normalizeUsername(username)
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	now := time.Now()
	err = m.locks.WithLock("account/"+normalized, func() error {
		_, getErr := m.store.Get(ctx, store.KindAccount, normalized)
		if getErr == nil {
			return ErrUsernameTaken
		}
		if !errors.Is(getErr, store.ErrNotFound) {
			return getErr
		}
		data, mErr := json.Marshal(accountRecord{
			Username:     normalized,
			PasswordHash: hash,
			RegisteredAt: now,
			LastLoginAt:  now,
		})
		if mErr != nil {
			return mErr
		}
		return m.store.Save(ctx, store.KindAccount, normalized, data)
	})
	if err != nil {
		return "", err
	}
	return m.issueSession(normalized, now), nil
}

// Login validates credentials and returns a fresh session token.
func (m *Manager) Login(username, password string) (string, error) {
	normalized := normalizeUsername(username)
	if normalized == "" || password == "" {
		return "", ErrInvalidCredentials
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	now := time.Now()
	err := m.locks.WithLock("account/"+normalized, func() error {
		data, getErr := m.store.Get(ctx, store.KindAccount, normalized)
		if errors.Is(getErr, store.ErrNotFound) {
			return ErrInvalidCredentials
		}
		if getErr != nil {
			return getErr
		}
		var rec accountRecord
		if uErr := json.Unmarshal(data, &rec); uErr != nil {
			return fmt.Errorf("decode account %s: %w", normalized, uErr)
		}
		if len(rec.PasswordHash) == 0 {
			return ErrInvalidCredentials
		}
		if bcrypt.CompareHashAndPassword(rec.PasswordHash, []byte(password)) != nil {
			return ErrInvalidCredentials
		}
		return m.store.Update(ctx, store.KindAccount, normalized, map[string]any{
			"last_login_at": now,
		})
	})
	if err != nil {
		return "", err
	}
	return m.issueSession(normalized, now), nil
}

// ResolveSession validates and refreshes a session token.
func (m *Manager) ResolveSession(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, exists := m.sessions[token]
	if !exists {
		return "", false
	}
	if !now.Before(rec.ExpiresAt) {
		delete(m.sessions, token)
		return "", false
	}
	rec.ExpiresAt = now.Add(m.sessionTTL)
	m.sessions[token] = rec
	return rec.Username, true
}

// Logout invalidates a session token.
func (m *Manager) Logout(token string) {
	if token == "" {
		return
	}
	m.mu.Lock()
	delete(m.sessions, token)
	m.mu.Unlock()
}

func mustToken() string {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
