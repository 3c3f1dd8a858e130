// Package auth issues and resolves session tokens for the gateway. Accounts
// persist through the shared record store; sessions are in-memory and die
// with the process.
package auth

import (
	"errors"
	"regexp"
	"strings"
)

// Service is the account/session contract consumed by the gateway.
type Service interface {
	Register(username, password string) (token string, err error)
	Login(username, password string) (token string, err error)
	ResolveSession(token string) (username string, ok bool)
	Logout(token string)
}

var (
	ErrInvalidUsername    = errors.New("invalid username")
	ErrInvalidPassword    = errors.New("invalid password")
	ErrUsernameTaken      = errors.New("username already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9_.-]{1,31}$`)

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func validateUsername(username string) error {
	if !usernamePattern.MatchString(strings.TrimSpace(username)) {
		return ErrInvalidUsername
	}
	return nil
}

func validatePassword(password string) error {
	if len(password) < 6 || len(password) > 72 {
		return ErrInvalidPassword
	}
	return nil
}
