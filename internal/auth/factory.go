package auth

import (
	"fmt"
	"os"
	"strings"

	"parlor/internal/store"
)

const (
	ModeOpen  = "open"
	ModeLocal = "local"
)

func modeFromEnv() string {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("AUTH_MODE")))
	switch raw {
	case "", ModeOpen, "guest":
		return ModeOpen
	case ModeLocal, "password":
		return ModeLocal
	default:
		return raw
	}
}

// NewServiceFromEnv builds the authenticator selected by AUTH_MODE.
func NewServiceFromEnv(st store.Store) (Service, string, error) {
	mode := modeFromEnv()
	switch mode {
	case ModeOpen:
		return NewOpen(), mode, nil
	case ModeLocal:
		return NewManager(st), mode, nil
	default:
		return nil, mode, fmt.Errorf("invalid AUTH_MODE %q (supported: %s, %s)", mode, ModeOpen, ModeLocal)
	}
}
