// Package store is the durable record boundary: generic JSON documents
// keyed by (kind, id), with memory, SQLite and Postgres backends selected
// from the environment. Read-modify-write callers serialize through the
// keyed lock so concurrent requests touching the same entity never race.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Record kinds used by the orchestrator.
const (
	KindTerminal = "terminal"
	KindUser     = "user"
	KindAccount  = "account"
)

var ErrNotFound = errors.New("record not found")

// Store is the persistence boundary. Data payloads are JSON documents.
type Store interface {
	Get(ctx context.Context, kind, id string) ([]byte, error)
	Save(ctx context.Context, kind, id string, data []byte) error
	// Update merges partial top-level fields into the stored document.
	Update(ctx context.Context, kind, id string, partial map[string]any) error
	Delete(ctx context.Context, kind, id string) error
	// Keys lists ids of kind with the given id prefix.
	Keys(ctx context.Context, kind, prefix string) ([]string, error)
	Close() error
}

// Modes for the factory.
const (
	ModeMemory   = "memory"
	ModeSQLite   = "sqlite"
	ModePostgres = "postgres"
)

func modeFromEnv() string {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("STORE_MODE")))
	switch raw {
	case "", ModeMemory, "mem":
		return ModeMemory
	case ModeSQLite, "local":
		return ModeSQLite
	case ModePostgres, "pg", "postgresql":
		return ModePostgres
	default:
		return raw
	}
}

// NewFromEnv builds the store selected by STORE_MODE.
func NewFromEnv() (Store, string, error) {
	mode := modeFromEnv()
	switch mode {
	case ModeMemory:
		return NewMemory(), mode, nil
	case ModeSQLite:
		s, err := NewSQLiteFromEnv()
		return s, mode, err
	case ModePostgres:
		s, err := NewPostgresFromEnv()
		return s, mode, err
	default:
		return nil, mode, fmt.Errorf("invalid STORE_MODE %q (supported: %s, %s, %s)",
			mode, ModeMemory, ModeSQLite, ModePostgres)
	}
}

// Keyed is a named-resource mutual-exclusion section: WithLock serializes
// all callers holding the same key.
type Keyed struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewKeyed creates an empty keyed lock set.
func NewKeyed() *Keyed {
	return &Keyed{locks: make(map[string]*sync.Mutex)}
}

// WithLock runs fn while holding the mutex for key.
func (k *Keyed) WithLock(key string, fn func() error) error {
	k.mu.Lock()
	m := k.locks[key]
	if m == nil {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	defer m.Unlock()
	return fn()
}

// mergeJSON overlays partial top-level fields onto a stored document.
func mergeJSON(data []byte, partial map[string]any) ([]byte, error) {
	doc := make(map[string]any)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("merge stored document: %w", err)
		}
	}
	for field, value := range partial {
		doc[field] = value
	}
	return json.Marshal(doc)
}
